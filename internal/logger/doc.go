// Package logger provides the leveled logger shared by the meta server, the
// replica nodes and the bulk-load core.
//
// Components take a Logger and add their own prefix with WithPrefix. The
// binaries build one with NewLeveledLogger, tests with NewLogfLogger so
// that output is attached to the running test. NopLogger discards
// everything and is the default when no logger is given.
package logger
