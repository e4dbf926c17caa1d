// Package cli holds the configuration plumbing shared by the meta server
// and replica node commands.
//
// SetAllConfig fills a command's flags from, in increasing priority, the
// TOML file named by --config, BULKLOAD_* environment variables and the
// command line. NewGenerateConfigCommand prints a command's defaults as a
// TOML file. ProviderFlags and BuildProviders turn the [provider] section
// into the file provider registry.
package cli
