// Package errors wraps pkg/errors and adds error codes, so a failure can be
// classified by callers and carried across the wire as a short string.
//
// # Codes
//
// A Code names a class of failure, such as ErrObjectNotFound or ErrBusy.
// New and Newf create an error carrying a code; Wrap and Wrapf add context
// without losing it. Is and CodeOf look through any number of wraps:
//
//	err := errors.Wrap(errors.New(errors.ErrBusy, "app 3 is loading"), "starting")
//	errors.Is(err, errors.ErrBusy) // true
//
// OK is the empty code. Replica responses carry a Code in their err field
// and FromCode turns a non-OK code back into an error on the receiving
// side.
package errors
