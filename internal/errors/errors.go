package errors

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() method.
type Code string

const (
	// OK is the empty code used on the wire for success.
	OK Code = ""

	ErrUncoded Code = "ERR_UNCODED"

	// ErrInvalidParameters is a non-retryable request error, for example an
	// unknown file provider type or a mismatched app/cluster name.
	ErrInvalidParameters Code = "ERR_INVALID_PARAMETERS"
	// ErrObjectNotFound means an app, a record or a remote file is absent.
	ErrObjectNotFound Code = "ERR_OBJECT_NOT_FOUND"
	// ErrCorruption means remote metadata could not be decoded.
	ErrCorruption Code = "ERR_CORRUPTION"
	// ErrInconsistentState means remote metadata disagrees with the app
	// table (app id or partition count).
	ErrInconsistentState Code = "ERR_INCONSISTENT_STATE"
	// ErrFileOperationFailed is a transient provider or network failure.
	ErrFileOperationFailed Code = "ERR_FILE_OPERATION_FAILED"
	// ErrAppNotAvailable means the app was dropped or is unavailable.
	ErrAppNotAvailable Code = "ERR_APP_NOT_AVAILABLE"
	// ErrBusy means the app is already bulk loading or a write for the same
	// record is in flight.
	ErrBusy Code = "ERR_BUSY"
	// ErrInvalidState means the requested action is not allowed from the
	// current status.
	ErrInvalidState Code = "ERR_INVALID_STATE"
	// ErrNotLeader is returned by a meta server that does not hold
	// leadership.
	ErrNotLeader Code = "ERR_FORWARD_TO_OTHERS"
	// ErrIngestionFailed is reported by a replica whose storage engine
	// rejected the ingestion.
	ErrIngestionFailed Code = "ERR_INGESTION_FAILED"
	// ErrTimeout is used for RPCs that did not complete in time.
	ErrTimeout Code = "ERR_TIMEOUT"

	ErrNodeExists   Code = "ERR_NODE_EXISTS"
	ErrNodeNotFound Code = "ERR_NODE_NOT_FOUND"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, errors.Errorf(format, args...).Error())
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

// CodeOf returns the code carried by err, OK for a nil error and
// ErrUncoded for an error that was never given a code.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

// FromCode turns a wire code back into an error. OK yields nil.
func FromCode(code Code, message string) error {
	if code == OK {
		return nil
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// MarshalJSON returns err as a json object carrying its code and the full
// wrapped message.
func MarshalJSON(err error) string {
	out := codedError{
		Code:    CodeOf(err),
		Message: err.Error(),
	}
	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}
	return string(j)
}
