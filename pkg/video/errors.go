package video

import (
	"errors"
	"fmt"
)

// Code is a rejection code returned to the transport layer.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidStreamID
	CodeInvalidResourceID
	CodeInvalidParameter
	CodeInvalidOperation
	CodeUnsupported
	CodeOutOfMemory
	CodeWorkerUnavailable
	CodeTimeout
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidStreamID:
		return "invalid stream id"
	case CodeInvalidResourceID:
		return "invalid resource id"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeInvalidOperation:
		return "invalid operation"
	case CodeUnsupported:
		return "unsupported"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeWorkerUnavailable:
		return "worker unavailable"
	case CodeTimeout:
		return "timeout"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// RejectError is a synchronous rejection of a command.
type RejectError struct {
	Code Code
	Op   string
	Err  error
}

func Reject(code Code, op string, format string, a ...any) *RejectError {
	return &RejectError{Code: code, Op: op, Err: fmt.Errorf(format, a...)}
}

func (e *RejectError) Error() string {
	s := e.Code.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RejectError) Unwrap() error { return e.Err }

// Is matches any *RejectError with the same code.
func (e *RejectError) Is(target error) bool {
	var t *RejectError
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Op == ""
	}
	return false
}

// CodeOf extracts the rejection code of err, CodeOK for nil
// and CodeInvalidOperation for anything unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var r *RejectError
	if errors.As(err, &r) {
		return r.Code
	}
	return CodeInvalidOperation
}

var (
	ErrWorkerUnavailable = &RejectError{Code: CodeWorkerUnavailable}
	ErrTimeout           = &RejectError{Code: CodeTimeout}
)
