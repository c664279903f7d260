package riscv013

import (
	"errors"
	"fmt"
)

// ErrorCode is the high-level error category surfaced to callers, per
// the error kinds enumerated in spec.md §7.
type ErrorCode string

const (
	ErrCodeTransport         ErrorCode = "transport failure"
	ErrCodeAbstractCmd       ErrorCode = "abstract command rejected"
	ErrCodeProgramExec       ErrorCode = "program execution failed"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeProtocolViolation ErrorCode = "protocol violation"
	ErrCodePrecondition      ErrorCode = "precondition violated"

	// ErrCodeFatal is the re-expression of the source's abort() on an
	// irrecoverable inconsistency (spec.md §9): a structured terminal
	// result the caller must act on, never a library panic.
	ErrCodeFatal ErrorCode = "fatal"

	// ErrCodeDTMVersion and ErrCodeDTMUnresponsive separate "wrong
	// silicon" from "no chip attached" during examine's DTMCS check,
	// per SPEC_FULL.md's supplemented riscv-013.c behavior.
	ErrCodeDTMVersion      ErrorCode = "unsupported dtm version"
	ErrCodeDTMUnresponsive ErrorCode = "dtm unresponsive"
)

// Error is the structured error this package returns from every public
// operation. Op names the call that failed; Hart and Regno are filled in
// where meaningful (zero value otherwise, so 0 cannot be distinguished
// from "not applicable" for hart 0 / x0 — callers that care check Op).
type Error struct {
	Op    string
	Hart  int
	Regno int
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("riscv013: %s: %s (hart=%d)", e.Op, msg, e.Hart)
	}
	return fmt.Sprintf("riscv013: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a structured Error.
func NewError(op string, hart int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Hart: hart, Code: code, Msg: msg}
}

// WrapError attaches op/hart context and the caller-chosen code to an
// underlying error, keeping it as Inner and its text as Msg. It returns
// nil when inner is nil; it does not inspect the cause to pick a code.
func WrapError(op string, hart int, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Hart: hart, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
