package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeBlocked       Code = 16
	CodeSigner        Code = 20
	CodeActionPlan    Code = 21
	CodeActionTimeout Code = 22
	CodeInvariant     Code = 23

	// Step failure taxonomy. These never abort a plan; they are recorded on the step.
	CodeRejected      Code = 30
	CodeNetworkSwitch Code = 31
	CodeSubmission    Code = 32
	CodeConfirmation  Code = 33
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or fallback when err is untyped.
func CodeOf(err error, fallback Code) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return fallback
}

// StepFailureCode is CodeOf restricted to the step failure taxonomy. Codes outside
// it, such as a usage error from calldata validation, become fallback.
func StepFailureCode(err error, fallback Code) Code {
	switch code := CodeOf(err, fallback); code {
	case CodeRejected, CodeNetworkSwitch, CodeSubmission, CodeConfirmation:
		return code
	default:
		return fallback
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "command_blocked"
	case CodeSigner:
		return "signer_error"
	case CodeActionPlan:
		return "action_plan_error"
	case CodeActionTimeout:
		return "action_timeout"
	case CodeInvariant:
		return "invariant_violation"
	case CodeRejected:
		return "user_rejection"
	case CodeNetworkSwitch:
		return "network_switch_failure"
	case CodeSubmission:
		return "submission_failure"
	case CodeConfirmation:
		return "confirmation_failure"
	default:
		return "internal_error"
	}
}
