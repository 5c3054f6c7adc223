package tasks

import (
	"errors"
	"fmt"
)

// Code discriminates scheduler errors. The set is closed; anything
// else maps to CodeUnknown.
type Code string

const (
	CodeInitFailed             Code = "INIT_FAILED"
	CodeTaskNotFound           Code = "TASK_NOT_FOUND"
	CodeExecutorNotFound       Code = "EXECUTOR_NOT_FOUND"
	CodeExecutionTimeout       Code = "EXECUTION_TIMEOUT"
	CodeExecutionFailed        Code = "EXECUTION_FAILED"
	CodeConcurrentExecution    Code = "CONCURRENT_EXECUTION"
	CodeInvalidCron            Code = "INVALID_CRON"
	CodeInvalidTrigger         Code = "INVALID_TRIGGER"
	CodeDBError                Code = "DB_ERROR"
	CodeNotificationFailed     Code = "NOTIFICATION_FAILED"
	CodeWebhookFailed          Code = "WEBHOOK_FAILED"
	CodeScriptValidationFailed Code = "SCRIPT_VALIDATION_FAILED"
	CodePluginHandlerNotFound  Code = "PLUGIN_HANDLER_NOT_FOUND"
	CodeUnknown                Code = "UNKNOWN"
)

// Error is a scheduler error carrying a discriminator code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code and message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the discriminator from an error chain. Errors
// without a code report CodeUnknown; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var schedErr *Error
	if errors.As(err, &schedErr) {
		return schedErr.Code
	}
	return CodeUnknown
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
