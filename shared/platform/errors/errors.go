package errors

import (
	"errors"
	"fmt"
)

// Error types. Transport layers map these onto status codes.
const (
	ErrorTypeValidation  = "validation"
	ErrorTypeNotFound    = "not_found"
	ErrorTypeConflict    = "conflict"
	ErrorTypeInternal    = "internal"
	ErrorTypeExternal    = "external"
	ErrorTypeUnavailable = "unavailable"
)

// AppError carries an error class, a stable machine-readable code and
// optional structured details alongside the human message.
type AppError struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError by type (and by code when the target has one),
// otherwise it defers to the wrapped error.
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		if appErr.Code != "" && appErr.Code != e.Code {
			return false
		}
		return e.Type == appErr.Type
	}

	return errors.Is(e.Err, target)
}

// WithCode sets the stable error code and returns the receiver.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetails merges structured details into the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithCause attaches an underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

func newError(errorType, message string) *AppError {
	return &AppError{Type: errorType, Message: message}
}

func NewValidation(message string) *AppError {
	return newError(ErrorTypeValidation, message)
}

func NewNotFound(message string) *AppError {
	return newError(ErrorTypeNotFound, message)
}

func NewConflict(message string) *AppError {
	return newError(ErrorTypeConflict, message)
}

func NewInternal(message string) *AppError {
	return newError(ErrorTypeInternal, message)
}

// NewExternal reports a failing dependency such as a broker or remote service.
func NewExternal(message string) *AppError {
	return newError(ErrorTypeExternal, message)
}

// NewUnavailable reports a transient condition (lock timeout, pool exhaustion)
// where the caller is expected to retry.
func NewUnavailable(message string) *AppError {
	return newError(ErrorTypeUnavailable, message)
}

// Wrap wraps err with message. The type and code of an existing AppError in
// the chain are kept; anything else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Code:    appErr.Code,
			Message: message,
			Err:     err,
		}
	}

	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

func IsValidation(err error) bool {
	return hasErrorType(err, ErrorTypeValidation)
}

func IsNotFound(err error) bool {
	return hasErrorType(err, ErrorTypeNotFound)
}

func IsConflict(err error) bool {
	return hasErrorType(err, ErrorTypeConflict)
}

func IsInternal(err error) bool {
	return hasErrorType(err, ErrorTypeInternal)
}

func IsExternal(err error) bool {
	return hasErrorType(err, ErrorTypeExternal)
}

func IsUnavailable(err error) bool {
	return hasErrorType(err, ErrorTypeUnavailable)
}

// IsRetryable reports whether err belongs to the infrastructure class.
// Validation, conflict and not-found errors are never retryable.
func IsRetryable(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeInternal, ErrorTypeExternal, ErrorTypeUnavailable:
		return true
	default:
		return false
	}
}

func hasErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}

	return false
}

// GetErrorType returns the error type, or "unknown" if err is not an AppError.
func GetErrorType(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}

	return "unknown"
}

// GetCode returns the code of the outermost AppError carrying one.
func GetCode(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Err
	}
	return ""
}

// GetDetails returns the details of the outermost AppError.
func GetDetails(err error) map[string]interface{} {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
