package domain

import (
	"errors"
	"net/http"
)

var (
	ErrUserOperationNotFound = errors.New("user operation not found")
	ErrInvalidTransition     = errors.New("invalid user operation status transition")
)

// ErrorCode names a class of failure and the HTTP status it maps to.
type ErrorCode struct {
	Name       string
	StatusCode int
}

var (
	ErrorCodeParameterInvalid = ErrorCode{
		Name:       "PARAMETER_INVALID",
		StatusCode: http.StatusBadRequest,
	}
	ErrorCodeResourceNotFound = ErrorCode{
		Name:       "RESOURCE_NOT_FOUND",
		StatusCode: http.StatusNotFound,
	}
	ErrorCodeResourceConflict = ErrorCode{
		Name:       "RESOURCE_CONFLICT",
		StatusCode: http.StatusConflict,
	}
	ErrorCodeAuthPermissionDenied = ErrorCode{
		Name:       "AUTH_PERMISSION_DENIED",
		StatusCode: http.StatusForbidden,
	}
	ErrorCodeAuthNotAuthenticated = ErrorCode{
		Name:       "AUTH_NOT_AUTHENTICATED",
		StatusCode: http.StatusUnauthorized,
	}
	ErrorCodeInternalProcess = ErrorCode{
		Name:       "INTERNAL_PROCESS",
		StatusCode: http.StatusInternalServerError,
	}
	ErrorCodeRemoteProcess = ErrorCode{
		Name:       "REMOTE_PROCESS_ERROR",
		StatusCode: http.StatusBadGateway,
	}
)

// DomainError carries an ErrorCode alongside the underlying error and an
// optional message that is safe to show to API clients.
type DomainError struct {
	code      ErrorCode
	err       error
	clientMsg string
	detail    map[string]interface{}
}

type ErrorOption func(*DomainError)

// WithMsg sets the client facing message.
func WithMsg(msg string) ErrorOption {
	return func(e *DomainError) {
		e.clientMsg = msg
	}
}

// WithDetail attaches structured details rendered in the error response.
func WithDetail(detail map[string]interface{}) ErrorOption {
	return func(e *DomainError) {
		e.detail = detail
	}
}

func NewError(code ErrorCode, err error, opts ...ErrorOption) error {
	e := DomainError{code: code, err: err}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e DomainError) Error() string {
	if e.err == nil {
		return e.Name()
	}
	return e.err.Error()
}

func (e DomainError) Unwrap() error {
	return e.err
}

func (e DomainError) Name() string {
	if e.code.Name == "" {
		return "UNKNOWN_ERROR"
	}
	return e.code.Name
}

func (e DomainError) HTTPStatus() int {
	if e.code.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.code.StatusCode
}

func (e DomainError) ClientMsg() string {
	return e.clientMsg
}

func (e DomainError) Detail() map[string]interface{} {
	return e.detail
}
