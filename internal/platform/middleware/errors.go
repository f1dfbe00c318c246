package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// FieldDetail names one invalid input field.
type FieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Details []FieldDetail `json:"details,omitempty"`
}

// APIError is an error with a status and a client-facing code. Handlers
// return it and the error handler renders it.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details []FieldDetail
	// Internal is logged, never sent.
	Internal error
}

func (e *APIError) Error() string {
	if e.Internal != nil {
		return e.Code + ": " + e.Internal.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Internal
}

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// ValidationError is a 400 with one field detail.
func ValidationError(code, field, message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    code,
		Message: message,
		Details: []FieldDetail{{Field: field, Message: message}},
	}
}

// InternalError hides err from the client.
func InternalError(err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal server error", Internal: err}
}

var statusCodes = map[int]string{
	http.StatusBadRequest:            "invalid_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusForbidden:             "insufficient_permissions",
	http.StatusNotFound:              "not_found",
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusUnsupportedMediaType:  "unsupported_media_type",
	http.StatusTooManyRequests:       "rate_limited",
	http.StatusServiceUnavailable:    "unavailable",
	http.StatusGatewayTimeout:        "timeout",
}

// ErrorHandler renders errors as ErrorBody. Anything that is neither an
// APIError nor an echo.HTTPError becomes a 500 without detail.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := render(err)
		rid, _ := c.Get("request_id").(string)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Str("request_id", rid).Msg("write error response")
		}
	}
}

func render(err error) (int, ErrorBody) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, ErrorBody{Error: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code, ok := statusCodes[he.Code]
		if !ok || he.Code >= http.StatusInternalServerError && he.Code != http.StatusServiceUnavailable && he.Code != http.StatusGatewayTimeout {
			return http.StatusInternalServerError, ErrorBody{Error: "internal_error", Message: "internal server error"}
		}
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorBody{Error: code, Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorBody{Error: "timeout", Message: "request processing exceeded the allowed time"}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "internal_error", Message: "internal server error"}
}
