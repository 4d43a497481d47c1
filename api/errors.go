package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"library-catalog/library"
)

// APIError represents a non-2xx response from the backend. The backend
// answers either with a structured JSON body carrying a message or with
// a plain-text body.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Message is the "message" field of a structured body.
	Message string

	// Text is a non-JSON error body, trimmed.
	Text string
}

func (err *APIError) Error() string {
	detail := err.ServerMessage()
	if detail == "" {
		detail = http.StatusText(err.StatusCode)
	}
	return fmt.Sprintf("api: HTTP %d: %s", err.StatusCode, detail)
}

// ServerMessage returns whatever human-readable message the server gave,
// preferring the structured one.
func (err *APIError) ServerMessage() string {
	if err.Message != "" {
		return err.Message
	}
	return err.Text
}

// TransportError means the request never produced an HTTP response.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("api: %s %s: %v", err.Method, err.Path, err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }

func parseAPIError(status int, body []byte) *APIError {
	apiError := &APIError{StatusCode: status}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return apiError
	}

	// The "error" field of a default error body is the reason phrase,
	// not a message for the user.
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &structured); err == nil {
		apiError.Message = structured.Message
		return apiError
	}

	// A bare JSON string is a plain message too.
	var quoted string
	if err := json.Unmarshal(body, &quoted); err == nil {
		apiError.Text = quoted
		return apiError
	}
	apiError.Text = trimmed
	return apiError
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	return statusIs(err, http.StatusUnauthorized) || statusIs(err, http.StatusForbidden)
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsBadRequest reports whether err is a 400 response.
func IsBadRequest(err error) bool { return statusIs(err, http.StatusBadRequest) }

func statusIs(err error, status int) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == status
}

// KindOf maps a transport failure onto the library error taxonomy.
func KindOf(err error) library.ErrorKind {
	var apiError *APIError
	if errors.As(err, &apiError) {
		switch {
		case apiError.StatusCode == http.StatusUnauthorized, apiError.StatusCode == http.StatusForbidden:
			return library.KindAuth
		case apiError.StatusCode == http.StatusNotFound:
			return library.KindNotFound
		case apiError.StatusCode == http.StatusConflict:
			return library.KindConflict
		case apiError.StatusCode >= 500:
			return library.KindTransient
		}
		return library.KindUnexpected
	}
	var transportError *TransportError
	if errors.As(err, &transportError) {
		return library.KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return library.KindTransient
	}
	return library.KindUnexpected
}

// Classify converts err into a *library.Error. The message is the
// server's own message when it sent one, otherwise fallback. Errors that
// are already classified pass through unchanged.
func Classify(err error, fallback string) *library.Error {
	if err == nil {
		return nil
	}
	var classified *library.Error
	if errors.As(err, &classified) {
		return classified
	}
	return library.NewError(KindOf(err), messageOf(err, fallback), err)
}

// ClassifyAs is Classify with a forced kind.
func ClassifyAs(kind library.ErrorKind, err error, fallback string) *library.Error {
	if err == nil {
		return nil
	}
	return library.NewError(kind, messageOf(err, fallback), err)
}

func messageOf(err error, fallback string) string {
	var apiError *APIError
	if errors.As(err, &apiError) {
		if message := apiError.ServerMessage(); message != "" {
			return message
		}
	}
	return fallback
}
