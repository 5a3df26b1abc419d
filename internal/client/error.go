package client

import (
	"fmt"
	"io/fs"
	"net/http"
)

// StatusError is returned for a response with an unexpected status code.
// It unwraps to the fs error that best describes the status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

// AsStatusError converts an HTTP status to a StatusError.
func AsStatusError(url string, statusCode int, status string) *StatusError {
	e := &StatusError{URL: url, StatusCode: statusCode, Status: status}
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		e.Err = fs.ErrNotExist
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = fs.ErrPermission
	default:
		e.Err = fs.ErrInvalid
	}
	return e
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
