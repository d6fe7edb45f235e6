package utils

type HTTPError struct {
	ErrorString string
	StatusCode  int
}

func (he *HTTPError) Error() string { return he.ErrorString }
func (he *HTTPError) Status() int   { return he.StatusCode }

var (
	// ErrHTTPBadRequest is returned when a request is missing or has malformed parameters
	ErrHTTPBadRequest = &HTTPError{"bad request", 400}

	// ErrHTTPNotFound is returned when a http uri can not be found
	ErrHTTPNotFound = &HTTPError{"not found", 404}

	// ErrHTTPConflict is returned when the requested operation is already in progress
	ErrHTTPConflict = &HTTPError{"conflict", 409}

	// ErrHTTPInternalServer is returned when an internal error occurs
	ErrHTTPInternalServer = &HTTPError{"internal server error", 500}

	// ErrHTTPNotImplemented is returned when the configured backend does not support the operation
	ErrHTTPNotImplemented = &HTTPError{"not implemented", 501}
)
