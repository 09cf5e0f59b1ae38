// Package errors defines the typed API errors used throughout Honeydew.
//
// Domain packages wrap these values with fmt.Errorf("...: %w", err) so the
// HTTP layer can recover the client-visible code and status with errors.As.
package errors

import "fmt"

// APIError represents a client-visible error with a machine-readable code,
// a human-readable message and the HTTP status code to answer with.
type APIError struct {
	// Code is the error code (e.g., "NoSuchUpload", "InvalidRange").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 416).
	HTTPStatus int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the APIError with the given message. The copy
// does not match the original with errors.Is, so callers that need both
// should wrap the original instead.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined errors for common conditions.
var (
	// ErrNoSuchUpload is returned when the upload ID is unknown, scheduled
	// for deletion in the past, or not yet readable.
	ErrNoSuchUpload = &APIError{
		Code:       "NoSuchUpload",
		Message:    "The specified upload does not exist",
		HTTPStatus: 404,
	}

	// ErrStreamIntegrity is returned when more bytes arrive than the upload
	// declared. The upload must be deleted and created again.
	ErrStreamIntegrity = &APIError{
		Code:       "StreamIntegrity",
		Message:    "Stream contains more data than the file's upload length",
		HTTPStatus: 413,
	}

	// ErrOffsetMismatch is returned when a resumed append does not start at
	// the ledger's committed offset.
	ErrOffsetMismatch = &APIError{
		Code:       "OffsetMismatch",
		Message:    "Upload-Offset does not match the committed length of the upload",
		HTTPStatus: 409,
	}

	// ErrUploadComplete is returned when appending to a completed upload.
	ErrUploadComplete = &APIError{
		Code:       "UploadComplete",
		Message:    "The upload is already complete",
		HTTPStatus: 409,
	}

	// ErrIncompleteUpload is returned when finalize is requested before all
	// declared bytes were committed, or when a write-all stream ended short.
	ErrIncompleteUpload = &APIError{
		Code:       "IncompleteUpload",
		Message:    "The upload has not received all of its declared bytes",
		HTTPStatus: 409,
	}

	// ErrInvalidRange is returned when the requested range cannot be served.
	ErrInvalidRange = &APIError{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: 416,
	}

	// ErrMissingContentLength is returned when a write-all upload arrives
	// without a Content-Length.
	ErrMissingContentLength = &APIError{
		Code:       "MissingContentLength",
		Message:    "You must provide the Content-Length HTTP header",
		HTTPStatus: 411,
	}

	// ErrInvalidArgument is returned for malformed request parameters.
	ErrInvalidArgument = &APIError{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	// ErrUploadTooLarge is returned when the declared length exceeds the
	// configured maximum upload size.
	ErrUploadTooLarge = &APIError{
		Code:       "UploadTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed size",
		HTTPStatus: 413,
	}

	// ErrUnsupportedMediaType is returned when a PATCH body is not sent as
	// application/offset+octet-stream.
	ErrUnsupportedMediaType = &APIError{
		Code:       "UnsupportedMediaType",
		Message:    "Content-Type must be application/offset+octet-stream",
		HTTPStatus: 415,
	}

	// ErrDeletionDisabled is returned when deletion of uploads is turned off.
	ErrDeletionDisabled = &APIError{
		Code:       "DeletionDisabled",
		Message:    "Deletion of uploads is not allowed",
		HTTPStatus: 403,
	}

	// ErrSlugExhausted is returned when no free upload ID could be found
	// within the bounded number of attempts.
	ErrSlugExhausted = &APIError{
		Code:       "SlugExhausted",
		Message:    "Could not generate a unique upload ID",
		HTTPStatus: 503,
	}

	// ErrInternalError is returned for unexpected server-side failures.
	ErrInternalError = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	// ErrServiceUnavailable is returned when a backend dependency is down.
	ErrServiceUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Message:    "Please reduce your request rate.",
		HTTPStatus: 503,
	}
)
