package batch

import (
	"errors"
	"fmt"
)

// ErrorCode is a kind-scoped, persisted failure code.
type ErrorCode string

const (
	ErrAbandoned ErrorCode = "ABANDONED"

	// Record batches.
	ErrReadingData ErrorCode = "ERROR_READING_DATA"
	ErrSaving      ErrorCode = "ERROR_SAVING"
	ErrDeleting    ErrorCode = "ERROR_DELETING"

	// Image batches.
	ErrReadingZip     ErrorCode = "ERROR_READING_ZIP"
	ErrZipFileEmpty   ErrorCode = "ZIP_FILE_EMPTY"
	ErrMalformedImage ErrorCode = "MALFORMED_IMAGE"
	ErrEmptyImage     ErrorCode = "EMPTY_IMAGE"
	ErrNewVersion     ErrorCode = "NEW_VERSION"
	ErrTooSmall       ErrorCode = "TOO_SMALL"
)

// CodedError carries an ErrorCode through ordinary error returns.
type CodedError struct {
	Code ErrorCode
	Err  error
}

// Fail wraps err with code. err may be nil.
func Fail(code ErrorCode, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the code persisted for err: the ErrorCode when err carries
// one, otherwise the error message.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrorCode(err.Error())
}
