package conversations

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a conversation file does not exist.
var ErrNotFound = errors.New("conversation not found")

// ValidationError rejects invalid conversation data before it touches disk.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid conversation: %s: %s", e.Field, e.Reason)
}

// IntegrityError reports that a stored file's checksum does not match its
// payload. The file is left untouched for manual inspection.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: checksum %s, recorded %s", e.Path, e.Got, e.Want)
}

// IsIntegrityError reports whether err is an integrity failure.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsValidationError reports whether err is a validation rejection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
