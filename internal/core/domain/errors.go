package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrObjectNotFound   = errors.New("object not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicate        = errors.New("duplicate document")
	ErrConflict         = errors.New("concurrent modification")
	ErrOutOfOrder       = errors.New("stage out of order")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")
	// ErrPermanent marks failures that redelivery cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Permanent tags err so the pipeline dead-letters it without retrying.
func Permanent(operation string, err error) error {
	return WrapError(ErrPermanent, operation, err)
}
