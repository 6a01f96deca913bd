package prescription

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
	ErrNotification = errors.New("notification error")
	ErrParse        = errors.New("parse error")
	ErrNotFound     = errors.New("prescription not found")
)

// ValidationError reports a malformed record shape.
// Problems lists every violation found, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError wraps a backing-store failure (unreachable, rejected, timed out).
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NotificationError reports that the device publish channel rejected or
// never acknowledged the payload after all attempts.
type NotificationError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *NotificationError) Unwrap() error        { return e.Err }
func (e *NotificationError) Is(target error) bool { return target == ErrNotification }

// ParseError reports a date string in neither recognized format.
// It is recovered locally by skipping the offending record.
type ParseError struct {
	RecordID string
	Field    string
	Value    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("record %s: cannot parse %s %q: %v", e.RecordID, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("cannot parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error        { return e.Err }
func (e *ParseError) Is(target error) bool { return target == ErrParse }
