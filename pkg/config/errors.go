package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is matched by every error LoadConfig returns.
var ErrConfig = errors.New("config error")

// ErrSerialization is returned when the run configuration cannot be persisted.
var ErrSerialization = errors.New("serialization error")

type ErrorKind string

const (
	KindMissingFile  ErrorKind = "missing-file"
	KindMalformed    ErrorKind = "malformed-document"
	KindMissingKey   ErrorKind = "missing-key"
	KindInvalidValue ErrorKind = "invalid-value"
)

type Error struct {
	Kind ErrorKind
	Path string
	Keys []string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissingFile:
		return fmt.Sprintf("params file not found at %s", e.Path)
	case KindMissingKey:
		return fmt.Sprintf("params file %s is missing required keys: %s", e.Path, strings.Join(e.Keys, ", "))
	default:
		return fmt.Sprintf("params file %s: %s: %v", e.Path, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrConfig
}
