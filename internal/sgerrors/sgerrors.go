// Package sgerrors defines the closed error taxonomy shared by every
// engine component (spec.md §7). Components wrap one of these sentinels
// with fmt.Errorf("...: %w", ...) so callers can use errors.Is/errors.As.
package sgerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: image/tag/table/object missing where required.
	ErrNotFound = errors.New("not found")

	// ErrClash: table already exists in target image, or a tag name is
	// already in use.
	ErrClash = errors.New("clash")

	// ErrIntegrity: dangling object reference, malformed object tree (no
	// reachable BASE), a descriptor referencing unregistered objects, or
	// an object identifier registered again with differing content.
	ErrIntegrity = errors.New("integrity violation")

	// ErrCheckoutConflict: pending changes present when the caller
	// demanded a clean operation.
	ErrCheckoutConflict = errors.New("checkout has pending changes")

	// ErrEngineInit: a required server-side facility (audit triggers,
	// foreign servers) is absent.
	ErrEngineInit = errors.New("engine facility not initialized")

	// ErrTransport: remote peer unavailable or protocol error.
	ErrTransport = errors.New("transport error")

	// ErrInvalidArgument: malformed caller input, e.g. mismatched slice
	// lengths or unsafe SQL rejected by the validator.
	ErrInvalidArgument = errors.New("invalid argument")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error { return wrapf(ErrNotFound, format, args...) }

// Clashf wraps ErrClash with a formatted message.
func Clashf(format string, args ...any) error { return wrapf(ErrClash, format, args...) }

// Integrityf wraps ErrIntegrity with a formatted message.
func Integrityf(format string, args ...any) error { return wrapf(ErrIntegrity, format, args...) }

// CheckoutConflictf wraps ErrCheckoutConflict with a formatted message.
func CheckoutConflictf(format string, args ...any) error {
	return wrapf(ErrCheckoutConflict, format, args...)
}

// EngineInitf wraps ErrEngineInit with a formatted message.
func EngineInitf(format string, args ...any) error { return wrapf(ErrEngineInit, format, args...) }

// Transportf wraps ErrTransport with a formatted message.
func Transportf(format string, args ...any) error { return wrapf(ErrTransport, format, args...) }

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return wrapf(ErrInvalidArgument, format, args...)
}

func wrapf(sentinel error, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &sentinelError{sentinel: sentinel, msg: msg}
}

type sentinelError struct {
	sentinel error
	msg      string
}

func (e *sentinelError) Error() string { return e.msg + ": " + e.sentinel.Error() }
func (e *sentinelError) Unwrap() error { return e.sentinel }
