// Package errdefs defines the error kinds shared by all efisign packages.
//
// Every fatal condition maps onto exactly one kind so callers can branch on
// errors.Is without string matching, while the wrapped message still names
// the failing operation.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration covers missing required paths and invalid or
	// conflicting option combinations.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotFound covers missing files, unresolved certificate nicknames
	// and out-of-range signature indexes.
	ErrNotFound = errors.New("not found")

	// ErrFormat covers malformed image headers and malformed or truncated
	// signature records.
	ErrFormat = errors.New("malformed image")

	// ErrCrypto covers signing and certificate-resolution failures.
	ErrCrypto = errors.New("crypto failure")

	// ErrIO covers file and transport failures.
	ErrIO = errors.New("i/o failure")
)

func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsFormat(err error) bool        { return errors.Is(err, ErrFormat) }
func IsCrypto(err error) bool        { return errors.Is(err, ErrCrypto) }
func IsIO(err error) bool            { return errors.Is(err, ErrIO) }

// Configf returns a configuration error with a formatted message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Formatf returns a format error with a formatted message.
func Formatf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Cryptof returns a crypto error with a formatted message.
func Cryptof(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCrypto, fmt.Sprintf(format, args...))
}

// IOf returns an i/o error with a formatted message.
func IOf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIO, fmt.Sprintf(format, args...))
}

// WrapIO wraps err as an i/o error unless it already carries a kind.
func WrapIO(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsConfiguration(err) || IsNotFound(err) || IsFormat(err) || IsCrypto(err) || IsIO(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// Kind returns a short name for the error's kind, for structured responses.
func Kind(err error) string {
	switch {
	case IsConfiguration(err):
		return "configuration"
	case IsNotFound(err):
		return "not-found"
	case IsFormat(err):
		return "format"
	case IsCrypto(err):
		return "crypto"
	case IsIO(err):
		return "io"
	default:
		return "internal"
	}
}

// Message returns the error's message without the kind prefix, for wire
// responses that carry the kind separately.
func Message(err error) string {
	msg := err.Error()
	for _, base := range []error{ErrConfiguration, ErrNotFound, ErrFormat, ErrCrypto, ErrIO} {
		if prefix := base.Error() + ": "; strings.HasPrefix(msg, prefix) {
			return msg[len(prefix):]
		}
	}
	return msg
}

// FromKind maps a kind name from a wire response back onto its sentinel.
func FromKind(kind, message string) error {
	var base error
	switch kind {
	case "configuration":
		base = ErrConfiguration
	case "not-found":
		base = ErrNotFound
	case "format":
		base = ErrFormat
	case "crypto":
		base = ErrCrypto
	case "io":
		base = ErrIO
	default:
		return errors.New(message)
	}
	return fmt.Errorf("%w: %s", base, message)
}
