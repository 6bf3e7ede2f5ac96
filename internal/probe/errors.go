package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrorKind classifies why a stage did not produce a usable value.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindPermissionUnavailable ErrorKind = "PERMISSION_UNAVAILABLE"
	KindTimeout               ErrorKind = "TIMEOUT"
	KindNotSupported          ErrorKind = "NOT_SUPPORTED"
	KindImplausibleValue      ErrorKind = "IMPLAUSIBLE_VALUE"
	KindTransientFailure      ErrorKind = "TRANSIENT_FAILURE"
)

var (
	// ErrPermission is returned by stages that refuse instead of escalating.
	ErrPermission = errors.New("permission unavailable")
	// ErrNotSupported is returned when the platform lacks the data source.
	ErrNotSupported = errors.New("not supported on this platform")
	// ErrImplausible is returned when a value fails the meaningful-success predicate.
	ErrImplausible = errors.New("implausible value")
	// ErrTransient marks failures worth retrying on the next tick.
	ErrTransient = errors.New("transient failure")
	// ErrPartial accompanies a usable value from a stage that could not read everything.
	ErrPartial = errors.New("partial reading")
	// ErrWarmingUp marks a stage that needs a previous reading before it can answer.
	ErrWarmingUp = errors.New("warming up")
)

// Implausible wraps ErrImplausible with a description of the rejected value.
func Implausible(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrImplausible, fmt.Sprintf(format, args...))
}

// Transient wraps ErrTransient with a description.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// WarmingUp is a transient failure that is expected until a stage has a
// baseline. It does not degrade the chain.
func WarmingUp(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrTransient, ErrWarmingUp, fmt.Sprintf(format, args...))
}

// Partial wraps ErrPartial with a description of what was missing.
func Partial(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPartial, fmt.Sprintf(format, args...))
}

// Classify maps an error returned by a stage onto the error taxonomy.
// Unknown errors are treated as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPermission), errors.Is(err, os.ErrPermission):
		return KindPermissionUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, ErrNotSupported), errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return KindNotSupported
	case errors.Is(err, ErrImplausible):
		return KindImplausibleValue
	case isAccessDenied(err.Error()):
		return KindPermissionUnavailable
	default:
		return KindTransientFailure
	}
}

// Sticky reports whether a kind is a property of the host rather than of the moment.
func (k ErrorKind) Sticky() bool {
	return k == KindNotSupported || k == KindPermissionUnavailable
}

func isAccessDenied(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "access is denied") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted")
}
