package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Every error that
// crosses a subsystem boundary wraps exactly one of these sentinels so
// callers can branch with errors.Is instead of string matching.

var (
	// ErrNotFound — a referenced entity (zone id, lock id, code, webhook,
	// stream) is absent. Command methods fail fast with a precise message.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument — out-of-range or enum-violating input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDenied — access denied by schedule, disabled code, expired code,
	// wrong lock, or exceeded uses. Only the reason tag is surfaced.
	ErrDenied = errors.New("access denied")

	// ErrDeviceUnavailable — a device read or write failed. Transient;
	// retried on the next cadence, never propagated past the subsystem.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrPersistence — a settings read/write failed. Logged, non-fatal;
	// in-memory state continues and the next write re-persists.
	ErrPersistence = errors.New("persistence failure")

	// ErrCancelled — a timed action was cancelled. Not an error for callers.
	ErrCancelled = errors.New("cancelled")

	// ErrOverload — an event subscriber mailbox overflowed. Diagnostic only.
	ErrOverload = errors.New("subscriber overloaded")
)

// ─── Constructors ───────────────────────────────────────────────────────────

// NotFound returns an ErrNotFound wrapping error naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// InvalidArgument returns an ErrInvalidArgument wrapping error.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// Denied returns an ErrDenied wrapping error carrying only the reason tag.
func Denied(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrDenied)
}

// DeniedReason extracts the reason tag from an ErrDenied error.
// Returns "" if err does not wrap ErrDenied.
func DeniedReason(err error) string {
	if err == nil || !errors.Is(err, ErrDenied) {
		return ""
	}
	return strings.TrimSuffix(err.Error(), ": "+ErrDenied.Error())
}
