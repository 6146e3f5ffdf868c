package convsync

import (
	"github.com/pkg/errors"
)

// Error taxonomy. Storage and transient network failures are absorbed by the
// Engine; ErrAuth and ErrRequestNotActive need a decision from the UI.
var (
	// ErrStorage reports a local cache I/O or decoding failure.
	ErrStorage = errors.New("local storage failure")

	// ErrNetwork reports that the server could not be reached or failed.
	ErrNetwork = errors.New("network failure")

	// ErrTimeout reports that a remote call exceeded its deadline. It is
	// handled exactly like ErrNetwork.
	ErrTimeout = errors.New("request timed out")

	// ErrAuth reports that the server rejected the credential.
	ErrAuth = errors.New("authentication rejected")

	// ErrRequestNotActive is returned when sending is not allowed in the
	// conversation's current request state.
	ErrRequestNotActive = errors.New("conversation request is not active")

	// ErrActionNotAllowed is returned for accept/reject outside of the
	// pending-as-recipient state.
	ErrActionNotAllowed = errors.New("action not allowed in current request state")

	// ErrEmptyMessage is returned when neither content nor a shared
	// reference was given.
	ErrEmptyMessage = errors.New("message has no content")

	// ErrConversationNotOpen is returned for operations on a conversation
	// that has no open session.
	ErrConversationNotOpen = errors.New("conversation is not open")

	// ErrEngineClosed is returned by OpenConversation after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// IsTransient reports whether err is a network or timeout failure, after
// which the cached view stays authoritative for the UI.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// wrapSentinel attaches cause to a sentinel so that errors.Is matches the
// sentinel and the message still shows what failed.
func wrapSentinel(sentinel, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return &classified{sentinel: sentinel, cause: errors.Errorf(format, args...)}
	}
	return &classified{
		sentinel: sentinel,
		cause:    errors.WithMessagef(cause, format, args...),
	}
}

type classified struct {
	sentinel error
	cause    error
}

func (c *classified) Error() string {
	return c.sentinel.Error() + ": " + c.cause.Error()
}

func (c *classified) Is(target error) bool { return target == c.sentinel }

func (c *classified) Unwrap() error { return c.cause }
