package sessioncrypto

import "errors"

// PreconditionError reports an operation called before the state it needs
// exists.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// Is matches any PreconditionError with the same reason.
func (e *PreconditionError) Is(target error) bool {
	t, ok := target.(*PreconditionError)
	return ok && t.Reason == e.Reason
}

var (
	// ErrNoPeerKey is returned by Encrypt and Decrypt before a key exchange
	// has completed.
	ErrNoPeerKey = &PreconditionError{Reason: "no peer key"}

	// ErrNoSessionKey is returned when no session key has been generated.
	ErrNoSessionKey = &PreconditionError{Reason: "no session key"}

	ErrDecrypt              = errors.New("sessioncrypto: message authentication failed")
	ErrInvalidPeerKey       = errors.New("sessioncrypto: invalid peer public key")
	ErrKeyExchangeTimeout   = errors.New("sessioncrypto: key exchange timed out")
	ErrKeyExchangeCancelled = errors.New("sessioncrypto: key exchange cancelled")
	ErrSessionDestroyed     = errors.New("sessioncrypto: session destroyed")
)
