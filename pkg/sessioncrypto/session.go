// Package sessioncrypto implements the per-connection key handshake and
// message encryption used by the fullmetal client.
//
// Each connection gets a fresh X25519 keypair (the session key). The client
// sends its public key as clientPublicKey, the service answers with
// agentPublicKey, and both sides derive one XChaCha20-Poly1305 key per
// direction with HKDF-SHA256. Every message uses a random 24-byte nonce and
// is encoded as base64(nonce || ciphertext).
//
// Private keys and derived keys are kept in memguard enclaves.
package sessioncrypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// Events exchanged during the handshake.
const (
	EventClientPublicKey = "clientPublicKey"
	EventAgentPublicKey  = "agentPublicKey"
)

// DefaultKeyExchangeTimeout bounds PerformKeyExchange when no timeout is given.
const DefaultKeyExchangeTimeout = 10 * time.Second

// Transport is the outbound half of a channel.
type Transport interface {
	Emit(event string, payload any) error
}

// exchange is one in-flight handshake shared by every waiter.
type exchange struct {
	done chan struct{}
	err  error
}

// Session holds the client side of one connection's key material.
// It is safe for concurrent use.
type Session struct {
	transport Transport

	mu        sync.Mutex
	priv      *memguard.Enclave
	pub       [KeySize]byte
	peer      *[KeySize]byte
	keys      *directionKeys
	pending   *exchange
	destroyed bool
}

// NewSession creates a Session that emits through t. No key exists until
// NewSessionKey is called.
func NewSession(t Transport) *Session {
	return &Session{transport: t}
}

// NewSessionKey discards all key material, generates a fresh keypair and
// cancels any in-flight exchange.
func (s *Session) NewSessionKey() error {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionDestroyed
	}
	s.resetLocked(ErrKeyExchangeCancelled)
	s.priv = priv
	s.pub = pub
	return nil
}

// Reset drops the session key, the peer key and derived keys, and cancels
// any in-flight exchange. The session can be rekeyed afterwards.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(ErrKeyExchangeCancelled)
}

// Destroy is Reset followed by refusing any further use.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(ErrSessionDestroyed)
	s.destroyed = true
}

func (s *Session) resetLocked(cause error) {
	if s.pending != nil {
		s.pending.err = cause
		close(s.pending.done)
		s.pending = nil
	}
	s.priv = nil
	s.pub = [KeySize]byte{}
	s.peer = nil
	s.keys = nil
}

// HasSessionKey reports whether a session key has been generated.
func (s *Session) HasSessionKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv != nil
}

// HasPeerKey reports whether a key exchange has completed.
func (s *Session) HasPeerKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != nil
}

// PublicKey returns the wire form of the current public key.
func (s *Session) PublicKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return "", ErrNoSessionKey
	}
	return EncodeKey(s.pub), nil
}

// PerformKeyExchange sends the public key and waits for the peer's key.
// It returns immediately if a peer key is already held. Concurrent callers
// share one exchange. The wait ends with ErrKeyExchangeTimeout after timeout
// (DefaultKeyExchangeTimeout if zero), with ctx.Err() when ctx is done, and
// with ErrKeyExchangeCancelled when the session is rekeyed or reset.
func (s *Session) PerformKeyExchange(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultKeyExchangeTimeout
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	if s.priv == nil {
		s.mu.Unlock()
		return ErrNoSessionKey
	}
	if s.peer != nil {
		s.mu.Unlock()
		return nil
	}
	ex := s.pending
	leader := ex == nil
	if leader {
		ex = &exchange{done: make(chan struct{})}
		s.pending = ex
	}
	pub := s.pub
	s.mu.Unlock()

	if leader {
		if err := s.transport.Emit(EventClientPublicKey, EncodeKey(pub)); err != nil {
			err = fmt.Errorf("send public key: %w", err)
			s.finish(ex, err)
			return err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ex.done:
		return ex.err
	case <-ctx.Done():
		if leader {
			s.finish(ex, ctx.Err())
		}
		return ctx.Err()
	case <-timer.C:
		if leader {
			s.finish(ex, ErrKeyExchangeTimeout)
		}
		return ErrKeyExchangeTimeout
	}
}

// finish completes ex with err if it is still the pending exchange.
func (s *Session) finish(ex *exchange, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != ex {
		return
	}
	ex.err = err
	close(ex.done)
	s.pending = nil
}

// HandlePeerKey accepts the agentPublicKey payload (a JSON string holding
// the base64 key), derives the direction keys and completes any pending
// exchange. A key pushed by the peer without a pending exchange is accepted
// as long as a session key exists.
func (s *Session) HandlePeerKey(data json.RawMessage) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return ErrInvalidPeerKey
	}
	peer, err := DecodeKey(encoded)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionDestroyed
	}
	if s.priv == nil {
		return ErrNoSessionKey
	}

	keys, err := deriveKeys(s.priv, s.pub, peer, peer, infoClientToAgent, infoAgentToClient)
	if err != nil {
		if s.pending != nil {
			s.pending.err = err
			close(s.pending.done)
			s.pending = nil
		}
		return err
	}
	s.peer = &peer
	s.keys = keys
	if s.pending != nil {
		close(s.pending.done)
		s.pending = nil
	}
	return nil
}

// Encrypt seals plaintext for the peer. It fails with ErrNoPeerKey until a
// key exchange has completed.
func (s *Session) Encrypt(plaintext []byte) (string, error) {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		return "", ErrNoPeerKey
	}
	return seal(keys.send, plaintext)
}

// Decrypt opens a message sealed by the peer for this session.
func (s *Session) Decrypt(ciphertext string) ([]byte, error) {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		return nil, ErrNoPeerKey
	}
	return open(keys.recv, ciphertext)
}
