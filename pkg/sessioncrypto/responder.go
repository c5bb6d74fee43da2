package sessioncrypto

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Responder is the service side of the handshake. internal/devserver uses it
// to answer clientPublicKey events.
type Responder struct {
	mu   sync.Mutex
	priv *memguard.Enclave
	pub  [KeySize]byte
	keys *directionKeys
}

// NewResponder generates the responder's keypair.
func NewResponder() (*Responder, error) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Responder{priv: priv, pub: pub}, nil
}

// PublicKey returns the wire form of the responder's public key.
func (r *Responder) PublicKey() string {
	return EncodeKey(r.pub)
}

// Accept derives the session keys from the client's wire-encoded key.
func (r *Responder) Accept(clientKey string) error {
	client, err := DecodeKey(clientKey)
	if err != nil {
		return err
	}
	keys, err := deriveKeys(r.priv, client, r.pub, client, infoAgentToClient, infoClientToAgent)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	return nil
}

// Encrypt seals plaintext for the client.
func (r *Responder) Encrypt(plaintext []byte) (string, error) {
	r.mu.Lock()
	keys := r.keys
	r.mu.Unlock()
	if keys == nil {
		return "", ErrNoPeerKey
	}
	return seal(keys.send, plaintext)
}

// Decrypt opens a message sealed by the client.
func (r *Responder) Decrypt(ciphertext string) ([]byte, error) {
	r.mu.Lock()
	keys := r.keys
	r.mu.Unlock()
	if keys == nil {
		return nil, ErrNoPeerKey
	}
	return open(keys.recv, ciphertext)
}
