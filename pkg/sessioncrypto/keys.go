package sessioncrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived AEAD keys.
	KeySize = 32

	infoClientToAgent = "fullmetal client->agent"
	infoAgentToClient = "fullmetal agent->client"
)

// generateKeyPair returns a clamped X25519 private key sealed in an enclave
// and the matching public key.
func generateKeyPair() (*memguard.Enclave, [KeySize]byte, error) {
	var pub [KeySize]byte
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, pub, fmt.Errorf("generate key: %w", err)
	}
	clamp(priv)

	pb, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		memguard.WipeBytes(priv)
		return nil, pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], pb)
	// NewEnclave wipes priv.
	return memguard.NewEnclave(priv), pub, nil
}

func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// directionKeys holds the two AEAD keys for one side of a session.
type directionKeys struct {
	send *memguard.Enclave
	recv *memguard.Enclave
}

// deriveKeys runs X25519 against peer and expands the shared secret into a
// send and a receive key. The salt is always clientPub||agentPub so both
// sides derive the same pair.
func deriveKeys(priv *memguard.Enclave, clientPub, agentPub, peer [KeySize]byte, sendInfo, recvInfo string) (*directionKeys, error) {
	lb, err := priv.Open()
	if err != nil {
		return nil, fmt.Errorf("open session key: %w", err)
	}
	defer lb.Destroy()

	shared, err := curve25519.X25519(lb.Bytes(), peer[:])
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	defer memguard.WipeBytes(shared)

	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, clientPub[:]...)
	salt = append(salt, agentPub[:]...)

	send, err := expand(shared, salt, sendInfo)
	if err != nil {
		return nil, err
	}
	recv, err := expand(shared, salt, recvInfo)
	if err != nil {
		return nil, err
	}
	return &directionKeys{send: send, recv: recv}, nil
}

func expand(secret, salt []byte, info string) (*memguard.Enclave, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return memguard.NewEnclave(key), nil
}

// seal encrypts plaintext under key with a fresh random nonce and returns
// base64(nonce || ciphertext).
func seal(key *memguard.Enclave, plaintext []byte) (string, error) {
	lb, err := key.Open()
	if err != nil {
		return "", fmt.Errorf("open key: %w", err)
	}
	defer lb.Destroy()

	aead, err := chacha20poly1305.NewX(lb.Bytes())
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// open reverses seal. Every malformed or forged input yields ErrDecrypt.
func open(key *memguard.Enclave, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrDecrypt
	}

	lb, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("open key: %w", err)
	}
	defer lb.Destroy()

	aead, err := chacha20poly1305.NewX(lb.Bytes())
	if err != nil {
		return nil, err
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncodeKey returns the wire form of a public key.
func EncodeKey(k [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses the wire form of a public key.
func DecodeKey(s string) ([KeySize]byte, error) {
	var k [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		return k, ErrInvalidPeerKey
	}
	copy(k[:], raw)
	return k, nil
}
