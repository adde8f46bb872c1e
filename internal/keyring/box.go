package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of curve25519 public and private keys.
const KeySize = 32

var errBadKeyLength = errors.New("keyring: key must be 32 bytes")

// Box implements the opaque Encrypt/Decrypt capability as NaCl anonymous
// sealed boxes: DEKs are encrypted to a recipient's curve25519 public key
// with an ephemeral sender key, so only the private key holder can open
// them. No sender authentication is intended.
type Box struct{}

// GenerateKeyPair creates a fresh curve25519 pair. Local development and
// tests use this; production pairs come from the registry.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// Encrypt seals plaintext to the public key.
func (Box) Encrypt(publicKey, plaintext []byte) ([]byte, error) {
	if len(publicKey) != KeySize {
		return nil, errBadKeyLength
	}
	var pub [KeySize]byte
	copy(pub[:], publicKey)
	out, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: seal: %w", err)
	}
	return out, nil
}

// Decrypt opens a sealed box with the private key. The matching public key
// is derived from the private scalar.
func (Box) Decrypt(privateKey, ciphertext []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, errBadKeyLength
	}
	pubBytes, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("keyring: derive public key: %w", err)
	}
	var pub, priv [KeySize]byte
	copy(pub[:], pubBytes)
	copy(priv[:], privateKey)
	out, ok := box.OpenAnonymous(nil, ciphertext, &pub, &priv)
	if !ok {
		return nil, errors.New("keyring: open sealed box failed")
	}
	return out, nil
}
