// Package keyring consumes the external key-pair registry and provides the
// sealed-box crypto capability used to re-wrap session DEKs.
package keyring

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport failures talking to the registry.
var ErrUnavailable = errors.New("keyring: service unavailable")

// ErrKeyNotFound marks a private key the registry could not locate. The
// recryption workflows treat this as a per-unit data anomaly, not a job
// failure.
var ErrKeyNotFound = errors.New("keyring: key pair not found")

// PublicKey identifies a user's current public key.
type PublicKey struct {
	UserKeyPairID string `json:"userKeyPairId"`
	PublicKey     []byte `json:"publicKey"`
}

// PrivateKey is one decryption key fetched for a recryption run.
type PrivateKey struct {
	UserKeyPairID string `json:"userKeyPairId"`
	PrivateKey    []byte `json:"privateKey"`
}

// KeyPair is a full asymmetric pair as stored by the registry. Rotation
// inserts a new row and soft-deletes the prior one.
type KeyPair struct {
	ID         string     `json:"id"`
	OwnerDid   string     `json:"ownerDid"`
	PublicKey  []byte     `json:"publicKey"`
	PrivateKey []byte     `json:"privateKey"`
	CreatedAt  time.Time  `json:"createdAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Registry is the key-pair registry collaborator. GetPublicKey provisions a
// pair if the DID has none yet.
type Registry interface {
	GetPublicKey(ctx context.Context, did string) (PublicKey, error)
	GetPrivateKeys(ctx context.Context, ids []string, ownerDid string) ([]PrivateKey, error)
}
