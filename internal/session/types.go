package session

import (
	"errors"
	"time"
)

// Session is the unit of DEK validity for one author's private content over
// a time window. At most one session per author is active at any instant;
// revoked sessions are kept forever so historical content stays decryptable.
type Session struct {
	ID        string     `json:"id"`
	AuthorDid string     `json:"authorDid"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the session is unrevoked and unexpired at t.
func (s Session) Active(t time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(t)
}

// SessionKey is one recipient's asymmetrically-encrypted copy of a session's
// DEK, unique on (SessionID, RecipientDid). UserKeyPairID identifies which
// of the recipient's key pairs encrypted the DEK.
type SessionKey struct {
	SessionID     string    `json:"sessionId"`
	RecipientDid  string    `json:"recipientDid"`
	UserKeyPairID string    `json:"userKeyPairId"`
	EncryptedDek  []byte    `json:"encryptedDek"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RecipientKey is the client-supplied input for one recipient at session
// creation: the DEK pre-encrypted under that recipient's public key. The
// server never sees the plaintext DEK here.
type RecipientKey struct {
	RecipientDid  string `json:"recipientDid"`
	UserKeyPairID string `json:"userKeyPairId"`
	EncryptedDek  []byte `json:"encryptedDek"`
}

// Post is an encrypted content row belonging to a session. The ciphertext
// is opaque to the server; recipients decrypt locally with the session DEK.
type Post struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	AuthorDid  string    `json:"authorDid"`
	ReplyRef   string    `json:"replyRef,omitempty"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

var (
	ErrNotFound   = errors.New("session: not found")
	ErrValidation = errors.New("session: invalid input")
	ErrConflict   = errors.New("session: conflict")
)
