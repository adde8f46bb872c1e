package session

import (
	"context"
	"time"
)

// PostQuery is the storage-level filter for the gated read path. Cursor
// fields are zero for the first page.
type PostQuery struct {
	AuthorDids           []string
	ReplyRef             string
	Limit                int
	AfterCreatedAtMicros int64
	AfterPostID          string
}

// Store is the single write path for Session, SessionKey and Post rows.
// No other component mutates these tables.
type Store interface {
	// CreateSession atomically revokes the author's currently-active session
	// (if any) and inserts the new session plus its key rows. Concurrent
	// calls for one author serialize; the loser sees the winner's session as
	// "previous" and revokes it.
	CreateSession(ctx context.Context, s Session, keys []SessionKey) error

	// RevokeActiveSessions marks every active, unexpired session of the
	// author revoked. Already-revoked sessions keep their original
	// revocation timestamp. Returns the number of sessions revoked.
	RevokeActiveSessions(ctx context.Context, authorDid string, now time.Time) (int64, error)

	// ActiveSession returns the author's current active session.
	ActiveSession(ctx context.Context, authorDid string, now time.Time) (Session, error)

	// ActiveSessionKey returns the recipient's key row for the author's
	// current active session.
	ActiveSessionKey(ctx context.Context, authorDid, recipientDid string, now time.Time) (SessionKey, error)

	// InsertSessionKeys bulk-inserts key rows, silently skipping rows whose
	// (sessionId, recipientDid) already exists. Returns rows inserted.
	InsertSessionKeys(ctx context.Context, keys []SessionKey) (int64, error)

	// AuthorSessions lists the author's sessions eligible for backfill:
	// only the most recent when onlyCurrent is set, otherwise all sessions
	// created at or after since (zero since means no lower bound).
	AuthorSessions(ctx context.Context, authorDid string, onlyCurrent bool, since time.Time) ([]Session, error)

	// AuthorKeysBySession returns the author's own key row per session id,
	// for the sessions among sessionIDs that have one.
	AuthorKeysBySession(ctx context.Context, authorDid string, sessionIDs []string) (map[string]SessionKey, error)

	// RecipientKeySessionIDs returns the subset of sessionIDs in which the
	// recipient already holds a key row.
	RecipientKeySessionIDs(ctx context.Context, recipientDid string, sessionIDs []string) (map[string]struct{}, error)

	// DeleteSessionKeys removes the recipient's key rows across all of the
	// author's sessions, historical included. Returns rows deleted.
	DeleteSessionKeys(ctx context.Context, authorDid, recipientDid string) (int64, error)

	// SessionKeysByKeyPair returns up to limit key rows still encrypted
	// under the given key pair, in stable (sessionId, recipientDid) order.
	SessionKeysByKeyPair(ctx context.Context, keyPairID string, limit int) ([]SessionKey, error)

	// UpdateSessionKeys rewrites UserKeyPairID and EncryptedDek in place,
	// each row keyed by (SessionID, RecipientDid).
	UpdateSessionKeys(ctx context.Context, keys []SessionKey) error

	// CreatePost inserts an encrypted content row.
	CreatePost(ctx context.Context, p Post) error

	// ListPosts returns posts belonging to sessions where the recipient
	// holds a key, newest first with id ascending as tiebreak, plus the
	// recipient's key row for each distinct session in the page.
	ListPosts(ctx context.Context, recipientDid string, q PostQuery) ([]Post, []SessionKey, error)
}
