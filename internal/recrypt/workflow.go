// Package recrypt implements the asynchronous, trust-driven key
// distribution workflows: backfilling session keys when a trust edge is
// confirmed, deleting them when it is removed, and re-encrypting DEK copies
// when a key pair rotates. Every workflow is idempotent and safe to re-run
// after partial failure; plaintext DEKs exist only in process memory between
// a Decrypt and the matching Encrypt.
package recrypt

import (
	"context"
	"fmt"
	"time"

	"hushfeed.org/internal/keyring"
	"hushfeed.org/internal/obs"
	"hushfeed.org/internal/session"
	"hushfeed.org/internal/trust"
)

const defaultBatchSize = 100

// Store is the storage surface the workflows need. The session store
// satisfies it.
type Store interface {
	AuthorSessions(ctx context.Context, authorDid string, onlyCurrent bool, since time.Time) ([]session.Session, error)
	AuthorKeysBySession(ctx context.Context, authorDid string, sessionIDs []string) (map[string]session.SessionKey, error)
	RecipientKeySessionIDs(ctx context.Context, recipientDid string, sessionIDs []string) (map[string]struct{}, error)
	InsertSessionKeys(ctx context.Context, keys []session.SessionKey) (int64, error)
	DeleteSessionKeys(ctx context.Context, authorDid, recipientDid string) (int64, error)
	RevokeActiveSessions(ctx context.Context, authorDid string, now time.Time) (int64, error)
	SessionKeysByKeyPair(ctx context.Context, keyPairID string, limit int) ([]session.SessionKey, error)
	UpdateSessionKeys(ctx context.Context, keys []session.SessionKey) error
}

// Crypto is the opaque encryption capability. keyring.Box is the production
// implementation.
type Crypto interface {
	Encrypt(publicKey, plaintext []byte) ([]byte, error)
	Decrypt(privateKey, ciphertext []byte) ([]byte, error)
}

// Outcome describes a completed workflow run. A non-empty AbortReason marks
// an expected trust-state race: the run made no changes and must not be
// retried. Rows counts key rows inserted, deleted or re-encrypted.
type Outcome struct {
	AbortReason string
	Rows        int64
}

// Aborted reports whether the run backed out of a trust-state race.
func (o Outcome) Aborted() bool { return o.AbortReason != "" }

// Workflows bundles the collaborators the jobs need. External calls (trust
// graph, key registry) always happen before the storage write, never
// interleaved with it.
type Workflows struct {
	store    Store
	graph    trust.Graph
	registry keyring.Registry
	crypto   Crypto
	now      func() time.Time
	batch    int
}

// Option configures Workflows.
type Option func(*Workflows)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(w *Workflows) {
		if fn != nil {
			w.now = fn
		}
	}
}

// WithBatchSize overrides the rotation batch size.
func WithBatchSize(n int) Option {
	return func(w *Workflows) {
		if n > 0 {
			w.batch = n
		}
	}
}

// New constructs the workflow set.
func New(store Store, graph trust.Graph, registry keyring.Registry, crypto Crypto, opts ...Option) *Workflows {
	w := &Workflows{
		store:    store,
		graph:    graph,
		registry: registry,
		crypto:   crypto,
		now:      time.Now,
		batch:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddRecipient backfills session keys for a recipient whose trust edge was
// just (re)confirmed. Idempotent: sessions where the recipient already holds
// a key are subtracted before any re-encryption happens.
func (w *Workflows) AddRecipient(ctx context.Context, authorDid, recipientDid string, scope Scope) (Outcome, error) {
	trusted, err := trust.IsTrusted(ctx, w.graph, authorDid, recipientDid)
	if err != nil {
		return Outcome{}, fmt.Errorf("check trust edge: %w", err)
	}
	if !trusted {
		// Expected race: the edge was removed between the event and now.
		return Outcome{AbortReason: "no longer trusted"}, nil
	}

	now := w.now().UTC()
	sessions, err := w.store.AuthorSessions(ctx, authorDid, scope.CurrentOnlyScope(), scope.Since(now))
	if err != nil {
		return Outcome{}, err
	}
	if len(sessions) == 0 {
		return Outcome{}, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	authorKeys, err := w.store.AuthorKeysBySession(ctx, authorDid, ids)
	if err != nil {
		return Outcome{}, err
	}
	existing, err := w.store.RecipientKeySessionIDs(ctx, recipientDid, ids)
	if err != nil {
		return Outcome{}, err
	}

	// Sessions without the author's own key row are a data inconsistency:
	// log and continue with the rest.
	var eligible []session.SessionKey
	for _, s := range sessions {
		if _, done := existing[s.ID]; done {
			continue
		}
		ak, ok := authorKeys[s.ID]
		if !ok {
			obs.LogEvent("warn", "session has no author key row, skipping backfill", map[string]any{
				"session": s.ID, "author": authorDid,
			})
			continue
		}
		eligible = append(eligible, ak)
	}
	if len(eligible) == 0 {
		return Outcome{}, nil
	}

	keyPairIDs := make([]string, 0, len(eligible))
	seen := make(map[string]struct{}, len(eligible))
	for _, ak := range eligible {
		if _, dup := seen[ak.UserKeyPairID]; dup {
			continue
		}
		seen[ak.UserKeyPairID] = struct{}{}
		keyPairIDs = append(keyPairIDs, ak.UserKeyPairID)
	}
	privs, err := w.registry.GetPrivateKeys(ctx, keyPairIDs, authorDid)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch author private keys: %w", err)
	}
	privByID := make(map[string][]byte, len(privs))
	for _, p := range privs {
		privByID[p.UserKeyPairID] = p.PrivateKey
	}
	// Provisions a pair for the recipient if they have none yet.
	pub, err := w.registry.GetPublicKey(ctx, recipientDid)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch recipient public key: %w", err)
	}

	newRows := make([]session.SessionKey, 0, len(eligible))
	for _, ak := range eligible {
		priv, ok := privByID[ak.UserKeyPairID]
		if !ok {
			obs.LogEvent("warn", "author private key not found, skipping session", map[string]any{
				"session": ak.SessionID, "keyPair": ak.UserKeyPairID,
			})
			continue
		}
		plainDek, err := w.crypto.Decrypt(priv, ak.EncryptedDek)
		if err != nil {
			obs.LogEvent("warn", "author dek failed to decrypt, skipping session", map[string]any{
				"session": ak.SessionID, "keyPair": ak.UserKeyPairID, "err": err.Error(),
			})
			continue
		}
		reEncrypted, err := w.crypto.Encrypt(pub.PublicKey, plainDek)
		if err != nil {
			return Outcome{}, fmt.Errorf("re-encrypt dek for %s: %w", ak.SessionID, err)
		}
		newRows = append(newRows, session.SessionKey{
			SessionID:     ak.SessionID,
			RecipientDid:  recipientDid,
			UserKeyPairID: pub.UserKeyPairID,
			EncryptedDek:  reEncrypted,
			CreatedAt:     now,
		})
	}
	if len(newRows) == 0 {
		return Outcome{}, nil
	}

	inserted, err := w.store.InsertSessionKeys(ctx, newRows)
	if err != nil {
		return Outcome{}, err
	}
	obs.SessionKeysRecrypted.WithLabelValues("add_recipient").Add(float64(inserted))
	return Outcome{Rows: inserted}, nil
}

// DeleteSessionKeys removes a recipient's keys across all of the author's
// sessions after a trust edge was removed. Revocation is retroactive across
// history, unlike grant backfill's optional scoping.
func (w *Workflows) DeleteSessionKeys(ctx context.Context, authorDid, recipientDid string) (Outcome, error) {
	trusted, err := trust.IsTrusted(ctx, w.graph, authorDid, recipientDid)
	if err != nil {
		return Outcome{}, fmt.Errorf("check trust edge: %w", err)
	}
	if trusted {
		// The edge was re-established between the event and now.
		return Outcome{AbortReason: "re-trusted"}, nil
	}

	deleted, err := w.store.DeleteSessionKeys(ctx, authorDid, recipientDid)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Rows: deleted}, nil
}

// RevokeSession marks all of the author's active sessions revoked, and when
// recipientDid is non-empty also deletes that recipient's keys in the same
// run. Used when a trust revocation must rotate the active session out.
func (w *Workflows) RevokeSession(ctx context.Context, authorDid, recipientDid string) (Outcome, error) {
	revoked, err := w.store.RevokeActiveSessions(ctx, authorDid, w.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	rows := revoked
	if recipientDid != "" {
		deleted, err := w.store.DeleteSessionKeys(ctx, authorDid, recipientDid)
		if err != nil {
			return Outcome{}, err
		}
		rows += deleted
	}
	return Outcome{Rows: rows}, nil
}

// RotateSessionKeys re-encrypts every key row still referencing the old key
// pair, in batches, until the selection comes back empty. Progress is the
// selection itself: a crash mid-run leaves rows unmigrated and a re-run
// picks up exactly the remaining work, so no checkpoint state exists.
// Rotation is a key-hygiene operation and deliberately does not consult the
// trust graph: every existing recipient row is re-encrypted.
func (w *Workflows) RotateSessionKeys(ctx context.Context, prevKeyPairID, newKeyPairID string, prevPrivateKey, newPublicKey []byte) (Outcome, error) {
	var total int64
	// Rows whose ciphertext cannot be opened keep referencing the old key
	// pair and would be re-selected forever; remember and fence them off.
	skipped := make(map[string]struct{})

	for {
		// Widen the selection by the fenced-off rows so they cannot crowd
		// migratable rows out of the batch.
		batch, err := w.store.SessionKeysByKeyPair(ctx, prevKeyPairID, w.batch+len(skipped))
		if err != nil {
			return Outcome{}, err
		}

		updates := make([]session.SessionKey, 0, len(batch))
		for _, row := range batch {
			rowKey := row.SessionID + "\x00" + row.RecipientDid
			if _, bad := skipped[rowKey]; bad {
				continue
			}
			plainDek, err := w.crypto.Decrypt(prevPrivateKey, row.EncryptedDek)
			if err != nil {
				obs.LogEvent("warn", "session key failed to decrypt during rotation, leaving row", map[string]any{
					"session": row.SessionID, "recipient": row.RecipientDid, "err": err.Error(),
				})
				skipped[rowKey] = struct{}{}
				continue
			}
			reEncrypted, err := w.crypto.Encrypt(newPublicKey, plainDek)
			if err != nil {
				return Outcome{}, fmt.Errorf("re-encrypt dek for %s: %w", row.SessionID, err)
			}
			updates = append(updates, session.SessionKey{
				SessionID:     row.SessionID,
				RecipientDid:  row.RecipientDid,
				UserKeyPairID: newKeyPairID,
				EncryptedDek:  reEncrypted,
			})
		}
		if len(updates) == 0 {
			if len(batch) == 0 || len(batch) <= len(skipped) {
				break
			}
			continue
		}
		if err := w.store.UpdateSessionKeys(ctx, updates); err != nil {
			return Outcome{}, err
		}
		total += int64(len(updates))
		obs.SessionKeysRecrypted.WithLabelValues("rotate").Add(float64(len(updates)))
	}
	if len(skipped) > 0 {
		obs.LogEvent("warn", "rotation finished with undecryptable rows left behind", map[string]any{
			"keyPair": prevKeyPairID, "rows": len(skipped),
		})
	}
	return Outcome{Rows: total}, nil
}
