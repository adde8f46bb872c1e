package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hushfeed.org/internal/actor"
	"hushfeed.org/internal/ids"
	"hushfeed.org/internal/obs"
	"hushfeed.org/internal/policy"
)

const (
	// DefaultExpirationHours is the session lifetime when the caller does
	// not supply one (7 days).
	DefaultExpirationHours = 168

	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Service is the session lifecycle manager: the only request-path component
// that mutates Session and SessionKey rows.
type Service struct {
	store Store
	rules policy.Rulesets
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the lifecycle manager.
func NewService(store Store, rules policy.Rulesets, opts ...Option) *Service {
	s := &Service{store: store, rules: rules, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession revokes the author's previous active session and creates a
// new one with one key row per unique recipient. The author must appear in
// the recipient list: a session whose author holds no key row could never be
// decrypted by its own creator.
func (s *Service) CreateSession(ctx context.Context, authorDid string, recipients []RecipientKey, expirationHours int) (string, error) {
	authorDid = strings.TrimSpace(authorDid)
	if authorDid == "" {
		return "", fmt.Errorf("%w: author did is required", ErrValidation)
	}
	if expirationHours <= 0 {
		expirationHours = DefaultExpirationHours
	}

	// First occurrence wins on duplicate recipients.
	seen := make(map[string]struct{}, len(recipients))
	unique := make([]RecipientKey, 0, len(recipients))
	authorIncluded := false
	for _, r := range recipients {
		if r.RecipientDid == "" {
			return "", fmt.Errorf("%w: recipient did is required", ErrValidation)
		}
		if len(r.EncryptedDek) == 0 || r.UserKeyPairID == "" {
			return "", fmt.Errorf("%w: recipient %s is missing an encrypted key", ErrValidation, r.RecipientDid)
		}
		if _, dup := seen[r.RecipientDid]; dup {
			continue
		}
		seen[r.RecipientDid] = struct{}{}
		unique = append(unique, r)
		if r.RecipientDid == authorDid {
			authorIncluded = true
		}
	}
	if !authorIncluded {
		return "", fmt.Errorf("%w: author must be included in the recipient list", ErrValidation)
	}

	now := s.now().UTC()
	sess := Session{
		ID:        ids.New(),
		AuthorDid: authorDid,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(expirationHours) * time.Hour),
	}
	keys := make([]SessionKey, 0, len(unique))
	for _, r := range unique {
		keys = append(keys, SessionKey{
			SessionID:     sess.ID,
			RecipientDid:  r.RecipientDid,
			UserKeyPairID: r.UserKeyPairID,
			EncryptedDek:  r.EncryptedDek,
			CreatedAt:     now,
		})
	}
	if err := s.store.CreateSession(ctx, sess, keys); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// RevokeSession marks all of the author's active sessions revoked.
// Idempotent: revoking again is a no-op and the original timestamp stands.
func (s *Service) RevokeSession(ctx context.Context, authorDid string) error {
	authorDid = strings.TrimSpace(authorDid)
	if authorDid == "" {
		return fmt.Errorf("%w: author did is required", ErrValidation)
	}
	_, err := s.store.RevokeActiveSessions(ctx, authorDid, s.now().UTC())
	return err
}

// GetSession returns the caller's own key row for their current active
// session.
func (s *Service) GetSession(ctx context.Context, authorDid string) (SessionKey, error) {
	authorDid = strings.TrimSpace(authorDid)
	if authorDid == "" {
		return SessionKey{}, fmt.Errorf("%w: author did is required", ErrValidation)
	}
	return s.store.ActiveSessionKey(ctx, authorDid, authorDid, s.now().UTC())
}

// AddRecipient synchronously attaches one pre-encrypted key to the author's
// current active session. This is the client-driven sharing path; trust
// propagation backfill runs asynchronously in the recryption workflows.
func (s *Service) AddRecipient(ctx context.Context, authorDid, recipientDid string, encryptedDek []byte, userKeyPairID string) error {
	authorDid = strings.TrimSpace(authorDid)
	recipientDid = strings.TrimSpace(recipientDid)
	if authorDid == "" || recipientDid == "" {
		return fmt.Errorf("%w: author and recipient dids are required", ErrValidation)
	}
	if len(encryptedDek) == 0 || userKeyPairID == "" {
		return fmt.Errorf("%w: encrypted dek and key pair id are required", ErrValidation)
	}

	now := s.now().UTC()
	sess, err := s.store.ActiveSession(ctx, authorDid, now)
	if err != nil {
		return err
	}
	_, err = s.store.InsertSessionKeys(ctx, []SessionKey{{
		SessionID:     sess.ID,
		RecipientDid:  recipientDid,
		UserKeyPairID: userKeyPairID,
		EncryptedDek:  encryptedDek,
		CreatedAt:     now,
	}})
	return err
}

// CreatePost stores an encrypted content row under the author's current
// active session.
func (s *Service) CreatePost(ctx context.Context, authorDid, replyRef string, ciphertext []byte) (Post, error) {
	authorDid = strings.TrimSpace(authorDid)
	if authorDid == "" {
		return Post{}, fmt.Errorf("%w: author did is required", ErrValidation)
	}
	if len(ciphertext) == 0 {
		return Post{}, fmt.Errorf("%w: ciphertext is required", ErrValidation)
	}
	now := s.now().UTC()
	sess, err := s.store.ActiveSession(ctx, authorDid, now)
	if err != nil {
		return Post{}, err
	}
	p := Post{
		ID:         ids.New(),
		SessionID:  sess.ID,
		AuthorDid:  authorDid,
		ReplyRef:   replyRef,
		Ciphertext: ciphertext,
		CreatedAt:  now,
	}
	if err := s.store.CreatePost(ctx, p); err != nil {
		return Post{}, err
	}
	return p, nil
}

// ListPostsQuery is the caller-facing filter for the gated read path.
type ListPostsQuery struct {
	AuthorDids []string
	ReplyRef   string
	Limit      int
	Cursor     string
}

// ListPostsResult is one page of gated posts plus the key rows the caller
// needs to decrypt them locally.
type ListPostsResult struct {
	Posts       []Post
	SessionKeys []SessionKey
	Cursor      string
}

// ListPosts returns posts the acting user can decrypt: the storage query
// restricts to sessions where the caller holds a key, and every returned
// post and key row must additionally pass the policy list check. The two
// gates are independent; a row either passes both or is not surfaced.
func (s *Service) ListPosts(ctx context.Context, a actor.Actor, q ListPostsQuery) (ListPostsResult, error) {
	if a.Type != actor.TypeUser || a.DID == "" {
		return ListPostsResult{}, fmt.Errorf("%w: a user actor is required", ErrValidation)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	pq := PostQuery{AuthorDids: q.AuthorDids, ReplyRef: q.ReplyRef, Limit: limit}
	if q.Cursor != "" {
		micros, postID, err := DecodeCursor(q.Cursor)
		if err != nil {
			return ListPostsResult{}, err
		}
		pq.AfterCreatedAtMicros = micros
		pq.AfterPostID = postID
	}

	posts, keys, err := s.store.ListPosts(ctx, a.DID, pq)
	if err != nil {
		return ListPostsResult{}, err
	}

	keysBySession := make(map[string][]SessionKey, len(keys))
	for _, k := range keys {
		keysBySession[k.SessionID] = append(keysBySession[k.SessionID], k)
	}

	out := ListPostsResult{}
	surfacedSessions := make(map[string]struct{})
	for _, p := range posts {
		rec := postRecord(p, keysBySession[p.SessionID])
		if err := s.rules.Authorize(a, policy.ActionListPrivate, policy.SubjectPost, rec); err != nil {
			if err := dropDenied(err, "post", p.ID, a.DID); err != nil {
				return ListPostsResult{}, err
			}
			continue
		}
		out.Posts = append(out.Posts, p)
		surfacedSessions[p.SessionID] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := surfacedSessions[k.SessionID]; !ok {
			continue
		}
		if err := s.rules.Authorize(a, policy.ActionList, policy.SubjectSessionKey, keyRecord(k)); err != nil {
			if err := dropDenied(err, "session_key", k.SessionID, a.DID); err != nil {
				return ListPostsResult{}, err
			}
			continue
		}
		out.SessionKeys = append(out.SessionKeys, k)
	}

	// Cursor points at the last row of a full storage page; a short page
	// means the listing is exhausted.
	if len(posts) == limit {
		out.Cursor = EncodeCursor(posts[len(posts)-1])
	}
	return out, nil
}

// dropDenied swallows policy denials (the row is filtered, the query itself
// was authorized) but propagates internal engine faults.
func dropDenied(err error, kind, id, did string) error {
	if policy.IsDenial(err) {
		obs.LogEvent("warn", "gated read filtered a row the query surfaced", map[string]any{
			"kind": kind, "id": id, "recipient": did,
		})
		return nil
	}
	return err
}

func postRecord(p Post, keys []SessionKey) policy.Record {
	keyRecs := make([]any, 0, len(keys))
	for _, k := range keys {
		keyRecs = append(keyRecs, map[string]any{"recipientDid": k.RecipientDid})
	}
	return policy.Record{
		"authorDid":   p.AuthorDid,
		"sessionId":   p.SessionID,
		"sessionKeys": keyRecs,
	}
}

func keyRecord(k SessionKey) policy.Record {
	return policy.Record{
		"sessionId":    k.SessionID,
		"recipientDid": k.RecipientDid,
	}
}
