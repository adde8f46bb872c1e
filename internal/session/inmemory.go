package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and local development; production runs the Postgres store.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	keys     map[string]map[string]*SessionKey // sessionID -> recipientDid -> key
	posts    []Post
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]*Session),
		keys:     make(map[string]map[string]*SessionKey),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateSession(ctx context.Context, sess Session, keys []SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Revoke-then-create under one lock, mirroring the author-locked tx of
	// the Postgres store. Expired-but-unrevoked sessions are revoked too,
	// keeping at most one row with a null RevokedAt per author.
	now := sess.CreatedAt
	for _, existing := range s.sessions {
		if existing.AuthorDid == sess.AuthorDid && existing.RevokedAt == nil {
			t := now
			existing.RevokedAt = &t
		}
	}

	cp := sess
	s.sessions[sess.ID] = &cp
	for _, k := range keys {
		kc := k
		if s.keys[k.SessionID] == nil {
			s.keys[k.SessionID] = make(map[string]*SessionKey)
		}
		s.keys[k.SessionID][k.RecipientDid] = &kc
	}
	return nil
}

func (s *InMemory) RevokeActiveSessions(ctx context.Context, authorDid string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.sessions {
		if sess.AuthorDid == authorDid && sess.Active(now) {
			t := now
			sess.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *InMemory) ActiveSession(ctx context.Context, authorDid string, now time.Time) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.AuthorDid == authorDid && sess.Active(now) {
			return *sess, nil
		}
	}
	return Session{}, ErrNotFound
}

func (s *InMemory) ActiveSessionKey(ctx context.Context, authorDid, recipientDid string, now time.Time) (SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.AuthorDid != authorDid || !sess.Active(now) {
			continue
		}
		if k, ok := s.keys[sess.ID][recipientDid]; ok {
			return *k, nil
		}
	}
	return SessionKey{}, ErrNotFound
}

func (s *InMemory) InsertSessionKeys(ctx context.Context, keys []SessionKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if s.keys[k.SessionID] == nil {
			s.keys[k.SessionID] = make(map[string]*SessionKey)
		}
		if _, exists := s.keys[k.SessionID][k.RecipientDid]; exists {
			continue
		}
		kc := k
		s.keys[k.SessionID][k.RecipientDid] = &kc
		n++
	}
	return n, nil
}

func (s *InMemory) AuthorSessions(ctx context.Context, authorDid string, onlyCurrent bool, since time.Time) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.AuthorDid != authorDid {
			continue
		}
		if !since.IsZero() && sess.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if onlyCurrent && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (s *InMemory) AuthorKeysBySession(ctx context.Context, authorDid string, sessionIDs []string) (map[string]SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]SessionKey)
	for _, id := range sessionIDs {
		if k, ok := s.keys[id][authorDid]; ok {
			out[id] = *k
		}
	}
	return out, nil
}

func (s *InMemory) RecipientKeySessionIDs(ctx context.Context, recipientDid string, sessionIDs []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{})
	for _, id := range sessionIDs {
		if _, ok := s.keys[id][recipientDid]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *InMemory) DeleteSessionKeys(ctx context.Context, authorDid, recipientDid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if sess.AuthorDid != authorDid {
			continue
		}
		if _, ok := s.keys[id][recipientDid]; ok {
			delete(s.keys[id], recipientDid)
			n++
		}
	}
	return n, nil
}

func (s *InMemory) SessionKeysByKeyPair(ctx context.Context, keyPairID string, limit int) ([]SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SessionKey
	for _, byRecipient := range s.keys {
		for _, k := range byRecipient {
			if k.UserKeyPairID == keyPairID {
				out = append(out, *k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID == out[j].SessionID {
			return out[i].RecipientDid < out[j].RecipientDid
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) UpdateSessionKeys(ctx context.Context, keys []SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		existing, ok := s.keys[k.SessionID][k.RecipientDid]
		if !ok {
			continue
		}
		existing.UserKeyPairID = k.UserKeyPairID
		existing.EncryptedDek = k.EncryptedDek
	}
	return nil
}

func (s *InMemory) CreatePost(ctx context.Context, p Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// timestamptz keeps microseconds; stored rows match the cursor precision.
	p.CreatedAt = p.CreatedAt.Truncate(time.Microsecond)
	s.posts = append(s.posts, p)
	return nil
}

func (s *InMemory) ListPosts(ctx context.Context, recipientDid string, q PostQuery) ([]Post, []SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authors := make(map[string]struct{}, len(q.AuthorDids))
	for _, did := range q.AuthorDids {
		authors[did] = struct{}{}
	}

	var matched []Post
	for _, p := range s.posts {
		if _, ok := s.keys[p.SessionID][recipientDid]; !ok {
			continue
		}
		if len(authors) > 0 {
			if _, ok := authors[p.AuthorDid]; !ok {
				continue
			}
		}
		if q.ReplyRef != "" && p.ReplyRef != q.ReplyRef {
			continue
		}
		matched = append(matched, p)
	}

	// createdAt desc, id asc: deterministic under same-timestamp ties.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	var page []Post
	for _, p := range matched {
		if q.AfterPostID != "" {
			c := p.CreatedAt.UnixMicro()
			if c > q.AfterCreatedAtMicros {
				continue
			}
			if c == q.AfterCreatedAtMicros && p.ID <= q.AfterPostID {
				continue
			}
		}
		page = append(page, p)
		if q.Limit > 0 && len(page) >= q.Limit {
			break
		}
	}

	seen := make(map[string]struct{})
	var keys []SessionKey
	for _, p := range page {
		if _, ok := seen[p.SessionID]; ok {
			continue
		}
		seen[p.SessionID] = struct{}{}
		if k, ok := s.keys[p.SessionID][recipientDid]; ok {
			keys = append(keys, *k)
		}
	}
	return page, keys, nil
}
