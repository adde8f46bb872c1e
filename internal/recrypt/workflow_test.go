package recrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hushfeed.org/internal/ids"
	"hushfeed.org/internal/keyring"
	"hushfeed.org/internal/session"
	"hushfeed.org/internal/trust"
)

type fakeGraph struct {
	mu    sync.Mutex
	edges map[string]bool // author+"\x00"+recipient
	err   error
}

func newFakeGraph() *fakeGraph { return &fakeGraph{edges: make(map[string]bool)} }

func (g *fakeGraph) set(author, recipient string, trusted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[author+"\x00"+recipient] = trusted
}

func (g *fakeGraph) GetTrusted(ctx context.Context, author, recipient string) ([]trust.Relation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if g.edges[author+"\x00"+recipient] {
		return []trust.Relation{{Did: recipient}}, nil
	}
	return nil, nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	current map[string]keyring.KeyPair // did -> active pair
	byID    map[string]keyring.KeyPair
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{current: make(map[string]keyring.KeyPair), byID: make(map[string]keyring.KeyPair)}
}

func (r *fakeRegistry) provision(t *testing.T, did string) keyring.KeyPair {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if kp, ok := r.current[did]; ok {
		return kp
	}
	pub, priv, err := keyring.GenerateKeyPair()
	require.NoError(t, err)
	kp := keyring.KeyPair{ID: ids.New(), OwnerDid: did, PublicKey: pub, PrivateKey: priv, CreatedAt: time.Now()}
	r.current[did] = kp
	r.byID[kp.ID] = kp
	return kp
}

func (r *fakeRegistry) GetPublicKey(ctx context.Context, did string) (keyring.PublicKey, error) {
	r.mu.Lock()
	kp, ok := r.current[did]
	r.mu.Unlock()
	if !ok {
		// Provision on miss, like the real registry.
		pub, priv, err := keyring.GenerateKeyPair()
		if err != nil {
			return keyring.PublicKey{}, err
		}
		kp = keyring.KeyPair{ID: ids.New(), OwnerDid: did, PublicKey: pub, PrivateKey: priv}
		r.mu.Lock()
		r.current[did] = kp
		r.byID[kp.ID] = kp
		r.mu.Unlock()
	}
	return keyring.PublicKey{UserKeyPairID: kp.ID, PublicKey: kp.PublicKey}, nil
}

func (r *fakeRegistry) GetPrivateKeys(ctx context.Context, keyIDs []string, ownerDid string) ([]keyring.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []keyring.PrivateKey
	for _, id := range keyIDs {
		kp, ok := r.byID[id]
		if !ok || kp.OwnerDid != ownerDid {
			continue
		}
		out = append(out, keyring.PrivateKey{UserKeyPairID: kp.ID, PrivateKey: kp.PrivateKey})
	}
	return out, nil
}

// seedSession creates a session with the author's own key row (and any extra
// recipients), encrypting a fresh DEK under each recipient's registry pair.
func seedSession(t *testing.T, store *session.InMemory, reg *fakeRegistry, author string, createdAt time.Time, dek []byte, recipients ...string) session.Session {
	t.Helper()
	sess := session.Session{
		ID:        ids.New(),
		AuthorDid: author,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(168 * time.Hour),
	}
	all := append([]string{author}, recipients...)
	keys := make([]session.SessionKey, 0, len(all))
	for _, did := range all {
		kp := reg.provision(t, did)
		ct, err := (keyring.Box{}).Encrypt(kp.PublicKey, dek)
		require.NoError(t, err)
		keys = append(keys, session.SessionKey{
			SessionID:     sess.ID,
			RecipientDid:  did,
			UserKeyPairID: kp.ID,
			EncryptedDek:  ct,
			CreatedAt:     createdAt,
		})
	}
	require.NoError(t, store.CreateSession(context.Background(), sess, keys))
	return sess
}

func testWorkflows(store Store, g trust.Graph, reg keyring.Registry, opts ...Option) *Workflows {
	return New(store, g, reg, keyring.Box{}, opts...)
}

func TestAddRecipientBackfillsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	dek := []byte("dek-dek-dek-dek-dek-dek-dek-dek!")
	s1 := seedSession(t, store, reg, "did:plc:alice", now.Add(-48*time.Hour), dek)
	s2 := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), dek)
	graph.set("did:plc:alice", "did:plc:bob", true)

	w := testWorkflows(store, graph, reg)

	out, err := w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", LookbackWindow(30*24*time.Hour))
	require.NoError(t, err)
	require.False(t, out.Aborted())
	require.EqualValues(t, 2, out.Rows)

	// Re-run: already-covered sessions are subtracted, nothing is inserted.
	out, err = w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", LookbackWindow(30*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 0, out.Rows)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{s1.ID, s2.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// The backfilled DEK must decrypt to the original under bob's pair.
	bobKeys, err := store.AuthorKeysBySession(ctx, "did:plc:bob", []string{s1.ID})
	require.NoError(t, err)
	bobPair := reg.provision(t, "did:plc:bob")
	plain, err := (keyring.Box{}).Decrypt(bobPair.PrivateKey, bobKeys[s1.ID].EncryptedDek)
	require.NoError(t, err)
	require.Equal(t, dek, plain)
}

func TestAddRecipientAbortsWhenNoLongerTrusted(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()

	seedSession(t, store, reg, "did:plc:alice", time.Now().UTC(), []byte("dek"))

	w := testWorkflows(store, graph, reg)
	out, err := w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", CurrentOnly())
	require.NoError(t, err)
	require.True(t, out.Aborted())
	require.Equal(t, "no longer trusted", out.AbortReason)
}

func TestAddRecipientPropagatesGraphFailure(t *testing.T) {
	store := session.NewInMemory()
	graph := newFakeGraph()
	graph.err = fmt.Errorf("%w: connection refused", trust.ErrUnavailable)
	reg := newFakeRegistry()

	w := testWorkflows(store, graph, reg)
	_, err := w.AddRecipient(context.Background(), "did:plc:alice", "did:plc:bob", CurrentOnly())
	require.ErrorIs(t, err, trust.ErrUnavailable)
}

func TestAddRecipientScopeCurrentOnly(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	dek := []byte("dek")
	old := seedSession(t, store, reg, "did:plc:alice", now.Add(-72*time.Hour), dek)
	current := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), dek)
	graph.set("did:plc:alice", "did:plc:bob", true)

	w := testWorkflows(store, graph, reg)
	out, err := w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", CurrentOnly())
	require.NoError(t, err)
	require.EqualValues(t, 1, out.Rows)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{old.ID, current.ID})
	require.NoError(t, err)
	require.Contains(t, got, current.ID)
	require.NotContains(t, got, old.ID)
}

func TestAddRecipientScopeLookbackWindow(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	dek := []byte("dek")
	ancient := seedSession(t, store, reg, "did:plc:alice", now.Add(-90*24*time.Hour), dek)
	recent := seedSession(t, store, reg, "did:plc:alice", now.Add(-24*time.Hour), dek)
	graph.set("did:plc:alice", "did:plc:bob", true)

	w := testWorkflows(store, graph, reg)
	out, err := w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", LookbackWindow(30*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, out.Rows)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{ancient.ID, recent.ID})
	require.NoError(t, err)
	require.Contains(t, got, recent.ID)
	require.NotContains(t, got, ancient.ID)
}

func TestAddRecipientSkipsSessionsWithoutAuthorKey(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	healthy := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), []byte("dek"))

	// A session whose author key row is missing: data inconsistency.
	broken := session.Session{ID: ids.New(), AuthorDid: "did:plc:alice", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(166 * time.Hour)}
	require.NoError(t, store.CreateSession(ctx, broken, nil))
	graph.set("did:plc:alice", "did:plc:bob", true)

	w := testWorkflows(store, graph, reg)
	out, err := w.AddRecipient(ctx, "did:plc:alice", "did:plc:bob", LookbackWindow(30*24*time.Hour))
	require.NoError(t, err, "a broken session must not fail the whole job")
	require.EqualValues(t, 1, out.Rows)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{healthy.ID, broken.ID})
	require.NoError(t, err)
	require.Contains(t, got, healthy.ID)
	require.NotContains(t, got, broken.ID)
}

func TestDeleteSessionKeysIsRetroactive(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	dek := []byte("dek")
	s1 := seedSession(t, store, reg, "did:plc:alice", now.Add(-72*time.Hour), dek, "did:plc:bob")
	s2 := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), dek, "did:plc:bob")

	w := testWorkflows(store, graph, reg)
	out, err := w.DeleteSessionKeys(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)
	require.EqualValues(t, 2, out.Rows)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{s1.ID, s2.ID})
	require.NoError(t, err)
	require.Empty(t, got, "revocation must cover historical sessions")
}

func TestDeleteSessionKeysAbortsWhenReTrusted(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()

	s := seedSession(t, store, reg, "did:plc:alice", time.Now().UTC(), []byte("dek"), "did:plc:bob")
	graph.set("did:plc:alice", "did:plc:bob", true)

	w := testWorkflows(store, graph, reg)
	out, err := w.DeleteSessionKeys(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)
	require.True(t, out.Aborted())
	require.Equal(t, "re-trusted", out.AbortReason)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{s.ID})
	require.NoError(t, err)
	require.Len(t, got, 1, "an aborted run must make no changes")
}

func TestDeleteSessionKeysNeverTargetsAuthorRow(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()

	s := seedSession(t, store, reg, "did:plc:alice", time.Now().UTC(), []byte("dek"), "did:plc:bob")

	w := testWorkflows(store, graph, reg)
	_, err := w.DeleteSessionKeys(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)

	// The author's own row is keyed like any recipient's but the untrust
	// path is never invoked with recipient == author; it must survive.
	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:alice", []string{s.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRevokeSessionWithRecipientDeletesKeys(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	s := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), []byte("dek"), "did:plc:bob")

	w := testWorkflows(store, graph, reg)
	out, err := w.RevokeSession(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)
	require.EqualValues(t, 2, out.Rows) // one session revoked, one key deleted

	sessions, err := store.AuthorSessions(ctx, "did:plc:alice", false, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, sessions[0].RevokedAt)

	got, err := store.RecipientKeySessionIDs(ctx, "did:plc:bob", []string{s.ID})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUntrustScenarioEndToEnd(t *testing.T) {
	// Author A creates a session with [A, B]; B is untrusted; after
	// DeleteSessionKeys, B's gated reads return nothing.
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	s := seedSession(t, store, reg, "did:plc:alice", now.Add(-time.Hour), []byte("dek"), "did:plc:bob")
	require.NoError(t, store.CreatePost(ctx, session.Post{
		ID: ids.New(), SessionID: s.ID, AuthorDid: "did:plc:alice", Ciphertext: []byte("ct"), CreatedAt: now,
	}))

	posts, _, err := store.ListPosts(ctx, "did:plc:bob", session.PostQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	w := testWorkflows(store, graph, reg)
	_, err = w.DeleteSessionKeys(ctx, "did:plc:alice", "did:plc:bob")
	require.NoError(t, err)

	posts, keys, err := store.ListPosts(ctx, "did:plc:bob", session.PostQuery{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, posts)
	require.Empty(t, keys)
}

// failAfterFirstUpdate simulates a crash between rotation batches.
type failAfterFirstUpdate struct {
	Store
	updates int
}

func (f *failAfterFirstUpdate) UpdateSessionKeys(ctx context.Context, keys []session.SessionKey) error {
	if f.updates >= 1 {
		return errors.New("simulated crash")
	}
	f.updates++
	return f.Store.UpdateSessionKeys(ctx, keys)
}

func TestRotationMigratesAllRowsAndResumes(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	oldPub, oldPriv, err := keyring.GenerateKeyPair()
	require.NoError(t, err)
	newPub, newPriv, err := keyring.GenerateKeyPair()
	require.NoError(t, err)

	// 150 rows referencing the old pair, batch size 100.
	dek := []byte("dek-under-rotation-000000000000!")
	var rows []session.SessionKey
	for i := 0; i < 150; i++ {
		ct, err := (keyring.Box{}).Encrypt(oldPub, dek)
		require.NoError(t, err)
		rows = append(rows, session.SessionKey{
			SessionID:     ids.New(),
			RecipientDid:  "did:plc:alice",
			UserKeyPairID: "pair-old",
			EncryptedDek:  ct,
			CreatedAt:     now,
		})
	}
	n, err := store.InsertSessionKeys(ctx, rows)
	require.NoError(t, err)
	require.EqualValues(t, 150, n)

	// First run crashes after one batch.
	crashing := &failAfterFirstUpdate{Store: store}
	w := New(crashing, graph, reg, keyring.Box{}, WithBatchSize(100))
	_, err = w.RotateSessionKeys(ctx, "pair-old", "pair-new", oldPriv, newPub)
	require.Error(t, err)

	remaining, err := store.SessionKeysByKeyPair(ctx, "pair-old", 1000)
	require.NoError(t, err)
	require.Len(t, remaining, 50, "one batch of 100 should have migrated")

	// Re-run from scratch: selection is the progress marker.
	w = New(store, graph, reg, keyring.Box{}, WithBatchSize(100))
	out, err := w.RotateSessionKeys(ctx, "pair-old", "pair-new", oldPriv, newPub)
	require.NoError(t, err)
	require.EqualValues(t, 50, out.Rows)

	remaining, err = store.SessionKeysByKeyPair(ctx, "pair-old", 1000)
	require.NoError(t, err)
	require.Empty(t, remaining)

	migrated, err := store.SessionKeysByKeyPair(ctx, "pair-new", 1000)
	require.NoError(t, err)
	require.Len(t, migrated, 150)
	for _, row := range migrated {
		plain, err := (keyring.Box{}).Decrypt(newPriv, row.EncryptedDek)
		require.NoError(t, err)
		require.Equal(t, dek, plain)
	}
}

func TestRotationLeavesUndecryptableRows(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	now := time.Now().UTC()

	oldPub, oldPriv, err := keyring.GenerateKeyPair()
	require.NoError(t, err)
	newPub, _, err := keyring.GenerateKeyPair()
	require.NoError(t, err)

	good, err := (keyring.Box{}).Encrypt(oldPub, []byte("dek"))
	require.NoError(t, err)
	_, err = store.InsertSessionKeys(ctx, []session.SessionKey{
		{SessionID: "s1", RecipientDid: "did:plc:alice", UserKeyPairID: "pair-old", EncryptedDek: good, CreatedAt: now},
		{SessionID: "s2", RecipientDid: "did:plc:alice", UserKeyPairID: "pair-old", EncryptedDek: []byte("garbage"), CreatedAt: now},
	})
	require.NoError(t, err)

	w := New(store, graph, reg, keyring.Box{}, WithBatchSize(100))
	out, err := w.RotateSessionKeys(ctx, "pair-old", "pair-new", oldPriv, newPub)
	require.NoError(t, err, "a corrupt row must not fail the job")
	require.EqualValues(t, 1, out.Rows)

	remaining, err := store.SessionKeysByKeyPair(ctx, "pair-old", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "s2", remaining[0].SessionID)
}
