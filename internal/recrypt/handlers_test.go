package recrypt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hushfeed.org/internal/jobs"
	"hushfeed.org/internal/session"
)

// captureQueue records handlers so tests can drive them synchronously.
type captureQueue struct {
	handlers  map[string]jobs.Handler
	published []string
}

func newCaptureQueue() *captureQueue { return &captureQueue{handlers: make(map[string]jobs.Handler)} }

func (q *captureQueue) Publish(ctx context.Context, name string, payload any) error {
	q.published = append(q.published, name)
	return nil
}

func (q *captureQueue) Work(name string, h jobs.Handler) { q.handlers[name] = h }

func (q *captureQueue) run(t *testing.T, name string, payload any) error {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	h, ok := q.handlers[name]
	require.True(t, ok, "no handler for %s", name)
	return h(context.Background(), jobs.Job{ID: "j1", Name: name, Data: data, Attempt: 1})
}

func TestHandlersTranslateAbortOutcomes(t *testing.T) {
	store := session.NewInMemory()
	graph := newFakeGraph()
	reg := newFakeRegistry()
	w := testWorkflows(store, graph, reg)

	q := newCaptureQueue()
	RegisterHandlers(q, w)

	// Edge is not trusted: the add handler must surface a queue abort, not
	// a retryable failure.
	err := q.run(t, jobs.JobAddRecipient, AddRecipientPayload{
		AuthorDid: "did:plc:alice", RecipientDid: "did:plc:bob", CurrentOnly: true,
	})
	abort, ok := jobs.AsAbort(err)
	require.True(t, ok, "expected abort, got %v", err)
	require.Equal(t, "no longer trusted", abort.Reason)

	// Edge still absent: delete proceeds and succeeds.
	err = q.run(t, jobs.JobDeleteSessionKeys, DeletePayload{
		AuthorDid: "did:plc:alice", RecipientDid: "did:plc:bob",
	})
	require.NoError(t, err)
}

func TestAddRecipientPayloadScope(t *testing.T) {
	require.True(t, AddRecipientPayload{CurrentOnly: true}.scope().CurrentOnlyScope())

	s := AddRecipientPayload{LookbackHours: 720}.scope()
	require.False(t, s.CurrentOnlyScope())
	require.Equal(t, 720*time.Hour, s.Lookback())
}

func TestEnqueueRotation(t *testing.T) {
	q := newCaptureQueue()
	require.NoError(t, EnqueueRotation(context.Background(), q, "p1", "p2", []byte("priv"), []byte("pub")))
	require.Equal(t, []string{jobs.JobRotateKeys}, q.published)
}
