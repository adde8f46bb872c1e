package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hushfeed.org/internal/obs"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 250 * time.Millisecond
	queueDepth         = 256
)

// Memory is an in-process Queue for tests and single-node deployments.
// A broker-backed implementation slots in behind the same interface.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]Handler
	ch       chan Job
	wg       sync.WaitGroup

	maxAttempts int
	backoff     time.Duration
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an idle queue; call Start to begin dispatching.
func NewMemory() *Memory {
	return &Memory{
		handlers:    make(map[string]Handler),
		ch:          make(chan Job, queueDepth),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Work registers the handler for a job name. Last registration wins.
func (m *Memory) Work(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Publish enqueues a job. The payload is JSON-encoded.
func (m *Memory) Publish(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: encode payload for %s: %w", name, err)
	}
	job := Job{ID: uuid.NewString(), Name: name, Data: data, Attempt: 1}
	select {
	case m.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches n worker goroutines that dispatch until ctx ends.
func (m *Memory) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.ch:
					m.dispatch(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have stopped.
func (m *Memory) Wait() { m.wg.Wait() }

func (m *Memory) dispatch(ctx context.Context, job Job) {
	m.mu.Lock()
	h := m.handlers[job.Name]
	m.mu.Unlock()
	if h == nil {
		obs.LogEvent("error", "no handler registered for job", map[string]any{"job": job.Name})
		obs.JobsHandled.WithLabelValues(job.Name, "failed").Inc()
		return
	}

	err := h(ctx, job)
	switch {
	case err == nil:
		obs.JobsHandled.WithLabelValues(job.Name, "ok").Inc()
	default:
		if abort, ok := AsAbort(err); ok {
			obs.JobsHandled.WithLabelValues(job.Name, "aborted").Inc()
			obs.LogEvent("info", "job aborted", map[string]any{"job": job.Name, "id": job.ID, "reason": abort.Reason})
			return
		}
		obs.JobsHandled.WithLabelValues(job.Name, "failed").Inc()
		obs.LogEvent("error", "job failed", map[string]any{"job": job.Name, "id": job.ID, "attempt": job.Attempt, "err": err.Error()})
		if job.Attempt >= m.maxAttempts {
			obs.LogEvent("error", "job dropped after max attempts", map[string]any{"job": job.Name, "id": job.ID})
			return
		}
		job.Attempt++
		// Linear backoff is enough for an in-process queue.
		delay := time.Duration(job.Attempt) * m.backoff
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				select {
				case m.ch <- job:
				case <-ctx.Done():
				}
			}
		}()
	}
}
