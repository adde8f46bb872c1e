// Package jobs abstracts the background job queue the recryption workflows
// run on. Delivery is at-least-once; handlers must be safely re-entrant.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
)

// Job names understood by the worker.
const (
	JobAddRecipient      = "recrypt.add_recipient"
	JobDeleteSessionKeys = "recrypt.delete_session_keys"
	JobRevokeSession     = "recrypt.revoke_session"
	JobRotateKeys        = "recrypt.rotate_keys"
)

// Job is one unit of work handed to a handler.
type Job struct {
	ID      string
	Name    string
	Data    []byte
	Attempt int
}

// Unmarshal decodes the job payload into v.
func (j Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Handler processes a job. Returning an Abort acknowledges the job without
// retry; any other error makes the delivery eligible for the queue's retry
// policy.
type Handler func(ctx context.Context, job Job) error

// Abort is an expected, non-error stop: a trust-state race the workflow
// detected and backed out of. Distinct from failure so the queue never
// retries it.
type Abort struct {
	Reason string
}

func (a Abort) Error() string { return "workflow aborted: " + a.Reason }

// AsAbort unwraps an Abort from a handler result.
func AsAbort(err error) (Abort, bool) {
	var a Abort
	if errors.As(err, &a) {
		return a, true
	}
	return Abort{}, false
}

// Queue publishes named jobs and registers their handlers.
type Queue interface {
	Publish(ctx context.Context, name string, payload any) error
	Work(name string, h Handler)
}
