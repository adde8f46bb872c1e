package recrypt

import (
	"context"
	"time"

	"hushfeed.org/internal/jobs"
)

// Job payloads. Private key material rides inside the queue payload for the
// rotation job only; the queue is assumed to be process-internal or an
// encrypted transport.

// AddRecipientPayload triggers a trust-add backfill.
type AddRecipientPayload struct {
	AuthorDid     string `json:"authorDid"`
	RecipientDid  string `json:"recipientDid"`
	CurrentOnly   bool   `json:"currentOnly"`
	LookbackHours int    `json:"lookbackHours,omitempty"`
}

// DeletePayload triggers a trust-remove key deletion.
type DeletePayload struct {
	AuthorDid    string `json:"authorDid"`
	RecipientDid string `json:"recipientDid"`
}

// RevokePayload triggers a session revocation, optionally combined with key
// deletion for one recipient.
type RevokePayload struct {
	AuthorDid    string `json:"authorDid"`
	RecipientDid string `json:"recipientDid,omitempty"`
}

// RotatePayload triggers the key-rotation batch job.
type RotatePayload struct {
	PrevKeyPairID  string `json:"prevKeyPairId"`
	NewKeyPairID   string `json:"newKeyPairId"`
	PrevPrivateKey []byte `json:"prevPrivateKey"`
	NewPublicKey   []byte `json:"newPublicKey"`
}

func (p AddRecipientPayload) scope() Scope {
	if p.CurrentOnly {
		return CurrentOnly()
	}
	return LookbackWindow(time.Duration(p.LookbackHours) * time.Hour)
}

// RegisterHandlers binds every workflow to its job name. Abort outcomes are
// translated to queue aborts so they are acknowledged without retry;
// collaborator errors propagate into the queue's retry policy.
func RegisterHandlers(q jobs.Queue, w *Workflows) {
	q.Work(jobs.JobAddRecipient, func(ctx context.Context, job jobs.Job) error {
		var p AddRecipientPayload
		if err := job.Unmarshal(&p); err != nil {
			return err
		}
		out, err := w.AddRecipient(ctx, p.AuthorDid, p.RecipientDid, p.scope())
		return outcomeErr(out, err)
	})

	q.Work(jobs.JobDeleteSessionKeys, func(ctx context.Context, job jobs.Job) error {
		var p DeletePayload
		if err := job.Unmarshal(&p); err != nil {
			return err
		}
		out, err := w.DeleteSessionKeys(ctx, p.AuthorDid, p.RecipientDid)
		return outcomeErr(out, err)
	})

	q.Work(jobs.JobRevokeSession, func(ctx context.Context, job jobs.Job) error {
		var p RevokePayload
		if err := job.Unmarshal(&p); err != nil {
			return err
		}
		out, err := w.RevokeSession(ctx, p.AuthorDid, p.RecipientDid)
		return outcomeErr(out, err)
	})

	q.Work(jobs.JobRotateKeys, func(ctx context.Context, job jobs.Job) error {
		var p RotatePayload
		if err := job.Unmarshal(&p); err != nil {
			return err
		}
		out, err := w.RotateSessionKeys(ctx, p.PrevKeyPairID, p.NewKeyPairID, p.PrevPrivateKey, p.NewPublicKey)
		return outcomeErr(out, err)
	})
}

func outcomeErr(out Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Aborted() {
		return jobs.Abort{Reason: out.AbortReason}
	}
	return nil
}

// EnqueueRotation is the registry's rotation entry point: accept the new
// pair, enqueue the batch job, return immediately.
func EnqueueRotation(ctx context.Context, q jobs.Queue, prevKeyPairID, newKeyPairID string, prevPrivateKey, newPublicKey []byte) error {
	return q.Publish(ctx, jobs.JobRotateKeys, RotatePayload{
		PrevKeyPairID:  prevKeyPairID,
		NewKeyPairID:   newKeyPairID,
		PrevPrivateKey: prevPrivateKey,
		NewPublicKey:   newPublicKey,
	})
}
