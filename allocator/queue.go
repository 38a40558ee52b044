package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/spacebridge/allocator/internal/queue"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
)

// Request is a queued allocation.
type Request struct {
	ID            string `json:"id"`
	ConsumerID    string `json:"consumer_id"`
	BytesRequired int64  `json:"bytes_required"`
}

type Job = queue.Job

// Enqueue queues an allocation to be served by Drain once capacity exists.
func (a *Allocator) Enqueue(ctx context.Context, consumerID string, bytesRequired int64) (*Request, error) {
	if consumerID == "" {
		return nil, faults.Invalid("consumer is required")
	}
	if bytesRequired <= 0 {
		return nil, faults.Invalid("bytes required must be positive, got %d", bytesRequired)
	}
	req := &Request{ID: a.newJobID(), ConsumerID: consumerID, BytesRequired: bytesRequired}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := a.queue.Publish(ctx, req.ID, payload); err != nil {
		return nil, fmt.Errorf("allocator: enqueue: %w", err)
	}
	a.logger.Info("allocator: request queued", "request_id", req.ID, "consumer_id", consumerID, "bytes", bytesRequired)
	return req, nil
}

// Queued lists waiting requests, oldest first.
func (a *Allocator) Queued(ctx context.Context, limit int) ([]*Job, error) {
	return a.queue.List(ctx, limit)
}

// Drain serves up to QueueBatch visible requests and returns how many were
// allocated. Requests short on capacity or hitting a transient failure are
// deferred; after QueueMaxAttempts they are dropped. Any other error drops
// the request at once.
func (a *Allocator) Drain(ctx context.Context) (int, error) {
	served := 0
	for i := 0; i < a.cfg.QueueBatch; i++ {
		if err := ctx.Err(); err != nil {
			return served, err
		}
		job, err := a.queue.Claim(ctx)
		if err != nil {
			return served, err
		}
		if job == nil {
			break
		}
		ok, err := a.serve(ctx, job)
		if err != nil {
			a.logger.Warn("allocator: queue job", "request_id", job.ID, "error", err)
		}
		if ok {
			served++
		}
	}
	return served, nil
}

func (a *Allocator) serve(ctx context.Context, job *Job) (bool, error) {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return false, errors.Join(fmt.Errorf("decode: %w", err), a.queue.Ack(ctx, job.ID))
	}

	al, err := a.Allocate(ctx, req.ConsumerID, req.BytesRequired)
	if err == nil {
		a.logger.Info("allocator: queued request served", "request_id", job.ID, "allocation_id", al.ID,
			"attempts", job.Attempts)
		return true, a.queue.Ack(ctx, job.ID)
	}

	var ce *faults.CapacityError
	retry := errors.As(err, &ce) || faults.IsTransient(err)
	if retry && job.Attempts < a.cfg.QueueMaxAttempts {
		return false, a.queue.Defer(ctx, job.ID, a.cfg.QueueRetryDelay, err.Error())
	}

	a.emitter.Emit(ctx, events.Event{
		Name:      events.AllocationFailed,
		AccountID: req.ConsumerID,
		Data: map[string]any{
			"request_id": job.ID, "bytes_required": req.BytesRequired,
			"attempts": job.Attempts, "reason": "dropped", "error": err.Error(),
		},
	})
	return false, errors.Join(err, a.queue.Ack(ctx, job.ID))
}
