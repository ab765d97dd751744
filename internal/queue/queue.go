// Package queue implements the at-least-once ReliableQueue protocol on top
// of a Redis list broker: a pending FIFO list and a companion in-flight
// list. The atomic pop-tail-push-head move is the single invariant that
// makes a worker crash between dequeue and ack recoverable.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/agentd/internal/domain"
)

// ErrDecodeFailed marks a dequeued record that could not be deserialized.
// The record is left in the in-flight list; it is a poison record that
// requires operator intervention, not a transient failure to retry.
var ErrDecodeFailed = errors.New("queue: poison record, failed to decode")

// ReliableQueue is the at-least-once job queue contract described in
// spec.md §4.1. Implementations are safe for concurrent use by multiple
// worker processes; ordering across workers is only guaranteed by the
// atomic pop-and-move the broker performs.
type ReliableQueue interface {
	// Enqueue appends job to the head of pending. Duplicate job ids are
	// permitted; the broker does not deduplicate.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue atomically moves the tail of pending to the head of
	// in-flight and returns it, blocking up to timeout. Returns
	// (nil, nil) on timeout with no error.
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.Job, error)

	// Ack removes one byte-exact match of job from in-flight. A missing
	// match is tolerated (re-ack) and never returned as an error.
	Ack(ctx context.Context, job *domain.Job) error

	// Nack removes one byte-exact match of job from in-flight and
	// pushes it back to the head of pending for immediate retry.
	Nack(ctx context.Context, job *domain.Job) error

	// Peek non-destructively reads the tail of pending, or returns
	// (nil, nil) if pending is empty.
	Peek(ctx context.Context) (*domain.Job, error)

	// Recover drains in-flight back to pending, record by record, and
	// returns the count moved. Called once at worker startup before any
	// Dequeue.
	Recover(ctx context.Context) (int, error)

	// Stats reports the current pending/in-flight lengths.
	Stats(ctx context.Context) (pending, inFlight int64, err error)

	// Close releases resources held by the queue client.
	Close() error
}
