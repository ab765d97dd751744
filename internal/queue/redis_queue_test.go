package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/agentd/internal/domain"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use a separate DB for tests
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	client := newTestRedisClient(t)
	q := NewRedisQueue(client, "test-"+t.Name())
	ctx := context.Background()
	client.Del(ctx, q.pending, q.inFlt)
	t.Cleanup(func() { client.Del(context.Background(), q.pending, q.inFlt) })
	return q
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{ID: "j1", RepoURL: "git@host:u/r.git", Branch: "main", Prompt: "p"}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, inFlight, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 1 || inFlight != 0 {
		t.Fatalf("expected pending=1 inflight=0, got pending=%d inflight=%d", pending, inFlight)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatalf("expected job j1, got %+v", got)
	}

	pending, inFlight, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 0 || inFlight != 1 {
		t.Fatalf("expected pending=0 inflight=1, got pending=%d inflight=%d", pending, inFlight)
	}

	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}
	_, inFlight, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if inFlight != 0 {
		t.Fatalf("expected inflight=0 after ack, got %d", inFlight)
	}
}

func TestNackRetriesImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{ID: "j1", RepoURL: "git@host:u/r.git", Branch: "main", Prompt: "p"}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Nack(ctx, got); err != nil {
		t.Fatalf("nack: %v", err)
	}

	pending, inFlight, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 1 || inFlight != 0 {
		t.Fatalf("expected pending=1 inflight=0 after nack, got pending=%d inflight=%d", pending, inFlight)
	}

	again, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if again == nil || again.ID != job.ID {
		t.Fatalf("expected re-delivered job %s, got %+v", job.ID, again)
	}
}

func TestRecoverDrainsInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobs := []*domain.Job{
		{ID: "j0", RepoURL: "r", Branch: "main", Prompt: "p0"},
		{ID: "j1", RepoURL: "r", Branch: "main", Prompt: "p1"},
		{ID: "j2", RepoURL: "r", Branch: "main", Prompt: "p2"},
	}
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for range jobs {
		if _, err := q.Dequeue(ctx, time.Second); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
	}

	pending, inFlight, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 0 || inFlight != int64(len(jobs)) {
		t.Fatalf("expected pending=0 inflight=%d, got pending=%d inflight=%d", len(jobs), pending, inFlight)
	}

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != len(jobs) {
		t.Fatalf("expected recover count=%d, got %d", len(jobs), n)
	}

	pending, inFlight, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != int64(len(jobs)) || inFlight != 0 {
		t.Fatalf("expected pending=%d inflight=0 after recover, got pending=%d inflight=%d", len(jobs), pending, inFlight)
	}
}

func TestDequeueTimesOutOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	start := time.Now()
	job, err := q.Dequeue(ctx, time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on timeout, got %+v", job)
	}
	if elapsed < time.Second {
		t.Fatalf("expected dequeue to block at least 1s, took %v", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected dequeue to return within 2s, took %v", elapsed)
	}
}

func TestEnqueueDequeueRoundTripsEdgeCaseStrings(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{
		ID:      "j-edge",
		RepoURL: "git@host:u/r.git",
		Branch:  "main",
		Prompt:  "line1\nline2 \"q\" 'a'",
		MCPURL:  "http://e.com:8080/p?q=v&k=1",
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if *got != *job {
		t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", job, got)
	}
}
