package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBackoffDelayTable(t *testing.T) {
	q := &RedisJobQueue{backoffBase: 2 * time.Second, backoffCap: 30 * time.Second}
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		attempt := i + 1
		if got := q.backoffDelay(attempt); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
	if got := q.backoffDelay(9); got != 30*time.Second {
		t.Fatalf("attempt 9: got %v, want cap", got)
	}
}

func TestPermanentErrorDetection(t *testing.T) {
	base := errors.New("bad input")
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) {
		t.Fatalf("wrapped error must be permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("Permanent must preserve the error chain")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}

func TestEnqueueRoutesByPriority(t *testing.T) {
	q, ctx := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "job-normal", "avatar-1", PriorityNormal); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if _, err := q.Enqueue(ctx, "job-high", "avatar-2", PriorityHigh); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	for _, tc := range []struct {
		priority Priority
		jobID    string
	}{
		{PriorityNormal, "job-normal"},
		{PriorityHigh, "job-high"},
	} {
		n, err := q.client.XLen(ctx, q.streamFor(tc.priority)).Result()
		if err != nil {
			t.Fatalf("xlen p%d: %v", tc.priority, err)
		}
		if n != 1 {
			t.Fatalf("expected one message in p%d stream, got %d", tc.priority, n)
		}
	}
}

func TestCancelQueuedJobDroppedAtDequeue(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "job-1", "avatar-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	msg := readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-1")
	called := false
	q.handleMessage(ctx, q.streamFor(PriorityNormal), msg, func(context.Context, JobStatus) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler must not run for a cancelled job")
	}
	pending, err := q.client.XPending(ctx, q.streamFor(PriorityNormal), q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("cancelled message must be acked, got %d pending", pending.Count)
	}
}

func TestHandleMessagePermanentErrorFailsWithoutRequeue(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "job-1", "avatar-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-1")

	q.handleMessage(ctx, q.streamFor(PriorityNormal), msg, func(context.Context, JobStatus) error {
		return Permanent(errors.New("invalid photos"))
	})

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", got.Attempts)
	}
	n, err := q.client.XLen(ctx, q.streamFor(PriorityNormal)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 0 {
		t.Fatalf("permanent failure must not requeue, stream len=%d", n)
	}
}

func TestHandleMessageRetryableErrorRequeues(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.backoffBase = time.Millisecond
	q.backoffCap = time.Millisecond

	job, err := q.Enqueue(ctx, "job-1", "avatar-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-1")

	q.handleMessage(ctx, q.streamFor(PriorityNormal), msg, func(context.Context, JobStatus) error {
		return errors.New("inference timeout")
	})

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected requeued job, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("requeued job must keep the last error")
	}

	requeued := readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-2")
	if requeued.Values["job_id"] != job.ID {
		t.Fatalf("unexpected requeued payload: %+v", requeued.Values)
	}
}

func TestHandleMessageExhaustedAttemptsFailsTerminally(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.backoffBase = time.Millisecond
	q.backoffCap = time.Millisecond
	q.maxAttempts = 2

	job, err := q.Enqueue(ctx, "job-1", "avatar-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fail := func(context.Context, JobStatus) error { return errors.New("boom") }

	msg := readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-1")
	q.handleMessage(ctx, q.streamFor(PriorityNormal), msg, fail)
	msg = readOne(t, q, ctx, q.streamFor(PriorityNormal), "consumer-1")
	q.handleMessage(ctx, q.streamFor(PriorityNormal), msg, fail)

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected terminal failure after max attempts, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
	n, err := q.client.XLen(ctx, q.streamFor(PriorityNormal)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 0 {
		t.Fatalf("terminally failed job must not requeue, stream len=%d", n)
	}
}

func newTestQueue(t *testing.T) (*RedisJobQueue, context.Context) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:        redisSrv.Addr(),
		Stream:      "test:avatars",
		Group:       "test-group",
		Consumer:    "consumer",
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroups(ctx)
	return q, ctx
}

func readOne(t *testing.T, q *RedisJobQueue, ctx context.Context, stream, consumer string) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one message, got %+v", streams)
	}
	return streams[0].Messages[0]
}
