package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"avatarforge/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priority orders jobs across streams: higher priorities are always
// drained first, FIFO within one priority.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal}

// JobStatus is the queue-side view of a job lease.
type JobStatus struct {
	ID           string    `json:"id"`
	AvatarID     string    `json:"avatarId"`
	Priority     Priority  `json:"priority"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job immediately instead of
// scheduling another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RedisJobQueue is a durable priority queue on Redis Streams. Each
// priority level gets its own stream; consumers read them highest
// first through one consumer group per stream, and XAutoClaim returns
// leases abandoned by dead workers.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxAttempts  int
	block        time.Duration
	claimIdle    time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	JobTTL      time.Duration
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxAttempts:  maxAttempts,
		block:        block,
		claimIdle:    claimIdle,
		backoffBase:  backoffBase,
		backoffCap:   backoffCap,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// backoffDelay returns min(base * 2^(attempt-1), cap) for attempt >= 1.
func (q *RedisJobQueue) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}
	if d > q.backoffCap {
		return q.backoffCap
	}
	return d
}

func (q *RedisJobQueue) streamFor(p Priority) string {
	return fmt.Sprintf("%s:p%d", q.stream, p)
}

func clampPriority(p Priority) Priority {
	if p < PriorityNormal {
		return PriorityNormal
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

// Enqueue registers a job lease and appends it to the stream of its
// priority level.
func (q *RedisJobQueue) Enqueue(ctx context.Context, jobID, avatarID string, priority Priority) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, errors.New("jobId required")
	}
	avatarID = strings.TrimSpace(avatarID)
	if avatarID == "" {
		return JobStatus{}, errors.New("avatarId required")
	}
	priority = clampPriority(priority)
	now := time.Now().UTC()
	job := JobStatus{
		ID:        jobID,
		AvatarID:  avatarID,
		Priority:  priority,
		Status:    StatusQueued,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamFor(priority),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    job.ID,
			"avatar_id": job.AvatarID,
			"priority":  int(priority),
		},
	}).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// GetJob returns the queue lease for a job ID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Cancel marks a queued job cancelled so it is dropped at dequeue time.
// In-flight jobs are untouched; cancelling those is cooperative and
// handled by the pipeline between steps.
func (q *RedisJobQueue) Cancel(ctx context.Context, jobID string) error {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || job.Status != StatusQueued {
		return nil
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

// Start launches concurrency consumer goroutines that feed dequeued
// jobs to handler. A nil handler error completes the job; a Permanent
// error or exhausted attempts fails it; anything else requeues it after
// an exponential backoff delay.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, JobStatus) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroups(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroups(ctx context.Context) {
	q.once.Do(func() {
		for _, p := range priorities {
			err := q.client.XGroupCreateMkStream(ctx, q.streamFor(p), q.group, "$").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				// best-effort; errors will surface on consume
			}
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, JobStatus) error) {
	streams := make([]string, 0, len(priorities)*2)
	for _, p := range priorities {
		streams = append(streams, q.streamFor(p))
	}
	for range priorities {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, p := range priorities {
			if msgs, err := q.claimPending(ctx, q.streamFor(p), consumer); err == nil {
				for _, msg := range msgs {
					q.handleMessage(ctx, q.streamFor(p), msg, handler)
				}
			}
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  streams,
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, stream.Stream, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, stream, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, stream string, msg redis.XMessage, handler func(context.Context, JobStatus) error) {
	jobID, _ := msg.Values["job_id"].(string)
	avatarID, _ := msg.Values["avatar_id"].(string)
	if jobID == "" || avatarID == "" {
		q.ackAndDel(ctx, stream, msg.ID)
		return
	}
	if job, ok, err := q.GetJob(ctx, jobID); err == nil && ok && job.Status == StatusCancelled {
		q.ackAndDel(ctx, stream, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, avatarID)
	if err != nil {
		q.ackAndDel(ctx, stream, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, stream, msg.ID)
		return
	} else if IsPermanent(err) || job.Attempts >= q.maxAttempts {
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, stream, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, jobID, err.Error())
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoffDelay(job.Attempts)):
		}
		_ = q.requeueAndAck(ctx, stream, msg.ID, jobID, avatarID)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, stream, msgID string) {
	_, _ = q.client.XAck(ctx, stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, stream, msgID, jobID, avatarID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    jobID,
			"avatar_id": avatarID,
		},
	})
	pipe.XAck(ctx, stream, q.group, msgID)
	pipe.XDel(ctx, stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, avatarID string) (JobStatus, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if job.ID == "" {
		job = JobStatus{ID: jobID}
	}
	if avatarID != "" {
		job.AvatarID = avatarID
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusQueued
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusDone
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	payload := map[string]any{
		"id":        job.ID,
		"avatarId":  job.AvatarID,
		"priority":  strconv.Itoa(int(job.Priority)),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, q.jobKey(job.ID), payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, q.jobKey(job.ID), q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{ID: jobID}
	if v := data["avatarId"]; v != "" {
		job.AvatarID = v
	}
	if v := data["priority"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Priority = Priority(n)
		}
	}
	if v := data["status"]; v != "" {
		job.Status = v
	}
	if v := data["error"]; v != "" {
		job.ErrorMessage = v
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
