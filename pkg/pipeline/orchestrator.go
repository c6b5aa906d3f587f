package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"avatarforge/pkg/domain"
	"avatarforge/pkg/events"
	"avatarforge/pkg/inference"
	"avatarforge/pkg/modelstore"
	"avatarforge/pkg/queue"
	"avatarforge/pkg/storage"
	"avatarforge/pkg/store"
)

// InferenceClient is the subset of the ML service API the pipeline
// calls. *inference.Client satisfies it.
type InferenceClient interface {
	RemoveBackground(ctx context.Context, photos []inference.PhotoRef) ([]inference.ProcessedPhoto, error)
	DetectPose(ctx context.Context, photos []inference.ProcessedPhoto) (domain.Landmarks, error)
	ExtractMeasurements(ctx context.Context, landmarks domain.Landmarks, photo *inference.ProcessedPhoto, unit domain.MeasurementUnit) (domain.Measurement, error)
	ClassifyBodyType(ctx context.Context, m domain.Measurement) (inference.BodyTypeResult, error)
	FetchPhoto(ctx context.Context, url string) ([]byte, error)
}

// TerminalPublisher forwards terminal (completed/failed) events to an
// external broker for consumers that must not miss them. Optional;
// *events.AMQPPublisher satisfies it.
type TerminalPublisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Orchestrator drives a processing job through its step sequence,
// keeping the avatar and job records, live subscribers and the model
// document in agreement.
type Orchestrator struct {
	store    store.Store
	models   modelstore.ModelStore
	objects  storage.ObjectStore
	ml       InferenceClient
	events   *events.Broadcaster
	terminal TerminalPublisher
}

type Config struct {
	Store     store.Store
	Models    modelstore.ModelStore
	Objects   storage.ObjectStore
	Inference InferenceClient
	Events    *events.Broadcaster
	Terminal  TerminalPublisher
}

func NewOrchestrator(cfg Config) *Orchestrator {
	b := cfg.Events
	if b == nil {
		b = events.NewBroadcaster()
	}
	return &Orchestrator{
		store:    cfg.Store,
		models:   cfg.Models,
		objects:  cfg.Objects,
		ml:       cfg.Inference,
		events:   b,
		terminal: cfg.Terminal,
	}
}

// Events exposes the broadcaster for subscribers.
func (o *Orchestrator) Events() *events.Broadcaster { return o.events }

// Execute runs one attempt of the given job. A returned retryable error
// tells the queue to requeue with backoff; a permanent error (or nil)
// settles the message.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	job, ok, err := o.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return queue.Permanent(fmt.Errorf("job %s not found", jobID))
	}
	if job.Status == domain.JobCancelled || job.Status == domain.JobCompleted {
		return nil
	}
	avatar, ok, err := o.store.GetAvatar(job.AvatarID)
	if err != nil {
		return fmt.Errorf("load avatar %s: %w", job.AvatarID, err)
	}
	if !ok {
		f := DataIntegrityFailure("AVATAR_MISSING", fmt.Errorf("avatar %s not found for job %s", job.AvatarID, job.ID))
		if err := o.store.FailJob(job.ID, f.Code, f.Error(), 0); err != nil {
			slog.Warn("mark job failed", "job_id", job.ID, "error", err)
		}
		return queue.Permanent(f)
	}

	job, err = o.store.StartJobAttempt(job.ID)
	if err != nil {
		return fmt.Errorf("start attempt for job %s: %w", job.ID, err)
	}
	if err := o.store.SetAvatarStatus(avatar.ID, domain.AvatarProcessing); err != nil {
		return fmt.Errorf("mark avatar processing: %w", err)
	}
	slog.Info("processing job",
		"job_id", job.ID, "avatar_id", avatar.ID,
		"job_type", job.JobType, "attempt", job.AttemptNumber)

	sc := &stepContext{job: &job, avatar: &avatar, startedAt: time.Now()}
	lastProgress := 0
	for i, step := range o.stepsFor(job.JobType) {
		if i > 0 {
			cancelled, err := o.jobCancelled(job.ID)
			if err != nil {
				return o.fail(ctx, sc, step, lastProgress, err)
			}
			if cancelled {
				return o.stopCancelled(sc)
			}
		}
		if err := step.Run(ctx, sc); err != nil {
			return o.fail(ctx, sc, step, lastProgress, err)
		}
		if step.Weight > lastProgress {
			lastProgress = step.Weight
		}
		if step.Terminal {
			o.publish(ctx, events.Event{
				Type:     events.EventCompleted,
				AvatarID: avatar.ID,
				JobID:    job.ID,
				Status:   domain.AvatarReady,
				Progress: 100,
				Step:     step.Name,
				Message:  "Avatar ready",
			}, true)
			slog.Info("job completed", "job_id", job.ID, "avatar_id", avatar.ID)
			return nil
		}
		if err := o.store.SetAvatarProgress(avatar.ID, lastProgress, step.Label); err != nil {
			slog.Warn("update avatar progress", "avatar_id", avatar.ID, "error", err)
		}
		if err := o.store.SetJobProgress(job.ID, lastProgress, step.Name); err != nil {
			slog.Warn("update job progress", "job_id", job.ID, "error", err)
		}
		o.publish(ctx, events.Event{
			Type:     events.EventProgress,
			AvatarID: avatar.ID,
			JobID:    job.ID,
			Status:   domain.AvatarProcessing,
			Progress: lastProgress,
			Step:     step.Name,
			Message:  step.Label,
		}, false)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, sc *stepContext, step Step, progress int, stepErr error) error {
	f := Classify(stepErr)
	durationMs := time.Since(sc.startedAt).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	slog.Error("pipeline step failed",
		"job_id", sc.job.ID, "avatar_id", sc.avatar.ID, "step", step.Name,
		"code", f.Code, "retryable", f.Retryable, "error", stepErr)
	if err := o.store.FailJob(sc.job.ID, f.Code, f.Error(), durationMs); err != nil {
		slog.Warn("mark job failed", "job_id", sc.job.ID, "error", err)
	}
	if err := o.store.FailAvatar(sc.avatar.ID, f.Error()); err != nil {
		slog.Warn("mark avatar failed", "avatar_id", sc.avatar.ID, "error", err)
	}
	o.publish(ctx, events.Event{
		Type:      events.EventFailed,
		AvatarID:  sc.avatar.ID,
		JobID:     sc.job.ID,
		Status:    domain.AvatarError,
		Progress:  progress,
		Step:      step.Name,
		Message:   f.Error(),
		ErrorCode: f.Code,
		Retryable: f.Retryable,
	}, true)
	if !f.Retryable {
		return queue.Permanent(f)
	}
	return f
}

// stopCancelled settles a job that was cancelled mid-run. The avatar
// returns to PENDING; partial artifacts are left in place and get
// overwritten by the next run.
func (o *Orchestrator) stopCancelled(sc *stepContext) error {
	slog.Info("job cancelled, stopping", "job_id", sc.job.ID, "avatar_id", sc.avatar.ID)
	if err := o.store.SetAvatarStatus(sc.avatar.ID, domain.AvatarPending); err != nil {
		slog.Warn("reset avatar status", "avatar_id", sc.avatar.ID, "error", err)
	}
	if err := o.store.SetAvatarProgress(sc.avatar.ID, 0, "Processing cancelled"); err != nil {
		slog.Warn("reset avatar progress", "avatar_id", sc.avatar.ID, "error", err)
	}
	o.events.Publish(events.Event{
		Type:     events.EventStatus,
		AvatarID: sc.avatar.ID,
		JobID:    sc.job.ID,
		Status:   domain.AvatarPending,
		Message:  "Processing cancelled",
	})
	return nil
}

func (o *Orchestrator) jobCancelled(jobID string) (bool, error) {
	j, ok, err := o.store.GetJob(jobID)
	if err != nil || !ok {
		return false, err
	}
	return j.Status == domain.JobCancelled, nil
}

func (o *Orchestrator) publish(ctx context.Context, evt events.Event, terminal bool) {
	evt.OccurredAt = time.Now().UTC()
	o.events.Publish(evt)
	if terminal && o.terminal != nil {
		if err := o.terminal.Publish(ctx, evt); err != nil {
			slog.Warn("publish terminal event", "avatar_id", evt.AvatarID, "error", err)
		}
	}
}
