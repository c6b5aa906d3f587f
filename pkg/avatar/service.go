package avatar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"avatarforge/internal/util"
	"avatarforge/pkg/domain"
	"avatarforge/pkg/modelstore"
	"avatarforge/pkg/queue"
	"avatarforge/pkg/storage"
	"avatarforge/pkg/store"
)

var (
	ErrAvatarNotFound = errors.New("avatar not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrAvatarBusy     = errors.New("avatar already has an active job")
	ErrNotInError     = errors.New("avatar is not in error state")
	ErrNoMeasurements = errors.New("avatar has no stored measurements")
	ErrInvalidInput   = errors.New("invalid input")
)

// Queue is the job queue surface the service needs. *queue.RedisJobQueue
// satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, jobID, avatarID string, priority queue.Priority) (queue.JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}

// PhotoUpload is one user photo submitted at avatar creation.
type PhotoUpload struct {
	Type        domain.PhotoType
	Data        []byte
	ContentType string
}

// Status is the combined processing view returned to callers.
type Status struct {
	AvatarID     string              `json:"avatarId"`
	JobID        string              `json:"jobId,omitempty"`
	AvatarStatus domain.AvatarStatus `json:"avatarStatus"`
	JobStatus    domain.JobStatus    `json:"jobStatus,omitempty"`
	Progress     int                 `json:"progress"`
	CurrentStep  string              `json:"currentStep,omitempty"`
	Message      string              `json:"message,omitempty"`
	ErrorCode    string              `json:"errorCode,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Result       *domain.JobResult   `json:"result,omitempty"`
}

// Service is the submission side of the pipeline: it creates avatars
// and jobs, enforces the one-active-job rule and hands work to the
// queue. All processing happens in the orchestrator.
type Service struct {
	store       store.Store
	models      modelstore.ModelStore
	objects     storage.ObjectStore
	queue       Queue
	maxAttempts int
}

type Config struct {
	Store       store.Store
	Models      modelstore.ModelStore
	Objects     storage.ObjectStore
	Queue       Queue
	MaxAttempts int
}

func NewService(cfg Config) *Service {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       cfg.Store,
		models:      cfg.Models,
		objects:     cfg.Objects,
		queue:       cfg.Queue,
		maxAttempts: maxAttempts,
	}
}

// startableStatuses are the avatar states a new job may be started from.
var startableStatuses = []domain.AvatarStatus{domain.AvatarPending, domain.AvatarReady, domain.AvatarError}

const maxPhotosPerAvatar = 10

// CreateFromPhotos stores the uploaded photos, creates a PENDING avatar
// and queues a photo processing job. Once the job is queued, outcomes
// are observable through GetStatus only.
func (s *Service) CreateFromPhotos(ctx context.Context, ownerID, name string, photos []PhotoUpload, unit domain.MeasurementUnit, customization map[string]string) (domain.Avatar, domain.ProcessingJob, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: ownerId required", ErrInvalidInput)
	}
	if len(photos) == 0 {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: at least one photo required", ErrInvalidInput)
	}
	if len(photos) > maxPhotosPerAvatar {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: at most %d photos", ErrInvalidInput, maxPhotosPerAvatar)
	}
	for _, p := range photos {
		if len(p.Data) == 0 {
			return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: empty photo payload", ErrInvalidInput)
		}
	}

	avatar := s.newAvatar(ownerID, name, domain.SourcePhotoBased)
	if err := s.store.SaveAvatar(avatar); err != nil {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("save avatar: %w", err)
	}

	photoIDs := make([]string, 0, len(photos))
	for _, up := range photos {
		photoID := util.NewID()
		contentType := up.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		key := fmt.Sprintf("avatars/%s/originals/%s", avatar.ID, photoID)
		url, err := s.objects.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), contentType)
		if err != nil {
			return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("upload photo: %w", err)
		}
		photoType := up.Type
		if photoType == "" {
			photoType = domain.PhotoCustom
		}
		p := domain.Photo{
			ID:          photoID,
			AvatarID:    avatar.ID,
			Type:        photoType,
			Status:      domain.PhotoUploaded,
			OriginalKey: key,
			OriginalURL: url,
		}
		if err := s.store.SavePhoto(p); err != nil {
			return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("save photo: %w", err)
		}
		photoIDs = append(photoIDs, photoID)
	}

	job, err := s.startJob(ctx, avatar.ID, domain.JobPhotoAvatar, domain.JobInput{
		PhotoIDs:      photoIDs,
		Unit:          normalizeUnit(unit),
		Customization: customization,
	}, ownerID, queue.PriorityNormal)
	if err != nil {
		return domain.Avatar{}, domain.ProcessingJob{}, err
	}
	return avatar, job, nil
}

// CreateFromMeasurements creates an avatar directly from user-entered
// measurements and queues a measurement processing job.
func (s *Service) CreateFromMeasurements(ctx context.Context, ownerID, name string, m domain.Measurement, unit domain.MeasurementUnit, customization map[string]string) (domain.Avatar, domain.ProcessingJob, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: ownerId required", ErrInvalidInput)
	}
	if m.Height <= 0 || m.ChestCircumference <= 0 || m.WaistCircumference <= 0 || m.HipCircumference <= 0 {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("%w: height, chest, waist and hip are required", ErrInvalidInput)
	}

	avatar := s.newAvatar(ownerID, name, domain.SourceMeasurementBased)
	if err := s.store.SaveAvatar(avatar); err != nil {
		return domain.Avatar{}, domain.ProcessingJob{}, fmt.Errorf("save avatar: %w", err)
	}

	if m.Unit == "" {
		m.Unit = normalizeUnit(unit)
	}
	job, err := s.startJob(ctx, avatar.ID, domain.JobMeasurementAvatar, domain.JobInput{
		Measurements:  &m,
		Unit:          normalizeUnit(unit),
		Customization: customization,
	}, ownerID, queue.PriorityNormal)
	if err != nil {
		return domain.Avatar{}, domain.ProcessingJob{}, err
	}
	return avatar, job, nil
}

// GetStatusByJob reports processing status for one job.
func (s *Service) GetStatusByJob(jobID string) (Status, error) {
	job, ok, err := s.store.GetJob(jobID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, ErrJobNotFound
	}
	avatar, ok, err := s.store.GetAvatar(job.AvatarID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, ErrAvatarNotFound
	}
	return buildStatus(avatar, &job), nil
}

// GetStatusByAvatar reports processing status for an avatar, including
// its latest job if one exists.
func (s *Service) GetStatusByAvatar(avatarID string) (Status, error) {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, ErrAvatarNotFound
	}
	job, found, err := s.store.GetLatestJobByAvatar(avatarID)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return buildStatus(avatar, nil), nil
	}
	return buildStatus(avatar, &job), nil
}

// Retry queues a fresh attempt for an avatar stuck in ERROR. The new
// job reuses the failed job's input and runs at elevated priority.
func (s *Service) Retry(ctx context.Context, avatarID string) (domain.ProcessingJob, error) {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !ok {
		return domain.ProcessingJob{}, ErrAvatarNotFound
	}
	if avatar.Status != domain.AvatarError {
		return domain.ProcessingJob{}, ErrNotInError
	}
	last, found, err := s.store.GetLatestJobByAvatar(avatarID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !found {
		return domain.ProcessingJob{}, ErrJobNotFound
	}

	swapped, err := s.store.CASAvatarStatus(avatarID, []domain.AvatarStatus{domain.AvatarError}, domain.AvatarProcessing)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !swapped {
		return domain.ProcessingJob{}, ErrAvatarBusy
	}
	if err := s.store.SetAvatarProgress(avatarID, 0, "Retry queued"); err != nil {
		slog.Warn("reset avatar progress", "avatar_id", avatarID, "error", err)
	}
	return s.createAndEnqueue(ctx, avatarID, last.JobType, last.InputData, last.OwnerID, queue.PriorityHigh)
}

// Regenerate rebuilds the model from the avatar's stored measurements.
func (s *Service) Regenerate(ctx context.Context, avatarID string) (domain.ProcessingJob, error) {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !ok {
		return domain.ProcessingJob{}, ErrAvatarNotFound
	}
	if _, found, err := s.store.GetMeasurementByAvatar(avatarID); err != nil {
		return domain.ProcessingJob{}, err
	} else if !found {
		return domain.ProcessingJob{}, ErrNoMeasurements
	}
	return s.startJob(ctx, avatarID, domain.JobModelRegeneration, domain.JobInput{Unit: domain.UnitMetric}, avatar.OwnerID, queue.PriorityNormal)
}

// Cancel stops a job. Queued jobs are dropped before they run; a job
// already processing is stopped cooperatively by the orchestrator at
// the next step boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, ok, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	if !job.Status.Active() {
		return nil
	}
	wasQueued := job.Status == domain.JobPending || job.Status == domain.JobQueued
	if err := s.store.CancelJob(jobID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		slog.Warn("cancel queued job", "job_id", jobID, "error", err)
	}
	if wasQueued {
		// the job never started, release the avatar right away
		if _, err := s.store.CASAvatarStatus(job.AvatarID,
			[]domain.AvatarStatus{domain.AvatarProcessing}, domain.AvatarPending); err != nil {
			slog.Warn("release avatar after cancel", "avatar_id", job.AvatarID, "error", err)
		}
	}
	return nil
}

// UpdateMeasurements replaces the avatar's measurements with manual
// values and optionally queues a regeneration.
func (s *Service) UpdateMeasurements(ctx context.Context, avatarID string, m domain.Measurement, regenerate bool) (domain.Measurement, error) {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return domain.Measurement{}, err
	}
	if !ok {
		return domain.Measurement{}, ErrAvatarNotFound
	}
	if avatar.Status == domain.AvatarProcessing {
		return domain.Measurement{}, ErrAvatarBusy
	}
	if m.Height <= 0 || m.ChestCircumference <= 0 || m.WaistCircumference <= 0 || m.HipCircumference <= 0 {
		return domain.Measurement{}, fmt.Errorf("%w: height, chest, waist and hip are required", ErrInvalidInput)
	}
	m.AvatarID = avatarID
	m.Source = domain.MeasurementManual
	if m.Unit == "" {
		m.Unit = domain.UnitMetric
	}
	saved, err := s.store.UpsertMeasurement(m)
	if err != nil {
		return domain.Measurement{}, fmt.Errorf("save measurements: %w", err)
	}
	if regenerate {
		if _, err := s.Regenerate(ctx, avatarID); err != nil {
			return saved, fmt.Errorf("queue regeneration: %w", err)
		}
	}
	return saved, nil
}

// DeleteAvatar soft-deletes the avatar and cleans up its blobs and
// model document. Blob cleanup failures are logged, not fatal.
func (s *Service) DeleteAvatar(ctx context.Context, avatarID string) error {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAvatarNotFound
	}
	if job, found, err := s.store.GetActiveJobByAvatar(avatarID); err == nil && found {
		if err := s.Cancel(ctx, job.ID); err != nil {
			slog.Warn("cancel active job before delete", "job_id", job.ID, "error", err)
		}
	}

	photos, err := s.store.ListPhotosByAvatar(avatarID)
	if err != nil {
		return fmt.Errorf("list photos: %w", err)
	}
	for _, p := range photos {
		s.deleteBlob(ctx, p.OriginalKey)
		s.deleteBlob(ctx, p.ProcessedKey)
	}
	if model, found, err := s.models.GetModelByAvatar(ctx, avatarID); err == nil && found {
		for _, lod := range model.LODs {
			s.deleteBlob(ctx, lod.StorageKey)
		}
		if err := s.models.DeleteModel(ctx, avatarID); err != nil {
			slog.Warn("delete model document", "avatar_id", avatarID, "error", err)
		}
	}
	if err := s.store.SoftDeleteAvatar(avatarID); err != nil {
		return fmt.Errorf("delete avatar: %w", err)
	}
	slog.Info("avatar deleted", "avatar_id", avatarID, "owner_id", avatar.OwnerID)
	return nil
}

// DeletePhoto removes one photo record and its blobs.
func (s *Service) DeletePhoto(ctx context.Context, photoID string) error {
	photo, ok, err := s.store.GetPhoto(photoID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.deleteBlob(ctx, photo.OriginalKey)
	s.deleteBlob(ctx, photo.ProcessedKey)
	return s.store.DeletePhoto(photoID)
}

// SetDefault marks one avatar as the owner's default.
func (s *Service) SetDefault(ownerID, avatarID string) error {
	avatar, ok, err := s.store.GetAvatar(avatarID)
	if err != nil {
		return err
	}
	if !ok || avatar.OwnerID != ownerID {
		return ErrAvatarNotFound
	}
	return s.store.SetDefaultAvatar(ownerID, avatarID)
}

func (s *Service) newAvatar(ownerID, name string, source domain.AvatarSource) domain.Avatar {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "My Avatar"
	}
	return domain.Avatar{
		ID:      util.NewID(),
		OwnerID: ownerID,
		Name:    name,
		Status:  domain.AvatarPending,
		Source:  source,
	}
}

// startJob claims the avatar via CAS and creates + enqueues the job.
func (s *Service) startJob(ctx context.Context, avatarID string, jobType domain.JobType, input domain.JobInput, ownerID string, priority queue.Priority) (domain.ProcessingJob, error) {
	if _, found, err := s.store.GetActiveJobByAvatar(avatarID); err != nil {
		return domain.ProcessingJob{}, err
	} else if found {
		return domain.ProcessingJob{}, ErrAvatarBusy
	}
	swapped, err := s.store.CASAvatarStatus(avatarID, startableStatuses, domain.AvatarProcessing)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !swapped {
		return domain.ProcessingJob{}, ErrAvatarBusy
	}
	return s.createAndEnqueue(ctx, avatarID, jobType, input, ownerID, priority)
}

// createAndEnqueue persists the job record and hands it to the queue.
// The saved record is the commit point: enqueue failures are logged and
// surface through status queries, never to the caller.
func (s *Service) createAndEnqueue(ctx context.Context, avatarID string, jobType domain.JobType, input domain.JobInput, ownerID string, priority queue.Priority) (domain.ProcessingJob, error) {
	job := domain.ProcessingJob{
		ID:          util.NewID(),
		AvatarID:    avatarID,
		OwnerID:     ownerID,
		JobType:     jobType,
		Status:      domain.JobPending,
		Priority:    int(priority),
		MaxAttempts: s.maxAttempts,
		InputData:   input,
	}
	if err := s.store.SaveJob(job); err != nil {
		// release the avatar claimed by CAS
		if _, casErr := s.store.CASAvatarStatus(avatarID,
			[]domain.AvatarStatus{domain.AvatarProcessing}, domain.AvatarPending); casErr != nil {
			slog.Warn("release avatar after failed job save", "avatar_id", avatarID, "error", casErr)
		}
		return domain.ProcessingJob{}, fmt.Errorf("save job: %w", err)
	}
	if err := s.store.SetJobStatus(job.ID, domain.JobQueued); err != nil {
		slog.Warn("mark job queued", "job_id", job.ID, "error", err)
	} else {
		job.Status = domain.JobQueued
	}
	if _, err := s.queue.Enqueue(ctx, job.ID, avatarID, priority); err != nil {
		slog.Warn("enqueue job", "job_id", job.ID, "avatar_id", avatarID, "error", err)
	}
	slog.Info("job queued", "job_id", job.ID, "avatar_id", avatarID, "job_type", jobType, "priority", int(priority))
	return job, nil
}

func (s *Service) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		slog.Warn("delete blob", "key", key, "error", err)
	}
}

func buildStatus(avatar domain.Avatar, job *domain.ProcessingJob) Status {
	st := Status{
		AvatarID:     avatar.ID,
		AvatarStatus: avatar.Status,
		Progress:     avatar.ProcessingProgress,
		Message:      avatar.ProcessingMessage,
		ErrorMessage: avatar.ErrorMessage,
	}
	if job != nil {
		st.JobID = job.ID
		st.JobStatus = job.Status
		st.CurrentStep = job.CurrentStep
		st.ErrorCode = job.ErrorCode
		st.Result = job.ResultData
		if job.Progress > st.Progress {
			st.Progress = job.Progress
		}
	}
	return st
}

func normalizeUnit(unit domain.MeasurementUnit) domain.MeasurementUnit {
	if unit == domain.UnitImperial {
		return domain.UnitImperial
	}
	return domain.UnitMetric
}
