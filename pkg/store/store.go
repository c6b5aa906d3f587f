package store

import "avatarforge/pkg/domain"

// Store defines the relational persistence operations for avatars,
// photos, measurements and processing jobs. The relational state is
// authoritative for processing lifecycle; the model document store
// only holds the heavy mesh payloads.
type Store interface {
	// avatars
	SaveAvatar(domain.Avatar) error
	GetAvatar(id string) (domain.Avatar, bool, error)
	ListAvatarsByOwner(ownerID string) ([]domain.Avatar, error)
	SetAvatarStatus(id string, status domain.AvatarStatus) error
	SetAvatarProgress(id string, progress int, message string) error
	// CASAvatarStatus transitions id from one of the given states to
	// the target state, returning false when the current status did
	// not match. It is the concurrency control behind the one active
	// job per avatar invariant.
	CASAvatarStatus(id string, from []domain.AvatarStatus, to domain.AvatarStatus) (bool, error)
	FailAvatar(id string, errMsg string) error
	CompleteAvatar(id string, modelURL string, bodyType domain.BodyType, confidence float64) error
	SoftDeleteAvatar(id string) error
	SetDefaultAvatar(ownerID, avatarID string) error

	// photos
	SavePhoto(domain.Photo) error
	GetPhoto(id string) (domain.Photo, bool, error)
	ListPhotosByAvatar(avatarID string) ([]domain.Photo, error)
	SetPhotoStatus(id string, status domain.PhotoStatus) error
	SetPhotoProcessed(id string, key, url string, validation *domain.PhotoValidation) error
	DeletePhoto(id string) error

	// measurements (unique per avatar)
	UpsertMeasurement(domain.Measurement) (domain.Measurement, error)
	GetMeasurementByAvatar(avatarID string) (domain.Measurement, bool, error)

	// processing jobs
	SaveJob(domain.ProcessingJob) error
	GetJob(id string) (domain.ProcessingJob, bool, error)
	GetActiveJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error)
	GetLatestJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error)
	ListJobsByOwner(ownerID string) ([]domain.ProcessingJob, error)
	SetJobStatus(id string, status domain.JobStatus) error
	SetJobProgress(id string, progress int, step string) error
	// StartJobAttempt marks the job PROCESSING, increments its attempt
	// counter and stamps the start time, returning the updated job.
	StartJobAttempt(id string) (domain.ProcessingJob, error)
	CompleteJob(id string, result domain.JobResult, durationMs int64) error
	FailJob(id string, code, message string, durationMs int64) error
	CancelJob(id string) error
}
