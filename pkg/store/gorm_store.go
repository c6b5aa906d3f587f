package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"avatarforge/internal/util"
	"avatarforge/pkg/domain"
)

const migrateLockID int64 = 82118211

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AvatarRecord{}, &PhotoRecord{}, &MeasurementRecord{}, &ProcessingJobRecord{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// Store-level guard for the one-active-job-per-avatar invariant:
		// the application-level CAS is not enough against concurrent
		// submissions racing through separate connections.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_processing_jobs_one_active
			ON processing_job_records (avatar_id)
			WHERE status IN ('PENDING','QUEUED','PROCESSING','RETRYING');
		`).Error; err != nil {
			return fmt.Errorf("ensure active job index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveAvatar stores or updates an avatar.
func (s *GormStore) SaveAvatar(a domain.Avatar) error {
	model := avatarToRecord(a)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id", "name", "status", "source", "processing_progress",
			"processing_message", "error_message", "model_url", "body_type",
			"confidence_score", "is_default", "deleted", "updated_at",
		}),
	}).Create(&model).Error
}

// GetAvatar retrieves an avatar; soft-deleted avatars are not returned.
func (s *GormStore) GetAvatar(id string) (domain.Avatar, bool, error) {
	var model AvatarRecord
	if err := s.db.First(&model, "id = ? AND deleted = false", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Avatar{}, false, nil
		}
		return domain.Avatar{}, false, err
	}
	return avatarFromRecord(model), true, nil
}

// ListAvatarsByOwner returns the owner's live avatars ordered by creation.
func (s *GormStore) ListAvatarsByOwner(ownerID string) ([]domain.Avatar, error) {
	var models []AvatarRecord
	if err := s.db.Where("owner_id = ? AND deleted = false", ownerID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Avatar, 0, len(models))
	for _, m := range models {
		res = append(res, avatarFromRecord(m))
	}
	return res, nil
}

// SetAvatarStatus updates the avatar lifecycle status.
func (s *GormStore) SetAvatarStatus(id string, status domain.AvatarStatus) error {
	return s.db.Model(&AvatarRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// SetAvatarProgress updates progress and the human-readable message.
func (s *GormStore) SetAvatarProgress(id string, progress int, message string) error {
	return s.db.Model(&AvatarRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_progress": progress,
			"processing_message":  message,
			"updated_at":          time.Now().UTC(),
		}).Error
}

// CASAvatarStatus performs a compare-and-swap on the avatar status.
func (s *GormStore) CASAvatarStatus(id string, from []domain.AvatarStatus, to domain.AvatarStatus) (bool, error) {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	tx := s.db.Model(&AvatarRecord{}).
		Where("id = ? AND deleted = false AND status IN ?", id, states).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// FailAvatar marks the avatar ERROR with the failure message. Progress
// is left where the pipeline stopped.
func (s *GormStore) FailAvatar(id string, errMsg string) error {
	return s.db.Model(&AvatarRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.AvatarError),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// CompleteAvatar marks the avatar READY with its final model fields.
func (s *GormStore) CompleteAvatar(id string, modelURL string, bodyType domain.BodyType, confidence float64) error {
	return s.db.Model(&AvatarRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":              string(domain.AvatarReady),
			"processing_progress": 100,
			"processing_message":  "Avatar ready",
			"error_message":       "",
			"model_url":           modelURL,
			"body_type":           string(bodyType),
			"confidence_score":    confidence,
			"updated_at":          time.Now().UTC(),
		}).Error
}

// SoftDeleteAvatar flags the avatar deleted without dropping history.
func (s *GormStore) SoftDeleteAvatar(id string) error {
	return s.db.Model(&AvatarRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"deleted":    true,
			"is_default": false,
			"updated_at": time.Now().UTC(),
		}).Error
}

// SetDefaultAvatar makes avatarID the owner's default avatar.
func (s *GormStore) SetDefaultAvatar(ownerID, avatarID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AvatarRecord{}).
			Where("owner_id = ?", ownerID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&AvatarRecord{}).
			Where("id = ? AND owner_id = ? AND deleted = false", avatarID, ownerID).
			Updates(map[string]any{
				"is_default": true,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// SavePhoto stores or updates a photo record.
func (s *GormStore) SavePhoto(p domain.Photo) error {
	model := photoToRecord(p)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avatar_id", "type", "status", "original_key", "original_url",
			"processed_key", "processed_url", "validation", "updated_at",
		}),
	}).Create(&model).Error
}

// GetPhoto retrieves a photo.
func (s *GormStore) GetPhoto(id string) (domain.Photo, bool, error) {
	var model PhotoRecord
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Photo{}, false, nil
		}
		return domain.Photo{}, false, err
	}
	return photoFromRecord(model), true, nil
}

// ListPhotosByAvatar returns the avatar's photos in upload order.
func (s *GormStore) ListPhotosByAvatar(avatarID string) ([]domain.Photo, error) {
	var models []PhotoRecord
	if err := s.db.Where("avatar_id = ?", avatarID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Photo, 0, len(models))
	for _, m := range models {
		res = append(res, photoFromRecord(m))
	}
	return res, nil
}

// SetPhotoStatus updates a photo lifecycle status.
func (s *GormStore) SetPhotoStatus(id string, status domain.PhotoStatus) error {
	return s.db.Model(&PhotoRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// SetPhotoProcessed records the processed variant location and marks
// the photo processed. Overwrite semantics keep retries safe.
func (s *GormStore) SetPhotoProcessed(id string, key, url string, validation *domain.PhotoValidation) error {
	updates := map[string]any{
		"status":        string(domain.PhotoProcessed),
		"processed_key": key,
		"processed_url": url,
		"updated_at":    time.Now().UTC(),
	}
	if validation != nil {
		raw, err := json.Marshal(validation)
		if err != nil {
			return err
		}
		updates["validation"] = datatypesJSON(raw)
	}
	return s.db.Model(&PhotoRecord{}).Where("id = ?", id).Updates(updates).Error
}

// DeletePhoto removes a photo record.
func (s *GormStore) DeletePhoto(id string) error {
	return s.db.Delete(&PhotoRecord{}, "id = ?", id).Error
}

// UpsertMeasurement replaces the avatar's measurement record, keeping
// the existing record ID when one exists.
func (s *GormStore) UpsertMeasurement(m domain.Measurement) (domain.Measurement, error) {
	existing, found, err := s.GetMeasurementByAvatar(m.AvatarID)
	if err != nil {
		return domain.Measurement{}, err
	}
	now := time.Now().UTC()
	if found {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		if m.ID == "" {
			m.ID = util.NewID()
		}
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	model, err := measurementToRecord(m)
	if err != nil {
		return domain.Measurement{}, err
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "avatar_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"unit", "source", "height", "shoulder_width", "chest_circumference",
			"waist_circumference", "hip_circumference", "neck_circumference",
			"thigh_circumference", "arm_length", "inseam", "upper_arm", "forearm",
			"wrist", "calf", "ankle", "torso_length", "leg_length", "foot_length",
			"head_circumference", "shoulder_to_waist", "waist_to_hip",
			"confidence_score", "landmarks", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return domain.Measurement{}, err
	}
	return m, nil
}

// GetMeasurementByAvatar loads the avatar's measurement record.
func (s *GormStore) GetMeasurementByAvatar(avatarID string) (domain.Measurement, bool, error) {
	var model MeasurementRecord
	if err := s.db.First(&model, "avatar_id = ?", avatarID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Measurement{}, false, nil
		}
		return domain.Measurement{}, false, err
	}
	m, err := measurementFromRecord(model)
	if err != nil {
		return domain.Measurement{}, false, err
	}
	return m, true, nil
}

// SaveJob stores or updates a processing job.
func (s *GormStore) SaveJob(j domain.ProcessingJob) error {
	model, err := jobToRecord(j)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "priority", "progress", "current_step", "attempt_number",
			"max_attempts", "result_data", "error_message", "error_code",
			"queued_at", "started_at", "completed_at", "processing_duration_ms",
			"updated_at",
		}),
	}).Create(&model).Error
}

// GetJob retrieves a processing job.
func (s *GormStore) GetJob(id string) (domain.ProcessingJob, bool, error) {
	var model ProcessingJobRecord
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	j, err := jobFromRecord(model)
	if err != nil {
		return domain.ProcessingJob{}, false, err
	}
	return j, true, nil
}

// GetActiveJobByAvatar returns the avatar's currently active job, if any.
func (s *GormStore) GetActiveJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error) {
	states := make([]string, 0, len(domain.ActiveJobStatuses))
	for _, st := range domain.ActiveJobStatuses {
		states = append(states, string(st))
	}
	var model ProcessingJobRecord
	if err := s.db.Where("avatar_id = ? AND status IN ?", avatarID, states).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	j, err := jobFromRecord(model)
	if err != nil {
		return domain.ProcessingJob{}, false, err
	}
	return j, true, nil
}

// GetLatestJobByAvatar returns the avatar's most recent job of any status.
func (s *GormStore) GetLatestJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error) {
	var model ProcessingJobRecord
	if err := s.db.Where("avatar_id = ?", avatarID).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	j, err := jobFromRecord(model)
	if err != nil {
		return domain.ProcessingJob{}, false, err
	}
	return j, true, nil
}

// ListJobsByOwner returns all jobs submitted by an owner, newest first.
func (s *GormStore) ListJobsByOwner(ownerID string) ([]domain.ProcessingJob, error) {
	var models []ProcessingJobRecord
	if err := s.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ProcessingJob, 0, len(models))
	for _, m := range models {
		j, err := jobFromRecord(m)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

// SetJobStatus updates the job lifecycle status. QUEUED stamps queued_at.
func (s *GormStore) SetJobStatus(id string, status domain.JobStatus) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(status),
		"updated_at": now,
	}
	if status == domain.JobQueued {
		updates["queued_at"] = now
	}
	return s.db.Model(&ProcessingJobRecord{}).Where("id = ?", id).Updates(updates).Error
}

// SetJobProgress updates progress and the current step label.
func (s *GormStore) SetJobProgress(id string, progress int, step string) error {
	return s.db.Model(&ProcessingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress":     progress,
			"current_step": step,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// StartJobAttempt marks the job PROCESSING and opens a new attempt.
func (s *GormStore) StartJobAttempt(id string) (domain.ProcessingJob, error) {
	now := time.Now().UTC()
	if err := s.db.Model(&ProcessingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         string(domain.JobProcessing),
			"attempt_number": gorm.Expr("attempt_number + 1"),
			"started_at":     now,
			"error_message":  "",
			"error_code":     "",
			"updated_at":     now,
		}).Error; err != nil {
		return domain.ProcessingJob{}, err
	}
	job, ok, err := s.GetJob(id)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if !ok {
		return domain.ProcessingJob{}, fmt.Errorf("job not found: %s", id)
	}
	return job, nil
}

// CompleteJob marks the job COMPLETED with its result payload.
func (s *GormStore) CompleteJob(id string, result domain.JobResult, durationMs int64) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.Model(&ProcessingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":                 string(domain.JobCompleted),
			"progress":               100,
			"result_data":            datatypesJSON(raw),
			"completed_at":           now,
			"processing_duration_ms": durationMs,
			"error_message":          "",
			"error_code":             "",
			"updated_at":             now,
		}).Error
}

// FailJob marks the job FAILED with its classified error.
func (s *GormStore) FailJob(id string, code, message string, durationMs int64) error {
	now := time.Now().UTC()
	return s.db.Model(&ProcessingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":                 string(domain.JobFailed),
			"error_code":             code,
			"error_message":          message,
			"completed_at":           now,
			"processing_duration_ms": durationMs,
			"updated_at":             now,
		}).Error
}

// CancelJob marks the job CANCELLED.
func (s *GormStore) CancelJob(id string) error {
	now := time.Now().UTC()
	return s.db.Model(&ProcessingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       string(domain.JobCancelled),
			"completed_at": now,
			"updated_at":   now,
		}).Error
}
