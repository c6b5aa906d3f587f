package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"avatarforge/internal/util"
	"avatarforge/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs pipeline and
// service tests and mirrors GormStore semantics, including the CAS
// status transition.
type MemoryStore struct {
	mu           sync.RWMutex
	avatars      map[string]domain.Avatar
	photos       map[string]domain.Photo
	measurements map[string]domain.Measurement // key: avatar ID
	jobs         map[string]domain.ProcessingJob
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		avatars:      make(map[string]domain.Avatar),
		photos:       make(map[string]domain.Photo),
		measurements: make(map[string]domain.Measurement),
		jobs:         make(map[string]domain.ProcessingJob),
	}
}

func (m *MemoryStore) SaveAvatar(a domain.Avatar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avatars[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAvatar(id string) (domain.Avatar, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.avatars[id]
	if !ok || a.Deleted {
		return domain.Avatar{}, false, nil
	}
	return a, true, nil
}

func (m *MemoryStore) ListAvatarsByOwner(ownerID string) ([]domain.Avatar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Avatar, 0)
	for _, a := range m.avatars {
		if a.OwnerID == ownerID && !a.Deleted {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SetAvatarStatus(id string, status domain.AvatarStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return nil
}

func (m *MemoryStore) SetAvatarProgress(id string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil
	}
	a.ProcessingProgress = progress
	a.ProcessingMessage = message
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return nil
}

func (m *MemoryStore) CASAvatarStatus(id string, from []domain.AvatarStatus, to domain.AvatarStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok || a.Deleted {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if a.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return true, nil
}

func (m *MemoryStore) FailAvatar(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil
	}
	a.Status = domain.AvatarError
	a.ErrorMessage = errMsg
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return nil
}

func (m *MemoryStore) CompleteAvatar(id string, modelURL string, bodyType domain.BodyType, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil
	}
	a.Status = domain.AvatarReady
	a.ProcessingProgress = 100
	a.ProcessingMessage = "Avatar ready"
	a.ErrorMessage = ""
	a.ModelURL = modelURL
	a.BodyType = bodyType
	a.ConfidenceScore = confidence
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return nil
}

func (m *MemoryStore) SoftDeleteAvatar(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil
	}
	a.Deleted = true
	a.IsDefault = false
	a.UpdatedAt = time.Now().UTC()
	m.avatars[id] = a
	return nil
}

func (m *MemoryStore) SetDefaultAvatar(ownerID, avatarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.avatars {
		if a.OwnerID != ownerID {
			continue
		}
		a.IsDefault = id == avatarID && !a.Deleted
		m.avatars[id] = a
	}
	return nil
}

func (m *MemoryStore) SavePhoto(p domain.Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPhoto(id string) (domain.Photo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.photos[id]
	return p, ok, nil
}

func (m *MemoryStore) ListPhotosByAvatar(avatarID string) ([]domain.Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Photo, 0)
	for _, p := range m.photos {
		if p.AvatarID == avatarID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SetPhotoStatus(id string, status domain.PhotoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	m.photos[id] = p
	return nil
}

func (m *MemoryStore) SetPhotoProcessed(id string, key, url string, validation *domain.PhotoValidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return nil
	}
	p.Status = domain.PhotoProcessed
	p.ProcessedKey = key
	p.ProcessedURL = url
	if validation != nil {
		p.Validation = validation
	}
	p.UpdatedAt = time.Now().UTC()
	m.photos[id] = p
	return nil
}

func (m *MemoryStore) DeletePhoto(id string) error {
	m.mu.Lock()
	delete(m.photos, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) UpsertMeasurement(in domain.Measurement) (domain.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.measurements[in.AvatarID]; ok {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
	} else {
		if in.ID == "" {
			in.ID = util.NewID()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	m.measurements[in.AvatarID] = in
	return in, nil
}

func (m *MemoryStore) GetMeasurementByAvatar(avatarID string) (domain.Measurement, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.measurements[avatarID]
	return ms, ok, nil
}

func (m *MemoryStore) SaveJob(j domain.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) GetJob(id string) (domain.ProcessingJob, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *MemoryStore) GetActiveJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest domain.ProcessingJob
	found := false
	for _, j := range m.jobs {
		if j.AvatarID != avatarID || !j.Status.Active() {
			continue
		}
		if !found || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) GetLatestJobByAvatar(avatarID string) (domain.ProcessingJob, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest domain.ProcessingJob
	found := false
	for _, j := range m.jobs {
		if j.AvatarID != avatarID {
			continue
		}
		if !found || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) ListJobsByOwner(ownerID string) ([]domain.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ProcessingJob, 0)
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			res = append(res, j)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SetJobStatus(id string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	j.Status = status
	if status == domain.JobQueued {
		j.QueuedAt = &now
	}
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) SetJobProgress(id string, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	j.Progress = progress
	j.CurrentStep = step
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) StartJobAttempt(id string) (domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ProcessingJob{}, fmt.Errorf("job not found: %s", id)
	}
	now := time.Now().UTC()
	j.Status = domain.JobProcessing
	j.AttemptNumber++
	j.StartedAt = &now
	j.ErrorMessage = ""
	j.ErrorCode = ""
	j.UpdatedAt = now
	m.jobs[id] = j
	return j, nil
}

func (m *MemoryStore) CompleteJob(id string, result domain.JobResult, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.Progress = 100
	j.ResultData = &result
	j.CompletedAt = &now
	j.ProcessingDurationMs = durationMs
	j.ErrorMessage = ""
	j.ErrorCode = ""
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) FailJob(id string, code, message string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.ErrorCode = code
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.ProcessingDurationMs = durationMs
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) CancelJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}
