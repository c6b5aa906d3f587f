package modelstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"avatarforge/pkg/domain"
)

// MemoryModelStore keeps model documents in-process; used in tests.
type MemoryModelStore struct {
	mu     sync.RWMutex
	models map[string]domain.AvatarModel // key: avatar ID
}

func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{models: make(map[string]domain.AvatarModel)}
}

func (m *MemoryModelStore) UpsertModel(_ context.Context, model domain.AvatarModel) (domain.AvatarModel, error) {
	if model.AvatarID == "" {
		return domain.AvatarModel{}, fmt.Errorf("avatarId required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var prevRef *domain.AvatarModel
	if prev, ok := m.models[model.AvatarID]; ok {
		prevRef = &prev
	}
	model = applyVersioning(model, prevRef)
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	m.models[model.AvatarID] = model
	return model, nil
}

func (m *MemoryModelStore) GetModelByAvatar(_ context.Context, avatarID string) (domain.AvatarModel, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[avatarID]
	return model, ok, nil
}

func (m *MemoryModelStore) DeleteModel(_ context.Context, avatarID string) error {
	m.mu.Lock()
	delete(m.models, avatarID)
	m.mu.Unlock()
	return nil
}
