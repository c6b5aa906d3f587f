package modelstore

import (
	"context"

	"avatarforge/internal/util"
	"avatarforge/pkg/domain"
)

// ModelStore persists the heavy AvatarModel documents, one per avatar.
// Upsert assigns version bookkeeping: replacing an existing document
// increments Version and records the replaced document's ID in
// PreviousVersionID.
type ModelStore interface {
	UpsertModel(ctx context.Context, model domain.AvatarModel) (domain.AvatarModel, error)
	GetModelByAvatar(ctx context.Context, avatarID string) (domain.AvatarModel, bool, error)
	DeleteModel(ctx context.Context, avatarID string) error
}

// applyVersioning stamps identity and version fields onto the incoming
// model given the previous document (if any).
func applyVersioning(model domain.AvatarModel, prev *domain.AvatarModel) domain.AvatarModel {
	if model.ID == "" {
		model.ID = util.NewID()
	}
	if prev == nil {
		model.Version = 1
		model.PreviousVersionID = ""
		return model
	}
	model.Version = prev.Version + 1
	model.PreviousVersionID = prev.ID
	if model.CreatedAt.IsZero() {
		model.CreatedAt = prev.CreatedAt
	}
	return model
}
