package modelstore

import (
	"context"
	"testing"

	"avatarforge/pkg/domain"
)

func testModel(avatarID string) domain.AvatarModel {
	return domain.AvatarModel{
		AvatarID: avatarID,
		Mesh:     domain.MeshData{Vertices: []float32{0, 0, 0}, VertexCount: 1},
	}
}

func TestUpsertAssignsVersionOne(t *testing.T) {
	s := NewMemoryModelStore()
	saved, err := s.UpsertModel(context.Background(), testModel("av-1"))
	if err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("id not assigned")
	}
	if saved.Version != 1 {
		t.Fatalf("version = %d, want 1", saved.Version)
	}
	if saved.PreviousVersionID != "" {
		t.Fatalf("previousVersionId = %q, want empty", saved.PreviousVersionID)
	}
}

func TestUpsertReplacesAndChainsVersions(t *testing.T) {
	s := NewMemoryModelStore()
	v1, err := s.UpsertModel(context.Background(), testModel("av-1"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	v2, err := s.UpsertModel(context.Background(), testModel("av-1"))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("version = %d, want 2", v2.Version)
	}
	if v2.PreviousVersionID != v1.ID {
		t.Fatalf("previousVersionId = %q, want %q", v2.PreviousVersionID, v1.ID)
	}

	got, found, err := s.GetModelByAvatar(context.Background(), "av-1")
	if err != nil || !found {
		t.Fatalf("GetModelByAvatar: found=%v err=%v", found, err)
	}
	if got.ID != v2.ID {
		t.Fatalf("current model = %s, want %s", got.ID, v2.ID)
	}
}

func TestDeleteModel(t *testing.T) {
	s := NewMemoryModelStore()
	if _, err := s.UpsertModel(context.Background(), testModel("av-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteModel(context.Background(), "av-1"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if _, found, _ := s.GetModelByAvatar(context.Background(), "av-1"); found {
		t.Fatal("model still present after delete")
	}
}

func TestUpsertRequiresAvatarID(t *testing.T) {
	s := NewMemoryModelStore()
	if _, err := s.UpsertModel(context.Background(), domain.AvatarModel{}); err == nil {
		t.Fatal("expected error for missing avatarId")
	}
}
