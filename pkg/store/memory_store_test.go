package store

import (
	"testing"

	"avatarforge/pkg/domain"
)

func seedAvatar(t *testing.T, s *MemoryStore, id string, status domain.AvatarStatus) {
	t.Helper()
	if err := s.SaveAvatar(domain.Avatar{ID: id, OwnerID: "user-1", Status: status}); err != nil {
		t.Fatalf("seed avatar: %v", err)
	}
}

func TestCASAvatarStatusSwapsOnlyFromAllowedStates(t *testing.T) {
	s := NewMemoryStore()
	seedAvatar(t, s, "av-1", domain.AvatarReady)

	ok, err := s.CASAvatarStatus("av-1", []domain.AvatarStatus{domain.AvatarPending, domain.AvatarReady}, domain.AvatarProcessing)
	if err != nil || !ok {
		t.Fatalf("CAS from READY: ok=%v err=%v, want swap", ok, err)
	}
	a, _, _ := s.GetAvatar("av-1")
	if a.Status != domain.AvatarProcessing {
		t.Fatalf("status = %s, want PROCESSING", a.Status)
	}

	ok, err = s.CASAvatarStatus("av-1", []domain.AvatarStatus{domain.AvatarPending, domain.AvatarReady}, domain.AvatarProcessing)
	if err != nil {
		t.Fatalf("second CAS: %v", err)
	}
	if ok {
		t.Fatal("CAS swapped from PROCESSING, want refusal")
	}

	if ok, _ := s.CASAvatarStatus("missing", []domain.AvatarStatus{domain.AvatarPending}, domain.AvatarProcessing); ok {
		t.Fatal("CAS swapped a missing avatar")
	}
}

func TestSoftDeleteHidesAvatar(t *testing.T) {
	s := NewMemoryStore()
	seedAvatar(t, s, "av-1", domain.AvatarReady)
	if err := s.SoftDeleteAvatar("av-1"); err != nil {
		t.Fatalf("SoftDeleteAvatar: %v", err)
	}
	if _, ok, _ := s.GetAvatar("av-1"); ok {
		t.Fatal("deleted avatar still visible")
	}
	avatars, _ := s.ListAvatarsByOwner("user-1")
	if len(avatars) != 0 {
		t.Fatalf("owner listing returned %d avatars, want 0", len(avatars))
	}
}

func TestSetDefaultAvatarIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	seedAvatar(t, s, "av-1", domain.AvatarReady)
	seedAvatar(t, s, "av-2", domain.AvatarReady)

	if err := s.SetDefaultAvatar("user-1", "av-1"); err != nil {
		t.Fatalf("SetDefaultAvatar: %v", err)
	}
	if err := s.SetDefaultAvatar("user-1", "av-2"); err != nil {
		t.Fatalf("SetDefaultAvatar: %v", err)
	}
	a1, _, _ := s.GetAvatar("av-1")
	a2, _, _ := s.GetAvatar("av-2")
	if a1.IsDefault || !a2.IsDefault {
		t.Fatalf("defaults = %v/%v, want false/true", a1.IsDefault, a2.IsDefault)
	}
}

func TestUpsertMeasurementKeepsIdentity(t *testing.T) {
	s := NewMemoryStore()
	first, err := s.UpsertMeasurement(domain.Measurement{AvatarID: "av-1", Unit: domain.UnitMetric, Height: 170})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("id not assigned")
	}
	second, err := s.UpsertMeasurement(domain.Measurement{AvatarID: "av-1", Unit: domain.UnitMetric, Height: 175})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed id: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("upsert changed createdAt")
	}
	got, ok, _ := s.GetMeasurementByAvatar("av-1")
	if !ok || got.Height != 175 {
		t.Fatalf("measurement = %+v (found=%v), want height 175", got, ok)
	}
}

func TestStartJobAttemptIncrementsAndClearsError(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveJob(domain.ProcessingJob{ID: "job-1", AvatarID: "av-1", Status: domain.JobQueued, MaxAttempts: 3}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := s.FailJob("job-1", "POSE_DETECTION_FAILED", "ml down", 10); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	j, err := s.StartJobAttempt("job-1")
	if err != nil {
		t.Fatalf("StartJobAttempt: %v", err)
	}
	if j.AttemptNumber != 1 {
		t.Fatalf("attempt = %d, want 1", j.AttemptNumber)
	}
	if j.Status != domain.JobProcessing {
		t.Fatalf("status = %s, want PROCESSING", j.Status)
	}
	if j.ErrorCode != "" || j.ErrorMessage != "" {
		t.Fatalf("error fields not cleared: %q/%q", j.ErrorCode, j.ErrorMessage)
	}
	if j.StartedAt == nil {
		t.Fatal("startedAt not stamped")
	}

	j2, err := s.StartJobAttempt("job-1")
	if err != nil {
		t.Fatalf("second StartJobAttempt: %v", err)
	}
	if j2.AttemptNumber != 2 {
		t.Fatalf("attempt = %d, want 2", j2.AttemptNumber)
	}

	if _, err := s.StartJobAttempt("missing"); err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestActiveJobLookup(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveJob(domain.ProcessingJob{ID: "job-1", AvatarID: "av-1", Status: domain.JobCompleted}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, found, _ := s.GetActiveJobByAvatar("av-1"); found {
		t.Fatal("completed job reported active")
	}
	if err := s.SaveJob(domain.ProcessingJob{ID: "job-2", AvatarID: "av-1", Status: domain.JobQueued}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	job, found, _ := s.GetActiveJobByAvatar("av-1")
	if !found || job.ID != "job-2" {
		t.Fatalf("active job = %+v (found=%v), want job-2", job, found)
	}

	latest, found, _ := s.GetLatestJobByAvatar("av-1")
	if !found || latest.ID == "" {
		t.Fatal("latest job lookup failed")
	}
}

func TestCompleteJobRecordsResult(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveJob(domain.ProcessingJob{ID: "job-1", AvatarID: "av-1", Status: domain.JobProcessing}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	result := domain.JobResult{ModelURL: "http://store/model", BodyType: domain.BodyPear, ModelVersion: 1, MeshVertexCount: 432}
	if err := s.CompleteJob("job-1", result, 1200); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	j, _, _ := s.GetJob("job-1")
	if j.Status != domain.JobCompleted || j.Progress != 100 {
		t.Fatalf("job = %s at %d%%, want COMPLETED at 100", j.Status, j.Progress)
	}
	if j.ResultData == nil || j.ResultData.MeshVertexCount != 432 {
		t.Fatalf("result data = %+v, want vertex count 432", j.ResultData)
	}
	if j.ProcessingDurationMs != 1200 || j.CompletedAt == nil {
		t.Fatal("completion bookkeeping missing")
	}
}
