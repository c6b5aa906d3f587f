package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"avatarforge/internal/util"
	"avatarforge/pkg/domain"
	"avatarforge/pkg/events"
	"avatarforge/pkg/inference"
	"avatarforge/pkg/modelstore"
	"avatarforge/pkg/queue"
	"avatarforge/pkg/storage"
	"avatarforge/pkg/store"
)

type fakeML struct {
	landmarks   domain.Landmarks
	measurement domain.Measurement
	bodyType    inference.BodyTypeResult

	removeErr   error
	poseErr     error
	extractErr  error
	classifyErr error

	extractCalls  int
	classifyCalls int

	onDetectPose func()
}

func (f *fakeML) RemoveBackground(ctx context.Context, photos []inference.PhotoRef) ([]inference.ProcessedPhoto, error) {
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	out := make([]inference.ProcessedPhoto, len(photos))
	for i, p := range photos {
		out[i] = inference.ProcessedPhoto{
			URL:         fmt.Sprintf("http://ml.local/processed/%d.png", i),
			Type:        p.Type,
			MaskQuality: 0.93,
		}
	}
	return out, nil
}

func (f *fakeML) DetectPose(ctx context.Context, photos []inference.ProcessedPhoto) (domain.Landmarks, error) {
	if f.onDetectPose != nil {
		f.onDetectPose()
	}
	if f.poseErr != nil {
		return domain.Landmarks{}, f.poseErr
	}
	return f.landmarks, nil
}

func (f *fakeML) ExtractMeasurements(ctx context.Context, landmarks domain.Landmarks, photo *inference.ProcessedPhoto, unit domain.MeasurementUnit) (domain.Measurement, error) {
	f.extractCalls++
	if f.extractErr != nil {
		return domain.Measurement{}, f.extractErr
	}
	m := f.measurement
	m.Unit = unit
	return m, nil
}

func (f *fakeML) ClassifyBodyType(ctx context.Context, m domain.Measurement) (inference.BodyTypeResult, error) {
	f.classifyCalls++
	if f.classifyErr != nil {
		return inference.BodyTypeResult{}, f.classifyErr
	}
	return f.bodyType, nil
}

func (f *fakeML) FetchPhoto(ctx context.Context, url string) ([]byte, error) {
	return []byte("fake-png-bytes"), nil
}

func goodLandmarks(confidence float64) domain.Landmarks {
	points := make([]domain.LandmarkPoint, 33)
	for i := range points {
		points[i] = domain.LandmarkPoint{
			X: float64(i), Y: float64(i) * 2, Z: 0.1,
			Confidence: confidence,
			Name:       fmt.Sprintf("landmark_%d", i),
		}
	}
	return domain.Landmarks{Points: points, AverageConfidence: confidence}
}

func goodMeasurement() domain.Measurement {
	return domain.Measurement{
		Unit:               domain.UnitMetric,
		Height:             175,
		ShoulderWidth:      45,
		ChestCircumference: 98,
		WaistCircumference: 80,
		HipCircumference:   100,
		NeckCircumference:  38,
		ThighCircumference: 55,
		ArmLength:          60,
		Inseam:             78,
		ConfidenceScore:    0.92,
	}
}

type env struct {
	store   *store.MemoryStore
	models  *modelstore.MemoryModelStore
	objects *storage.MemoryObjectStore
	ml      *fakeML
	bus     *events.Broadcaster
	orch    *Orchestrator
}

func newEnv() *env {
	e := &env{
		store:   store.NewMemoryStore(),
		models:  modelstore.NewMemoryModelStore(),
		objects: storage.NewMemoryObjectStore(),
		ml: &fakeML{
			landmarks:   goodLandmarks(0.9),
			measurement: goodMeasurement(),
			bodyType:    inference.BodyTypeResult{BodyType: domain.BodyHourglass, Confidence: 0.88},
		},
		bus: events.NewBroadcaster(),
	}
	e.orch = NewOrchestrator(Config{
		Store:     e.store,
		Models:    e.models,
		Objects:   e.objects,
		Inference: e.ml,
		Events:    e.bus,
	})
	return e
}

func (e *env) seedAvatar(t *testing.T, source domain.AvatarSource) string {
	t.Helper()
	a := domain.Avatar{
		ID:      util.NewID(),
		OwnerID: "user-1",
		Name:    "My Avatar",
		Status:  domain.AvatarPending,
		Source:  source,
	}
	if err := e.store.SaveAvatar(a); err != nil {
		t.Fatalf("seed avatar: %v", err)
	}
	return a.ID
}

func (e *env) seedPhotos(t *testing.T, avatarID string) []string {
	t.Helper()
	ids := make([]string, 0, 3)
	for _, typ := range []domain.PhotoType{domain.PhotoFront, domain.PhotoSide, domain.PhotoBack} {
		p := domain.Photo{
			ID:          util.NewID(),
			AvatarID:    avatarID,
			Type:        typ,
			Status:      domain.PhotoUploaded,
			OriginalURL: fmt.Sprintf("http://store.local/originals/%s.jpg", typ),
		}
		if err := e.store.SavePhoto(p); err != nil {
			t.Fatalf("seed photo: %v", err)
		}
		ids = append(ids, p.ID)
	}
	return ids
}

func (e *env) seedJob(t *testing.T, avatarID string, jobType domain.JobType, input domain.JobInput) string {
	t.Helper()
	j := domain.ProcessingJob{
		ID:          util.NewID(),
		AvatarID:    avatarID,
		OwnerID:     "user-1",
		JobType:     jobType,
		Status:      domain.JobQueued,
		MaxAttempts: 3,
		InputData:   input,
	}
	if err := e.store.SaveJob(j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j.ID
}

func TestPhotoJobRunsToCompletion(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourcePhotoBased)
	e.seedPhotos(t, avatarID)
	jobID := e.seedJob(t, avatarID, domain.JobPhotoAvatar, domain.JobInput{Unit: domain.UnitMetric})

	if err := e.orch.Execute(context.Background(), jobID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	a, ok, _ := e.store.GetAvatar(avatarID)
	if !ok {
		t.Fatal("avatar disappeared")
	}
	if a.Status != domain.AvatarReady {
		t.Fatalf("avatar status = %s, want READY", a.Status)
	}
	if a.ProcessingProgress != 100 {
		t.Fatalf("avatar progress = %d, want 100", a.ProcessingProgress)
	}
	if a.ModelURL == "" {
		t.Fatal("avatar model URL not set")
	}
	if a.BodyType != domain.BodyHourglass {
		t.Fatalf("avatar body type = %s, want hourglass", a.BodyType)
	}

	m, ok, _ := e.store.GetMeasurementByAvatar(avatarID)
	if !ok {
		t.Fatal("measurements not persisted")
	}
	if m.Source != domain.MeasurementAuto {
		t.Fatalf("measurement source = %s, want auto", m.Source)
	}
	if m.Landmarks == nil || len(m.Landmarks.Points) != 33 {
		t.Fatal("landmarks not attached to measurements")
	}

	model, ok, _ := e.models.GetModelByAvatar(context.Background(), avatarID)
	if !ok {
		t.Fatal("model document not stored")
	}
	if model.Version != 1 {
		t.Fatalf("model version = %d, want 1", model.Version)
	}
	if model.Mesh.VertexCount == 0 {
		t.Fatal("generated mesh has no vertices")
	}
	if len(model.LODs) != 3 {
		t.Fatalf("lod count = %d, want 3", len(model.LODs))
	}

	j, _, _ := e.store.GetJob(jobID)
	if j.Status != domain.JobCompleted {
		t.Fatalf("job status = %s, want COMPLETED", j.Status)
	}
	if j.AttemptNumber != 1 {
		t.Fatalf("attempt number = %d, want 1", j.AttemptNumber)
	}
	if j.ProcessingDurationMs <= 0 {
		t.Fatalf("processing duration = %d, want > 0", j.ProcessingDurationMs)
	}
	if j.ResultData == nil || j.ResultData.MeshVertexCount == 0 {
		t.Fatal("job result data incomplete")
	}

	photos, _ := e.store.ListPhotosByAvatar(avatarID)
	for _, p := range photos {
		if p.Status != domain.PhotoProcessed {
			t.Fatalf("photo %s status = %s, want processed", p.ID, p.Status)
		}
		if p.ProcessedURL == "" {
			t.Fatalf("photo %s has no processed URL", p.ID)
		}
	}

	// 3 cached processed photos + 3 model LOD artifacts
	if got := e.objects.Len(); got != 6 {
		t.Fatalf("object store holds %d objects, want 6", got)
	}
}

func TestLowPoseConfidenceFailsBeforeExtraction(t *testing.T) {
	e := newEnv()
	e.ml.landmarks = goodLandmarks(0.5)
	avatarID := e.seedAvatar(t, domain.SourcePhotoBased)
	e.seedPhotos(t, avatarID)
	jobID := e.seedJob(t, avatarID, domain.JobPhotoAvatar, domain.JobInput{Unit: domain.UnitMetric})

	err := e.orch.Execute(context.Background(), jobID)
	if err == nil {
		t.Fatal("Execute succeeded with low pose confidence")
	}
	if queue.IsPermanent(err) {
		t.Fatal("collaborator failure should stay retryable")
	}
	if e.ml.extractCalls != 0 {
		t.Fatalf("measurement extraction called %d times after failed gate", e.ml.extractCalls)
	}

	j, _, _ := e.store.GetJob(jobID)
	if j.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want FAILED", j.Status)
	}
	if j.ErrorCode != "POSE_CONFIDENCE_LOW" {
		t.Fatalf("error code = %s, want POSE_CONFIDENCE_LOW", j.ErrorCode)
	}
	a, _, _ := e.store.GetAvatar(avatarID)
	if a.Status != domain.AvatarError {
		t.Fatalf("avatar status = %s, want ERROR", a.Status)
	}
	if a.ErrorMessage == "" {
		t.Fatal("avatar error message not set")
	}
}

func TestClassificationFailureIsRetryable(t *testing.T) {
	e := newEnv()
	e.ml.classifyErr = errors.New("ml service timeout")
	avatarID := e.seedAvatar(t, domain.SourcePhotoBased)
	e.seedPhotos(t, avatarID)
	jobID := e.seedJob(t, avatarID, domain.JobPhotoAvatar, domain.JobInput{Unit: domain.UnitMetric})

	err := e.orch.Execute(context.Background(), jobID)
	if err == nil {
		t.Fatal("Execute succeeded despite classification failure")
	}
	if queue.IsPermanent(err) {
		t.Fatal("classification failure should be retryable")
	}

	j, _, _ := e.store.GetJob(jobID)
	if j.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want FAILED", j.Status)
	}
	if j.ErrorCode != "BODY_CLASSIFICATION_FAILED" {
		t.Fatalf("error code = %s, want BODY_CLASSIFICATION_FAILED", j.ErrorCode)
	}
	if j.AttemptNumber != 1 {
		t.Fatalf("attempt number = %d, want 1", j.AttemptNumber)
	}
}

func TestMeasurementJobRunsToCompletion(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourceMeasurementBased)
	in := goodMeasurement()
	jobID := e.seedJob(t, avatarID, domain.JobMeasurementAvatar,
		domain.JobInput{Measurements: &in, Unit: domain.UnitMetric})

	if err := e.orch.Execute(context.Background(), jobID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	a, _, _ := e.store.GetAvatar(avatarID)
	if a.Status != domain.AvatarReady {
		t.Fatalf("avatar status = %s, want READY", a.Status)
	}
	m, ok, _ := e.store.GetMeasurementByAvatar(avatarID)
	if !ok {
		t.Fatal("measurements not persisted")
	}
	if m.Source != domain.MeasurementManual {
		t.Fatalf("measurement source = %s, want manual", m.Source)
	}
	if e.ml.classifyCalls != 1 {
		t.Fatalf("classify called %d times, want 1", e.ml.classifyCalls)
	}
	model, ok, _ := e.models.GetModelByAvatar(context.Background(), avatarID)
	if !ok || model.Version != 1 {
		t.Fatalf("model version = %d (found=%v), want 1", model.Version, ok)
	}
}

func TestMeasurementJobWithoutPayloadFailsPermanently(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourceMeasurementBased)
	jobID := e.seedJob(t, avatarID, domain.JobMeasurementAvatar, domain.JobInput{Unit: domain.UnitMetric})

	err := e.orch.Execute(context.Background(), jobID)
	if err == nil {
		t.Fatal("Execute succeeded without measurements")
	}
	if !queue.IsPermanent(err) {
		t.Fatal("validation failure should be permanent")
	}
	j, _, _ := e.store.GetJob(jobID)
	if j.ErrorCode != "NO_MEASUREMENTS" {
		t.Fatalf("error code = %s, want NO_MEASUREMENTS", j.ErrorCode)
	}
}

func TestRegenerationBumpsModelVersion(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourceMeasurementBased)
	in := goodMeasurement()
	firstJob := e.seedJob(t, avatarID, domain.JobMeasurementAvatar,
		domain.JobInput{Measurements: &in, Unit: domain.UnitMetric})
	if err := e.orch.Execute(context.Background(), firstJob); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	model1, _, _ := e.models.GetModelByAvatar(context.Background(), avatarID)
	meas1, _, _ := e.store.GetMeasurementByAvatar(avatarID)

	regenJob := e.seedJob(t, avatarID, domain.JobModelRegeneration, domain.JobInput{})
	if err := e.orch.Execute(context.Background(), regenJob); err != nil {
		t.Fatalf("regeneration Execute: %v", err)
	}

	model2, _, _ := e.models.GetModelByAvatar(context.Background(), avatarID)
	if model2.Version != 2 {
		t.Fatalf("model version = %d, want 2", model2.Version)
	}
	if model2.PreviousVersionID != model1.ID {
		t.Fatalf("previous version id = %s, want %s", model2.PreviousVersionID, model1.ID)
	}

	meas2, _, _ := e.store.GetMeasurementByAvatar(avatarID)
	if !meas2.UpdatedAt.Equal(meas1.UpdatedAt) {
		t.Fatal("regeneration must not rewrite the measurement record")
	}
	if e.ml.classifyCalls != 1 {
		t.Fatalf("classify called %d times, want 1 (regeneration skips classification)", e.ml.classifyCalls)
	}

	a, _, _ := e.store.GetAvatar(avatarID)
	if a.Status != domain.AvatarReady {
		t.Fatalf("avatar status = %s, want READY", a.Status)
	}
}

func TestRegenerationWithoutMeasurementsFailsPermanently(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourceMeasurementBased)
	jobID := e.seedJob(t, avatarID, domain.JobModelRegeneration, domain.JobInput{})

	err := e.orch.Execute(context.Background(), jobID)
	if err == nil {
		t.Fatal("Execute succeeded without stored measurements")
	}
	if !queue.IsPermanent(err) {
		t.Fatal("missing measurements should be a permanent failure")
	}
	j, _, _ := e.store.GetJob(jobID)
	if j.ErrorCode != "MEASUREMENTS_MISSING" {
		t.Fatalf("error code = %s, want MEASUREMENTS_MISSING", j.ErrorCode)
	}
}

func TestCancellationStopsBetweenSteps(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourcePhotoBased)
	e.seedPhotos(t, avatarID)
	jobID := e.seedJob(t, avatarID, domain.JobPhotoAvatar, domain.JobInput{Unit: domain.UnitMetric})

	e.ml.onDetectPose = func() {
		if err := e.store.CancelJob(jobID); err != nil {
			t.Errorf("cancel job: %v", err)
		}
	}

	if err := e.orch.Execute(context.Background(), jobID); err != nil {
		t.Fatalf("Execute after cancel: %v", err)
	}
	if e.ml.extractCalls != 0 {
		t.Fatalf("extraction ran %d times after cancellation", e.ml.extractCalls)
	}

	j, _, _ := e.store.GetJob(jobID)
	if j.Status != domain.JobCancelled {
		t.Fatalf("job status = %s, want CANCELLED", j.Status)
	}
	a, _, _ := e.store.GetAvatar(avatarID)
	if a.Status != domain.AvatarPending {
		t.Fatalf("avatar status = %s, want PENDING", a.Status)
	}
	if a.ProcessingMessage != "Processing cancelled" {
		t.Fatalf("avatar message = %q, want %q", a.ProcessingMessage, "Processing cancelled")
	}
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	e := newEnv()
	avatarID := e.seedAvatar(t, domain.SourcePhotoBased)
	e.seedPhotos(t, avatarID)
	jobID := e.seedJob(t, avatarID, domain.JobPhotoAvatar, domain.JobInput{Unit: domain.UnitMetric})

	sub := e.bus.Subscribe(avatarID)
	defer sub.Close()

	if err := e.orch.Execute(context.Background(), jobID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got []events.Event
drain:
	for {
		select {
		case evt := <-sub.C:
			got = append(got, evt)
		default:
			break drain
		}
	}
	if len(got) < 2 {
		t.Fatalf("received %d events, want at least 2", len(got))
	}
	last := -1
	for _, evt := range got {
		if evt.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", evt.Progress, last)
		}
		last = evt.Progress
	}
	final := got[len(got)-1]
	if final.Type != events.EventCompleted || final.Progress != 100 {
		t.Fatalf("final event = %s at %d%%, want completed at 100%%", final.Type, final.Progress)
	}
}
