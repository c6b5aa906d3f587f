package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"avatarforge/pkg/domain"
	"avatarforge/pkg/inference"
)

// Step is one unit of pipeline work. Weight is the progress percentage
// reported once the step completes; the terminal step writes the
// completion records itself.
type Step struct {
	Name     string
	Label    string
	Weight   int
	Terminal bool
	Run      func(ctx context.Context, sc *stepContext) error
}

// stepContext carries intermediate results across the steps of one
// attempt. It never outlives the attempt.
type stepContext struct {
	job       *domain.ProcessingJob
	avatar    *domain.Avatar
	startedAt time.Time

	photos      []domain.Photo
	processed   []inference.ProcessedPhoto
	landmarks   domain.Landmarks
	measurement *domain.Measurement
	bodyType    inference.BodyTypeResult
	model       *domain.AvatarModel
	modelURL    string
}

func (o *Orchestrator) stepsFor(jobType domain.JobType) []Step {
	switch jobType {
	case domain.JobMeasurementAvatar:
		return []Step{
			{Name: "acquire_measurements", Label: "Validating measurements", Weight: 10, Run: o.acquireManualMeasurements},
			{Name: "body_classification", Label: "Classifying body type", Weight: 70, Run: o.classifyBodyType},
			{Name: "persist_measurements", Label: "Saving measurements", Weight: 80, Run: o.persistMeasurements},
			{Name: "model_generation", Label: "Generating 3D model", Weight: 85, Run: o.generateModel},
			{Name: "model_optimization", Label: "Optimizing model", Weight: 90, Run: o.optimizeModel},
			{Name: "model_upload", Label: "Uploading model", Weight: 95, Run: o.uploadModel},
			{Name: "finalize", Label: "Finalizing avatar", Weight: 100, Terminal: true, Run: o.finalize},
		}
	case domain.JobModelRegeneration:
		return []Step{
			{Name: "load_measurements", Label: "Loading measurements", Weight: 10, Run: o.loadSavedMeasurements},
			{Name: "model_generation", Label: "Generating 3D model", Weight: 85, Run: o.generateModel},
			{Name: "model_optimization", Label: "Optimizing model", Weight: 90, Run: o.optimizeModel},
			{Name: "model_upload", Label: "Uploading model", Weight: 95, Run: o.uploadModel},
			{Name: "finalize", Label: "Finalizing avatar", Weight: 100, Terminal: true, Run: o.finalize},
		}
	default:
		return []Step{
			{Name: "acquire_inputs", Label: "Preparing photos", Weight: 10, Run: o.acquirePhotoInputs},
			{Name: "background_removal", Label: "Removing photo backgrounds", Weight: 20, Run: o.removeBackground},
			{Name: "pose_detection", Label: "Detecting body pose", Weight: 40, Run: o.detectPose},
			{Name: "measurement_extraction", Label: "Extracting measurements", Weight: 60, Run: o.extractMeasurements},
			{Name: "body_classification", Label: "Classifying body type", Weight: 70, Run: o.classifyBodyType},
			{Name: "persist_measurements", Label: "Saving measurements", Weight: 80, Run: o.persistMeasurements},
			{Name: "model_generation", Label: "Generating 3D model", Weight: 85, Run: o.generateModel},
			{Name: "model_optimization", Label: "Optimizing model", Weight: 90, Run: o.optimizeModel},
			{Name: "model_upload", Label: "Uploading model", Weight: 95, Run: o.uploadModel},
			{Name: "finalize", Label: "Finalizing avatar", Weight: 100, Terminal: true, Run: o.finalize},
		}
	}
}

func (o *Orchestrator) acquirePhotoInputs(ctx context.Context, sc *stepContext) error {
	photos, err := o.store.ListPhotosByAvatar(sc.avatar.ID)
	if err != nil {
		return fmt.Errorf("list photos: %w", err)
	}
	if ids := sc.job.InputData.PhotoIDs; len(ids) > 0 {
		wanted := make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		filtered := photos[:0]
		for _, p := range photos {
			if wanted[p.ID] {
				filtered = append(filtered, p)
			}
		}
		photos = filtered
	}
	if len(photos) == 0 {
		return ValidationFailure("NO_INPUT_PHOTOS", fmt.Errorf("avatar %s has no photos to process", sc.avatar.ID))
	}
	for _, p := range photos {
		if err := o.store.SetPhotoStatus(p.ID, domain.PhotoProcessing); err != nil {
			return fmt.Errorf("mark photo processing: %w", err)
		}
	}
	sc.photos = photos
	return nil
}

func (o *Orchestrator) removeBackground(ctx context.Context, sc *stepContext) error {
	refs := make([]inference.PhotoRef, len(sc.photos))
	for i, p := range sc.photos {
		refs[i] = inference.PhotoRef{URL: p.OriginalURL, Type: p.Type}
	}
	processed, err := o.ml.RemoveBackground(ctx, refs)
	if err != nil {
		return CollaboratorFailure("BACKGROUND_REMOVAL_FAILED", err)
	}
	if len(processed) != len(sc.photos) {
		return CollaboratorFailure("BACKGROUND_REMOVAL_FAILED",
			fmt.Errorf("got %d processed photos for %d inputs", len(processed), len(sc.photos)))
	}

	// Cache processed images in our own object storage so later steps
	// do not depend on the ML service keeping them around. A failed
	// copy keeps the ML-hosted URL and is not fatal.
	urls := make([]string, len(processed))
	keys := make([]string, len(processed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range processed {
		g.Go(func() error {
			key := fmt.Sprintf("avatars/%s/processed/%s.png", sc.avatar.ID, sc.photos[i].ID)
			data, err := o.ml.FetchPhoto(gctx, processed[i].URL)
			if err == nil {
				var url string
				url, err = o.objects.Put(gctx, key, bytes.NewReader(data), int64(len(data)), "image/png")
				if err == nil {
					urls[i], keys[i] = url, key
					return nil
				}
			}
			slog.Warn("processed photo cache copy failed", "photo_id", sc.photos[i].ID, "error", err)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range sc.photos {
		url, key := urls[i], keys[i]
		if url == "" {
			url = processed[i].URL
		}
		validation := &domain.PhotoValidation{Valid: true, MaskQuality: processed[i].MaskQuality}
		if err := o.store.SetPhotoProcessed(p.ID, key, url, validation); err != nil {
			return fmt.Errorf("save processed photo: %w", err)
		}
		processed[i].URL = url
	}
	sc.processed = processed
	return nil
}

const (
	minPoseLandmarks  = 33
	minPoseConfidence = 0.6
)

func (o *Orchestrator) detectPose(ctx context.Context, sc *stepContext) error {
	lm, err := o.ml.DetectPose(ctx, sc.processed)
	if err != nil {
		return CollaboratorFailure("POSE_DETECTION_FAILED", err)
	}
	if len(lm.Points) < minPoseLandmarks {
		return CollaboratorFailure("POSE_INCOMPLETE",
			fmt.Errorf("detected %d landmarks, need %d", len(lm.Points), minPoseLandmarks))
	}
	if lm.AverageConfidence < minPoseConfidence {
		return CollaboratorFailure("POSE_CONFIDENCE_LOW",
			fmt.Errorf("average confidence %.2f below %.2f", lm.AverageConfidence, minPoseConfidence))
	}
	sc.landmarks = lm
	return nil
}

func (o *Orchestrator) extractMeasurements(ctx context.Context, sc *stepContext) error {
	unit := sc.job.InputData.Unit
	if unit == "" {
		unit = domain.UnitMetric
	}
	m, err := o.ml.ExtractMeasurements(ctx, sc.landmarks, frontPhoto(sc.processed), unit)
	if err != nil {
		return CollaboratorFailure("MEASUREMENT_EXTRACTION_FAILED", err)
	}
	if err := validateMeasurements(m); err != nil {
		return CollaboratorFailure("MEASUREMENTS_OUT_OF_RANGE", err)
	}
	m.AvatarID = sc.avatar.ID
	m.Source = domain.MeasurementAuto
	lm := sc.landmarks
	m.Landmarks = &lm
	sc.measurement = &m
	return nil
}

func frontPhoto(photos []inference.ProcessedPhoto) *inference.ProcessedPhoto {
	for i := range photos {
		if photos[i].Type == domain.PhotoFront {
			return &photos[i]
		}
	}
	if len(photos) > 0 {
		return &photos[0]
	}
	return nil
}

func (o *Orchestrator) classifyBodyType(ctx context.Context, sc *stepContext) error {
	res, err := o.ml.ClassifyBodyType(ctx, *sc.measurement)
	if err != nil {
		return CollaboratorFailure("BODY_CLASSIFICATION_FAILED", err)
	}
	sc.bodyType = res
	return nil
}

func (o *Orchestrator) persistMeasurements(ctx context.Context, sc *stepContext) error {
	saved, err := o.store.UpsertMeasurement(*sc.measurement)
	if err != nil {
		return fmt.Errorf("save measurements: %w", err)
	}
	sc.measurement = &saved
	return nil
}

func (o *Orchestrator) generateModel(ctx context.Context, sc *stepContext) error {
	started := time.Now()
	model := buildModel(sc.avatar.ID, *sc.measurement)
	model.Metadata.DurationMs = time.Since(started).Milliseconds()
	model.MorphTargets = morphTargetsFor(sc.job.InputData.Customization)
	sc.model = &model
	return nil
}

func morphTargetsFor(custom map[string]string) []domain.MorphTarget {
	if len(custom) == 0 {
		return nil
	}
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	targets := make([]domain.MorphTarget, 0, len(names))
	for _, name := range names {
		weight := 1.0
		if v, err := strconv.ParseFloat(custom[name], 64); err == nil {
			weight = v
		}
		targets = append(targets, domain.MorphTarget{Name: name, Weight: weight})
	}
	return targets
}

func (o *Orchestrator) optimizeModel(ctx context.Context, sc *stepContext) error {
	sc.model.LODs = buildLODs(sc.model.Mesh)
	sc.model.Quality.LODCount = len(sc.model.LODs)
	return nil
}

func (o *Orchestrator) uploadModel(ctx context.Context, sc *stepContext) error {
	model := sc.model
	meshes := make([]domain.MeshData, len(model.LODs))
	for i := range model.LODs {
		lod := &model.LODs[i]
		lod.StorageKey = fmt.Sprintf("avatars/%s/model/lod%d.json", sc.avatar.ID, lod.Level)
		meshes[i] = decimateMesh(model.Mesh, lod.TriangleRatio)
	}

	urls := make([]string, len(model.LODs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range model.LODs {
		g.Go(func() error {
			payload, err := json.Marshal(meshes[i])
			if err != nil {
				return err
			}
			url, err := o.objects.Put(gctx, model.LODs[i].StorageKey, bytes.NewReader(payload), int64(len(payload)), "application/json")
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CollaboratorFailure("MODEL_UPLOAD_FAILED", err)
	}
	// level 0 is the full-resolution mesh
	sc.modelURL = urls[0]

	// The document write comes last so a stored model always references
	// artifacts that exist in object storage.
	saved, err := o.models.UpsertModel(ctx, *model)
	if err != nil {
		return TransientFailure("MODEL_PERSIST_FAILED", err)
	}
	sc.model = &saved
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, sc *stepContext) error {
	bodyType := sc.bodyType.BodyType
	confidence := sc.bodyType.Confidence
	if bodyType == "" {
		// regeneration reuses the classification already on the avatar
		bodyType = sc.avatar.BodyType
		confidence = sc.avatar.ConfidenceScore
	}
	durationMs := time.Since(sc.startedAt).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	result := domain.JobResult{
		ModelURL:        sc.modelURL,
		BodyType:        bodyType,
		ConfidenceScore: confidence,
		ModelVersion:    sc.model.Version,
		MeshVertexCount: sc.model.Mesh.VertexCount,
	}
	if err := o.store.CompleteJob(sc.job.ID, result, durationMs); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := o.store.CompleteAvatar(sc.avatar.ID, sc.modelURL, bodyType, confidence); err != nil {
		return fmt.Errorf("complete avatar: %w", err)
	}
	return nil
}

func (o *Orchestrator) acquireManualMeasurements(ctx context.Context, sc *stepContext) error {
	in := sc.job.InputData.Measurements
	if in == nil {
		return ValidationFailure("NO_MEASUREMENTS", fmt.Errorf("job %s carries no measurements", sc.job.ID))
	}
	m := *in
	if m.Unit == "" {
		m.Unit = sc.job.InputData.Unit
	}
	if m.Unit == "" {
		m.Unit = domain.UnitMetric
	}
	if err := validateMeasurements(m); err != nil {
		return ValidationFailure("MEASUREMENTS_OUT_OF_RANGE", err)
	}
	m.AvatarID = sc.avatar.ID
	if m.Source == "" {
		m.Source = domain.MeasurementManual
	}
	if m.ConfidenceScore == 0 {
		// user-entered values are taken as given
		m.ConfidenceScore = 1
	}
	sc.measurement = &m
	return nil
}

func (o *Orchestrator) loadSavedMeasurements(ctx context.Context, sc *stepContext) error {
	m, ok, err := o.store.GetMeasurementByAvatar(sc.avatar.ID)
	if err != nil {
		return fmt.Errorf("load measurements: %w", err)
	}
	if !ok {
		return DataIntegrityFailure("MEASUREMENTS_MISSING",
			fmt.Errorf("avatar %s has no stored measurements", sc.avatar.ID))
	}
	sc.measurement = &m
	return nil
}

// measurementRanges are plausible adult body ranges in centimeters.
// Imperial inputs are converted before checking. Optional measurements
// are only checked when present.
var measurementRanges = []struct {
	name     string
	value    func(m domain.Measurement) float64
	min, max float64
	required bool
}{
	{"height", func(m domain.Measurement) float64 { return m.Height }, 100, 250, true},
	{"shoulderWidth", func(m domain.Measurement) float64 { return m.ShoulderWidth }, 25, 75, false},
	{"chestCircumference", func(m domain.Measurement) float64 { return m.ChestCircumference }, 50, 200, true},
	{"waistCircumference", func(m domain.Measurement) float64 { return m.WaistCircumference }, 40, 200, true},
	{"hipCircumference", func(m domain.Measurement) float64 { return m.HipCircumference }, 50, 200, true},
	{"neckCircumference", func(m domain.Measurement) float64 { return m.NeckCircumference }, 20, 70, false},
	{"thighCircumference", func(m domain.Measurement) float64 { return m.ThighCircumference }, 25, 110, false},
	{"armLength", func(m domain.Measurement) float64 { return m.ArmLength }, 35, 100, false},
	{"inseam", func(m domain.Measurement) float64 { return m.Inseam }, 45, 120, false},
}

func validateMeasurements(m domain.Measurement) error {
	for _, r := range measurementRanges {
		v := toCentimeters(r.value(m), m.Unit)
		if v == 0 && !r.required {
			continue
		}
		if v < r.min || v > r.max {
			return fmt.Errorf("%s %.1fcm outside plausible range [%.0f, %.0f]", r.name, v, r.min, r.max)
		}
	}
	return nil
}
