package domain

import "time"

type AvatarStatus string

const (
	AvatarPending    AvatarStatus = "PENDING"
	AvatarProcessing AvatarStatus = "PROCESSING"
	AvatarReady      AvatarStatus = "READY"
	AvatarError      AvatarStatus = "ERROR"
)

type AvatarSource string

const (
	SourcePhotoBased       AvatarSource = "PHOTO_BASED"
	SourceMeasurementBased AvatarSource = "MEASUREMENT_BASED"
)

type PhotoType string

const (
	PhotoFront  PhotoType = "front"
	PhotoSide   PhotoType = "side"
	PhotoBack   PhotoType = "back"
	PhotoCustom PhotoType = "custom"
)

type PhotoStatus string

const (
	PhotoUploaded   PhotoStatus = "uploaded"
	PhotoProcessing PhotoStatus = "processing"
	PhotoProcessed  PhotoStatus = "processed"
	PhotoFailed     PhotoStatus = "failed"
)

type MeasurementUnit string

const (
	UnitMetric   MeasurementUnit = "metric"
	UnitImperial MeasurementUnit = "imperial"
)

type MeasurementSource string

const (
	MeasurementAuto     MeasurementSource = "auto"
	MeasurementManual   MeasurementSource = "manual"
	MeasurementImported MeasurementSource = "imported"
)

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
	JobRetrying   JobStatus = "RETRYING"
)

// ActiveJobStatuses are the states in which a job still owns its avatar.
var ActiveJobStatuses = []JobStatus{JobPending, JobQueued, JobProcessing, JobRetrying}

func (s JobStatus) Active() bool {
	for _, a := range ActiveJobStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type JobType string

const (
	JobPhotoAvatar       JobType = "photo_avatar"
	JobMeasurementAvatar JobType = "measurement_avatar"
	JobModelRegeneration JobType = "model_regeneration"
)

type BodyType string

const (
	BodyHourglass        BodyType = "hourglass"
	BodyInvertedTriangle BodyType = "inverted-triangle"
	BodyRectangle        BodyType = "rectangle"
	BodyPear             BodyType = "pear"
)

// Avatar is the owner-scoped record of one 3D body model and its
// processing lifecycle. Created PENDING; mutated only by the pipeline
// while a job is active; terminal in READY or ERROR.
type Avatar struct {
	ID                 string       `json:"id"`
	OwnerID            string       `json:"ownerId"`
	Name               string       `json:"name"`
	Status             AvatarStatus `json:"status"`
	Source             AvatarSource `json:"source"`
	ProcessingProgress int          `json:"processingProgress"`
	ProcessingMessage  string       `json:"processingMessage,omitempty"`
	ErrorMessage       string       `json:"errorMessage,omitempty"`
	ModelURL           string       `json:"modelUrl,omitempty"`
	BodyType           BodyType     `json:"bodyType,omitempty"`
	ConfidenceScore    float64      `json:"confidenceScore,omitempty"`
	IsDefault          bool         `json:"isDefault"`
	Deleted            bool         `json:"-"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// PhotoValidation is the result of input validation on an uploaded photo.
type PhotoValidation struct {
	Valid       bool    `json:"valid"`
	Reason      string  `json:"reason,omitempty"`
	MaskQuality float64 `json:"maskQuality,omitempty"`
}

type Photo struct {
	ID           string           `json:"id"`
	AvatarID     string           `json:"avatarId"`
	Type         PhotoType        `json:"type"`
	Status       PhotoStatus      `json:"status"`
	OriginalKey  string           `json:"-"`
	OriginalURL  string           `json:"originalUrl"`
	ProcessedKey string           `json:"-"`
	ProcessedURL string           `json:"processedUrl,omitempty"`
	Validation   *PhotoValidation `json:"validation,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// LandmarkPoint is one detected body keypoint with 3D position and
// per-point confidence.
type LandmarkPoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Confidence float64 `json:"confidence"`
	Name       string  `json:"name"`
}

type Landmarks struct {
	Points            []LandmarkPoint `json:"points"`
	AverageConfidence float64         `json:"averageConfidence"`
}

// Measurement holds the body measurements for one avatar. Unique per
// avatar; upserted by the pipeline after extraction or replaced by a
// manual update. Lengths are centimeters when Unit is metric and inches
// when imperial.
type Measurement struct {
	ID       string            `json:"id"`
	AvatarID string            `json:"avatarId"`
	Unit     MeasurementUnit   `json:"unit"`
	Source   MeasurementSource `json:"source"`

	Height             float64 `json:"height"`
	ShoulderWidth      float64 `json:"shoulderWidth"`
	ChestCircumference float64 `json:"chestCircumference"`
	WaistCircumference float64 `json:"waistCircumference"`
	HipCircumference   float64 `json:"hipCircumference"`
	NeckCircumference  float64 `json:"neckCircumference"`
	ThighCircumference float64 `json:"thighCircumference"`
	ArmLength          float64 `json:"armLength"`
	Inseam             float64 `json:"inseam"`
	UpperArm           float64 `json:"upperArm,omitempty"`
	Forearm            float64 `json:"forearm,omitempty"`
	Wrist              float64 `json:"wrist,omitempty"`
	Calf               float64 `json:"calf,omitempty"`
	Ankle              float64 `json:"ankle,omitempty"`
	TorsoLength        float64 `json:"torsoLength,omitempty"`
	LegLength          float64 `json:"legLength,omitempty"`
	FootLength         float64 `json:"footLength,omitempty"`
	HeadCircumference  float64 `json:"headCircumference,omitempty"`
	ShoulderToWaist    float64 `json:"shoulderToWaist,omitempty"`
	WaistToHip         float64 `json:"waistToHip,omitempty"`

	ConfidenceScore float64    `json:"confidenceScore"`
	Landmarks       *Landmarks `json:"landmarks,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// JobInput is the immutable payload a processing job was created with.
type JobInput struct {
	PhotoIDs      []string          `json:"photoIds,omitempty"`
	Measurements  *Measurement      `json:"measurements,omitempty"`
	Unit          MeasurementUnit   `json:"unit"`
	Customization map[string]string `json:"customization,omitempty"`
}

// JobResult summarizes a completed job.
type JobResult struct {
	ModelURL        string   `json:"modelUrl"`
	BodyType        BodyType `json:"bodyType"`
	ConfidenceScore float64  `json:"confidenceScore"`
	ModelVersion    int      `json:"modelVersion"`
	MeshVertexCount int      `json:"meshVertexCount"`
}

// ProcessingJob tracks one pipeline execution request. Mutated
// exclusively by the orchestrator and the retry path.
type ProcessingJob struct {
	ID                   string     `json:"id"`
	AvatarID             string     `json:"avatarId"`
	OwnerID              string     `json:"ownerId"`
	JobType              JobType    `json:"jobType"`
	Status               JobStatus  `json:"status"`
	Priority             int        `json:"priority"`
	Progress             int        `json:"progress"`
	CurrentStep          string     `json:"currentStep,omitempty"`
	AttemptNumber        int        `json:"attemptNumber"`
	MaxAttempts          int        `json:"maxAttempts"`
	InputData            JobInput   `json:"inputData"`
	ResultData           *JobResult `json:"resultData,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	ErrorCode            string     `json:"errorCode,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	QueuedAt             *time.Time `json:"queuedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	ProcessingDurationMs int64      `json:"processingDurationMs,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}
