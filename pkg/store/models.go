package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM records used for persistence.
type AvatarRecord struct {
	ID                 string `gorm:"primaryKey"`
	OwnerID            string `gorm:"not null;index"`
	Name               string `gorm:"not null"`
	Status             string `gorm:"not null;index"`
	Source             string `gorm:"not null"`
	ProcessingProgress int
	ProcessingMessage  string
	ErrorMessage       string
	ModelURL           string
	BodyType           string
	ConfidenceScore    float64
	IsDefault          bool
	Deleted            bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type PhotoRecord struct {
	ID           string `gorm:"primaryKey"`
	AvatarID     string `gorm:"not null;index"`
	Type         string `gorm:"not null"`
	Status       string `gorm:"not null"`
	OriginalKey  string
	OriginalURL  string
	ProcessedKey string
	ProcessedURL string
	Validation   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type MeasurementRecord struct {
	ID       string `gorm:"primaryKey"`
	AvatarID string `gorm:"uniqueIndex;not null"`
	Unit     string `gorm:"not null"`
	Source   string `gorm:"not null"`

	Height             float64
	ShoulderWidth      float64
	ChestCircumference float64
	WaistCircumference float64
	HipCircumference   float64
	NeckCircumference  float64
	ThighCircumference float64
	ArmLength          float64
	Inseam             float64
	UpperArm           float64
	Forearm            float64
	Wrist              float64
	Calf               float64
	Ankle              float64
	TorsoLength        float64
	LegLength          float64
	FootLength         float64
	HeadCircumference  float64
	ShoulderToWaist    float64
	WaistToHip         float64

	ConfidenceScore float64
	Landmarks       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

type ProcessingJobRecord struct {
	ID                   string `gorm:"primaryKey"`
	AvatarID             string `gorm:"not null;index"`
	OwnerID              string `gorm:"not null;index"`
	JobType              string `gorm:"not null"`
	Status               string `gorm:"not null;index"`
	Priority             int
	Progress             int
	CurrentStep          string
	AttemptNumber        int
	MaxAttempts          int
	InputData            datatypes.JSON `gorm:"type:jsonb"`
	ResultData           datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage         string
	ErrorCode            string
	CreatedAt            time.Time `gorm:"not null"`
	QueuedAt             *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ProcessingDurationMs int64
	UpdatedAt            time.Time `gorm:"not null"`
}
