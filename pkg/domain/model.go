package domain

import "time"

// MeshData holds the flat mesh buffers of a generated avatar model.
// Vertices, normals and UVs are interleaved float arrays (xyz / xyz / uv),
// faces are triangle index triples.
type MeshData struct {
	Vertices    []float32 `json:"vertices" bson:"vertices"`
	Faces       []int32   `json:"faces" bson:"faces"`
	Normals     []float32 `json:"normals" bson:"normals"`
	UVs         []float32 `json:"uvs" bson:"uvs"`
	VertexCount int       `json:"vertexCount" bson:"vertex_count"`
	FaceCount   int       `json:"faceCount" bson:"face_count"`
}

// LOD is a reduced-resolution variant of the base mesh.
type LOD struct {
	Level         int     `json:"level" bson:"level"`
	TriangleRatio float64 `json:"triangleRatio" bson:"triangle_ratio"`
	VertexCount   int     `json:"vertexCount" bson:"vertex_count"`
	FaceCount     int     `json:"faceCount" bson:"face_count"`
	StorageKey    string  `json:"storageKey" bson:"storage_key"`
}

type Texture struct {
	Name       string `json:"name" bson:"name"`
	StorageKey string `json:"storageKey" bson:"storage_key"`
	Width      int    `json:"width" bson:"width"`
	Height     int    `json:"height" bson:"height"`
	Format     string `json:"format" bson:"format"`
}

type Joint struct {
	Name     string     `json:"name" bson:"name"`
	Parent   int        `json:"parent" bson:"parent"`
	Position [3]float32 `json:"position" bson:"position"`
}

type Skeleton struct {
	Joints []Joint `json:"joints" bson:"joints"`
}

type MorphTarget struct {
	Name   string  `json:"name" bson:"name"`
	Weight float64 `json:"weight" bson:"weight"`
}

type BoundingBox struct {
	Min [3]float32 `json:"min" bson:"min"`
	Max [3]float32 `json:"max" bson:"max"`
}

type QualityFlags struct {
	Watertight bool `json:"watertight" bson:"watertight"`
	Rigged     bool `json:"rigged" bson:"rigged"`
	LODCount   int  `json:"lodCount" bson:"lod_count"`
}

// GenerationMetadata records how and from what a model was generated.
type GenerationMetadata struct {
	Generator           string    `json:"generator" bson:"generator"`
	SourceMeasurementID string    `json:"sourceMeasurementId" bson:"source_measurement_id"`
	GeneratedAt         time.Time `json:"generatedAt" bson:"generated_at"`
	DurationMs          int64     `json:"durationMs" bson:"duration_ms"`
}

// AvatarModel is the heavy model document, unique per avatar. Upserted
// at model-generation time; Version increments on regeneration and
// PreviousVersionID points at the replaced version.
type AvatarModel struct {
	ID                string             `json:"id" bson:"_id"`
	AvatarID          string             `json:"avatarId" bson:"avatar_id"`
	Mesh              MeshData           `json:"mesh" bson:"mesh"`
	LODs              []LOD              `json:"lods" bson:"lods"`
	Textures          []Texture          `json:"textures" bson:"textures"`
	Skeleton          *Skeleton          `json:"skeleton,omitempty" bson:"skeleton,omitempty"`
	MorphTargets      []MorphTarget      `json:"morphTargets,omitempty" bson:"morph_targets,omitempty"`
	Metadata          GenerationMetadata `json:"metadata" bson:"metadata"`
	BoundingBox       BoundingBox        `json:"boundingBox" bson:"bounding_box"`
	Quality           QualityFlags       `json:"quality" bson:"quality"`
	Version           int                `json:"version" bson:"version"`
	PreviousVersionID string             `json:"previousVersionId,omitempty" bson:"previous_version_id,omitempty"`
	CreatedAt         time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time          `json:"updatedAt" bson:"updated_at"`
}
