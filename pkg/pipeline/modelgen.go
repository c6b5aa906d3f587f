package pipeline

import (
	"math"
	"time"

	"avatarforge/pkg/domain"
)

const generatorName = "avatarforge-parametric/1"

const cmPerInch = 2.54

// toCentimeters normalizes a length to centimeters.
func toCentimeters(v float64, unit domain.MeasurementUnit) float64 {
	if unit == domain.UnitImperial {
		return v * cmPerInch
	}
	return v
}

// bodyProfile is the lathe profile of the parametric body: ring height
// as a fraction of total height, and the measurement driving its radius.
var bodyProfile = []struct {
	heightFrac float64
	girth      func(m domain.Measurement) float64
}{
	{0.02, func(m domain.Measurement) float64 { return orDefault(m.Ankle, 22) }},
	{0.28, func(m domain.Measurement) float64 { return orDefault(m.Calf, 36) }},
	{0.48, func(m domain.Measurement) float64 { return m.ThighCircumference }},
	{0.58, func(m domain.Measurement) float64 { return m.HipCircumference }},
	{0.65, func(m domain.Measurement) float64 { return m.WaistCircumference }},
	{0.75, func(m domain.Measurement) float64 { return m.ChestCircumference }},
	{0.82, func(m domain.Measurement) float64 { return m.NeckCircumference }},
	{0.90, func(m domain.Measurement) float64 { return orDefault(m.HeadCircumference, 56) }},
	{0.98, func(m domain.Measurement) float64 { return orDefault(m.HeadCircumference, 56) * 0.4 }},
}

// orDefault falls back to a typical value for optional measurements
// the extractor does not produce.
func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

const meshSegments = 48

// generateMesh builds a deterministic lathe mesh from measurements.
// The same measurements always yield the same buffers, which keeps
// regeneration and retries idempotent.
func generateMesh(m domain.Measurement) domain.MeshData {
	height := toCentimeters(m.Height, m.Unit)
	rings := len(bodyProfile)
	vertexCount := rings * meshSegments
	vertices := make([]float32, 0, vertexCount*3)
	normals := make([]float32, 0, vertexCount*3)
	uvs := make([]float32, 0, vertexCount*2)

	for ri, ring := range bodyProfile {
		y := ring.heightFrac * height
		radius := toCentimeters(ring.girth(m), m.Unit) / (2 * math.Pi)
		for s := 0; s < meshSegments; s++ {
			angle := 2 * math.Pi * float64(s) / float64(meshSegments)
			nx, nz := math.Cos(angle), math.Sin(angle)
			vertices = append(vertices, float32(radius*nx), float32(y), float32(radius*nz))
			normals = append(normals, float32(nx), 0, float32(nz))
			uvs = append(uvs, float32(s)/float32(meshSegments), float32(ri)/float32(rings-1))
		}
	}

	faces := make([]int32, 0, (rings-1)*meshSegments*6)
	for ri := 0; ri < rings-1; ri++ {
		base := int32(ri * meshSegments)
		next := base + meshSegments
		for s := 0; s < meshSegments; s++ {
			a := base + int32(s)
			b := base + int32((s+1)%meshSegments)
			c := next + int32(s)
			d := next + int32((s+1)%meshSegments)
			faces = append(faces, a, c, b, b, c, d)
		}
	}

	return domain.MeshData{
		Vertices:    vertices,
		Faces:       faces,
		Normals:     normals,
		UVs:         uvs,
		VertexCount: vertexCount,
		FaceCount:   len(faces) / 3,
	}
}

var lodRatios = []float64{1.0, 0.5, 0.25}

// buildLODs derives the reduced-resolution chain from the base mesh.
// Artifact keys are filled in at upload time.
func buildLODs(mesh domain.MeshData) []domain.LOD {
	lods := make([]domain.LOD, 0, len(lodRatios))
	for level, ratio := range lodRatios {
		lods = append(lods, domain.LOD{
			Level:         level,
			TriangleRatio: ratio,
			VertexCount:   int(float64(mesh.VertexCount) * ratio),
			FaceCount:     int(float64(mesh.FaceCount) * ratio),
		})
	}
	return lods
}

// decimateMesh drops faces to approximate the requested triangle ratio.
func decimateMesh(mesh domain.MeshData, ratio float64) domain.MeshData {
	if ratio >= 1 {
		return mesh
	}
	keep := int(float64(mesh.FaceCount) * ratio)
	if keep < 1 {
		keep = 1
	}
	out := mesh
	out.Faces = mesh.Faces[:keep*3]
	out.FaceCount = keep
	return out
}

// buildSkeleton places a minimal humanoid joint chain by height fractions.
func buildSkeleton(m domain.Measurement) *domain.Skeleton {
	height := float32(toCentimeters(m.Height, m.Unit))
	shoulder := float32(toCentimeters(m.ShoulderWidth, m.Unit))
	joint := func(name string, parent int, x, y float32) domain.Joint {
		return domain.Joint{Name: name, Parent: parent, Position: [3]float32{x, y, 0}}
	}
	return &domain.Skeleton{Joints: []domain.Joint{
		joint("root", -1, 0, 0),
		joint("hips", 0, 0, height*0.58),
		joint("spine", 1, 0, height*0.68),
		joint("chest", 2, 0, height*0.75),
		joint("neck", 3, 0, height*0.82),
		joint("head", 4, 0, height*0.90),
		joint("shoulder_l", 3, -shoulder/2, height*0.80),
		joint("shoulder_r", 3, shoulder/2, height*0.80),
		joint("hip_l", 1, -shoulder/4, height*0.56),
		joint("hip_r", 1, shoulder/4, height*0.56),
	}}
}

func boundingBoxFor(m domain.Measurement, mesh domain.MeshData) domain.BoundingBox {
	height := float32(toCentimeters(m.Height, m.Unit))
	maxRadius := float32(0)
	for i := 0; i+2 < len(mesh.Vertices); i += 3 {
		r := float32(math.Hypot(float64(mesh.Vertices[i]), float64(mesh.Vertices[i+2])))
		if r > maxRadius {
			maxRadius = r
		}
	}
	return domain.BoundingBox{
		Min: [3]float32{-maxRadius, 0, -maxRadius},
		Max: [3]float32{maxRadius, height, maxRadius},
	}
}

func buildModel(avatarID string, m domain.Measurement) domain.AvatarModel {
	mesh := generateMesh(m)
	return domain.AvatarModel{
		AvatarID:    avatarID,
		Mesh:        mesh,
		Skeleton:    buildSkeleton(m),
		BoundingBox: boundingBoxFor(m, mesh),
		Quality:     domain.QualityFlags{Watertight: false, Rigged: true},
		Metadata: domain.GenerationMetadata{
			Generator:           generatorName,
			SourceMeasurementID: m.ID,
			GeneratedAt:         time.Now().UTC(),
		},
	}
}
