package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"avatarforge/pkg/domain"
)

func newMLServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/background-removal", func(w http.ResponseWriter, r *http.Request) {
		var req removeBackgroundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([]ProcessedPhoto, len(req.Photos))
		for i, p := range req.Photos {
			out[i] = ProcessedPhoto{URL: p.URL + ".processed", Type: p.Type, MaskQuality: 0.9}
		}
		_ = json.NewEncoder(w).Encode(removeBackgroundResponse{ProcessedPhotos: out})
	})
	mux.HandleFunc("/pose-detection", func(w http.ResponseWriter, r *http.Request) {
		points := make([]domain.LandmarkPoint, 33)
		for i := range points {
			points[i] = domain.LandmarkPoint{X: float64(i), Confidence: 0.85}
		}
		_ = json.NewEncoder(w).Encode(detectPoseResponse{
			Landmarks: domain.Landmarks{Points: points, AverageConfidence: 0.85},
		})
	})
	mux.HandleFunc("/measurement-extraction", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(extractMeasurementsResponse{
			Measurements: measurementPayload{
				Height: 178, ShoulderWidth: 46, ChestCircumference: 100,
				WaistCircumference: 82, HipCircumference: 101,
				ArmLength: 62, Inseam: 80, NeckCircumference: 39,
				ThighCircumference: 56, Confidence: 0.91,
			},
		})
	})
	mux.HandleFunc("/body-type-classification", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(BodyTypeResult{BodyType: domain.BodyRectangle, Confidence: 0.8})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestRemoveBackgroundRoundTrip(t *testing.T) {
	srv := newMLServer(t)
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{})

	photos := []PhotoRef{
		{URL: "http://store/front.jpg", Type: domain.PhotoFront},
		{URL: "http://store/side.jpg", Type: domain.PhotoSide},
	}
	out, err := c.RemoveBackground(context.Background(), photos)
	if err != nil {
		t.Fatalf("RemoveBackground: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d photos, want 2", len(out))
	}
	if out[0].URL != "http://store/front.jpg.processed" || out[0].Type != domain.PhotoFront {
		t.Fatalf("unexpected first photo: %+v", out[0])
	}
	if _, err := c.RemoveBackground(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty photo list")
	}
}

func TestDetectPoseRoundTrip(t *testing.T) {
	srv := newMLServer(t)
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{})

	lm, err := c.DetectPose(context.Background(), []ProcessedPhoto{{URL: "x", Type: domain.PhotoFront}})
	if err != nil {
		t.Fatalf("DetectPose: %v", err)
	}
	if len(lm.Points) != 33 {
		t.Fatalf("got %d points, want 33", len(lm.Points))
	}
	if lm.AverageConfidence != 0.85 {
		t.Fatalf("avg confidence = %v, want 0.85", lm.AverageConfidence)
	}
}

func TestExtractMeasurementsFillsUnit(t *testing.T) {
	srv := newMLServer(t)
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{})

	m, err := c.ExtractMeasurements(context.Background(), domain.Landmarks{}, nil, domain.UnitImperial)
	if err != nil {
		t.Fatalf("ExtractMeasurements: %v", err)
	}
	if m.Unit != domain.UnitImperial {
		t.Fatalf("unit = %s, want imperial (server omitted unit)", m.Unit)
	}
	if m.Height != 178 || m.ConfidenceScore != 0.91 {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestClassifyBodyTypeRoundTrip(t *testing.T) {
	srv := newMLServer(t)
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{})

	res, err := c.ClassifyBodyType(context.Background(), domain.Measurement{Unit: domain.UnitMetric, Height: 175})
	if err != nil {
		t.Fatalf("ClassifyBodyType: %v", err)
	}
	if res.BodyType != domain.BodyRectangle {
		t.Fatalf("body type = %s, want rectangle", res.BodyType)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no landmarks detected", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{})

	_, err := c.DetectPose(context.Background(), []ProcessedPhoto{{URL: "x"}})
	if err == nil {
		t.Fatal("expected error on 422 response")
	}
}

func TestCallTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, Timeouts{Classification: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.ClassifyBodyType(context.Background(), domain.Measurement{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("call took %v, deadline not enforced", elapsed)
	}
}

func TestHealth(t *testing.T) {
	srv := newMLServer(t)
	defer srv.Close()
	c := NewClient(srv.URL+"/", Timeouts{})
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
