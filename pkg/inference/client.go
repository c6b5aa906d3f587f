package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"avatarforge/pkg/domain"
)

const defaultBaseURL = "http://127.0.0.1:5000"

// PhotoRef identifies one input photo passed to the ML service.
type PhotoRef struct {
	URL  string           `json:"url"`
	Type domain.PhotoType `json:"type"`
}

// ProcessedPhoto is a background-removed photo returned by the ML service.
type ProcessedPhoto struct {
	URL         string           `json:"url"`
	Type        domain.PhotoType `json:"type"`
	MaskQuality float64          `json:"maskQuality"`
}

// BodyTypeResult is the body classification output.
type BodyTypeResult struct {
	BodyType   domain.BodyType `json:"bodyType"`
	Confidence float64         `json:"confidence"`
}

// Timeouts carries the step-specific call deadlines. A call that
// exceeds its deadline fails that step instead of hanging.
type Timeouts struct {
	BackgroundRemoval time.Duration
	PoseDetection     time.Duration
	Measurement       time.Duration
	Classification    time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.BackgroundRemoval <= 0 {
		t.BackgroundRemoval = 60 * time.Second
	}
	if t.PoseDetection <= 0 {
		t.PoseDetection = 45 * time.Second
	}
	if t.Measurement <= 0 {
		t.Measurement = 30 * time.Second
	}
	if t.Classification <= 0 {
		t.Classification = 15 * time.Second
	}
	return t
}

// Client calls the ML avatar service HTTP API.
type Client struct {
	baseURL    string
	timeouts   Timeouts
	httpClient *http.Client
}

// NewClient constructs a client with the provided base URL.
func NewClient(baseURL string, timeouts Timeouts) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:  baseURL,
		timeouts: timeouts.withDefaults(),
		// per-call deadlines come from the step timeouts
		httpClient: &http.Client{},
	}
}

type removeBackgroundRequest struct {
	Photos []PhotoRef `json:"photos"`
}

type removeBackgroundResponse struct {
	ProcessedPhotos []ProcessedPhoto `json:"processedPhotos"`
}

// RemoveBackground strips backgrounds from the given photos.
func (c *Client) RemoveBackground(ctx context.Context, photos []PhotoRef) ([]ProcessedPhoto, error) {
	if len(photos) == 0 {
		return nil, fmt.Errorf("photos required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.BackgroundRemoval)
	defer cancel()

	var resp removeBackgroundResponse
	if err := c.doJSON(ctx, "/background-removal", removeBackgroundRequest{Photos: photos}, &resp); err != nil {
		return nil, err
	}
	if len(resp.ProcessedPhotos) == 0 {
		return nil, fmt.Errorf("background removal returned no photos")
	}
	return resp.ProcessedPhotos, nil
}

type detectPoseRequest struct {
	Photos []ProcessedPhoto `json:"photos"`
}

type detectPoseResponse struct {
	Landmarks domain.Landmarks `json:"landmarks"`
}

// DetectPose detects body landmarks on the processed photos.
func (c *Client) DetectPose(ctx context.Context, photos []ProcessedPhoto) (domain.Landmarks, error) {
	if len(photos) == 0 {
		return domain.Landmarks{}, fmt.Errorf("photos required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.PoseDetection)
	defer cancel()

	var resp detectPoseResponse
	if err := c.doJSON(ctx, "/pose-detection", detectPoseRequest{Photos: photos}, &resp); err != nil {
		return domain.Landmarks{}, err
	}
	return resp.Landmarks, nil
}

type extractMeasurementsRequest struct {
	Landmarks domain.Landmarks       `json:"landmarks"`
	Photo     *ProcessedPhoto        `json:"photo,omitempty"`
	Unit      domain.MeasurementUnit `json:"unit"`
}

type extractMeasurementsResponse struct {
	Measurements measurementPayload `json:"measurements"`
}

type measurementPayload struct {
	Height             float64                `json:"height"`
	ShoulderWidth      float64                `json:"shoulderWidth"`
	ChestCircumference float64                `json:"chestCircumference"`
	WaistCircumference float64                `json:"waistCircumference"`
	HipCircumference   float64                `json:"hipCircumference"`
	ArmLength          float64                `json:"armLength"`
	Inseam             float64                `json:"inseam"`
	NeckCircumference  float64                `json:"neckCircumference"`
	ThighCircumference float64                `json:"thighCircumference"`
	Confidence         float64                `json:"confidence"`
	Unit               domain.MeasurementUnit `json:"unit"`
}

// ExtractMeasurements derives body measurements from landmarks.
func (c *Client) ExtractMeasurements(ctx context.Context, landmarks domain.Landmarks, photo *ProcessedPhoto, unit domain.MeasurementUnit) (domain.Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Measurement)
	defer cancel()

	var resp extractMeasurementsResponse
	req := extractMeasurementsRequest{Landmarks: landmarks, Photo: photo, Unit: unit}
	if err := c.doJSON(ctx, "/measurement-extraction", req, &resp); err != nil {
		return domain.Measurement{}, err
	}
	p := resp.Measurements
	if p.Unit == "" {
		p.Unit = unit
	}
	return domain.Measurement{
		Unit:               p.Unit,
		Height:             p.Height,
		ShoulderWidth:      p.ShoulderWidth,
		ChestCircumference: p.ChestCircumference,
		WaistCircumference: p.WaistCircumference,
		HipCircumference:   p.HipCircumference,
		ArmLength:          p.ArmLength,
		Inseam:             p.Inseam,
		NeckCircumference:  p.NeckCircumference,
		ThighCircumference: p.ThighCircumference,
		ConfidenceScore:    p.Confidence,
	}, nil
}

type classifyRequest struct {
	Measurements measurementPayload `json:"measurements"`
}

// ClassifyBodyType classifies the body type from measurements.
func (c *Client) ClassifyBodyType(ctx context.Context, m domain.Measurement) (BodyTypeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Classification)
	defer cancel()

	req := classifyRequest{Measurements: measurementPayload{
		Height:             m.Height,
		ShoulderWidth:      m.ShoulderWidth,
		ChestCircumference: m.ChestCircumference,
		WaistCircumference: m.WaistCircumference,
		HipCircumference:   m.HipCircumference,
		ArmLength:          m.ArmLength,
		Inseam:             m.Inseam,
		NeckCircumference:  m.NeckCircumference,
		ThighCircumference: m.ThighCircumference,
		Confidence:         m.ConfidenceScore,
		Unit:               m.Unit,
	}}
	var resp BodyTypeResult
	if err := c.doJSON(ctx, "/body-type-classification", req, &resp); err != nil {
		return BodyTypeResult{}, err
	}
	if resp.BodyType == "" {
		return BodyTypeResult{}, fmt.Errorf("classification returned empty body type")
	}
	return resp, nil
}

// FetchPhoto downloads a photo the ML service exposes by URL.
func (c *Client) FetchPhoto(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.BackgroundRemoval)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch photo: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Health checks ML service availability.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call ml service %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read ml response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("ml service %s: status %d: %s", path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode ml response: %w", err)
		}
	}
	return nil
}
