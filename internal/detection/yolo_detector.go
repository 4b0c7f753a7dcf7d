// Package detection is the client for the external object detection service
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"ppewatch/internal/pipeline"
)

// YOLODetector calls a YOLO inference service trained on person and PPE classes
type YOLODetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
	classesFilter string
	healthCheck   time.Time
	mu            sync.RWMutex
}

// YOLODetection represents a single detection in the service response
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult is the /detect response body
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
	ModelSize       string          `json:"model_size"`
}

// YOLOHealthResponse is the /health response body
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOConfig holds configuration for the detector client
type YOLOConfig struct {
	Endpoint            string
	ConfidenceThreshold float32
	ClassesFilter       string
	Timeout             time.Duration
}

// NewYOLODetector creates a detector client
func NewYOLODetector(cfg YOLOConfig) *YOLODetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.25
	}
	return &YOLODetector{
		endpoint:      cfg.Endpoint,
		client:        &http.Client{Timeout: cfg.Timeout},
		confThreshold: cfg.ConfidenceThreshold,
		classesFilter: cfg.ClassesFilter,
	}
}

// Name returns the detector identifier
func (yd *YOLODetector) Name() string {
	return "yolo"
}

// IsHealthy checks if the service is available and has its model loaded
func (yd *YOLODetector) IsHealthy(ctx context.Context) bool {
	// Cache positive health checks for 30 seconds
	yd.mu.RLock()
	if time.Since(yd.healthCheck) < 30*time.Second {
		yd.mu.RUnlock()
		return true
	}
	yd.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || !health.ModelLoaded {
		return false
	}

	yd.mu.Lock()
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
	return true
}

// Detect runs detection on one frame
func (yd *YOLODetector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	result, err := yd.detect(ctx, frame.Data)
	if err != nil {
		return nil, err
	}

	dets := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			return nil, fmt.Errorf("detection %q has %d box coordinates", d.Class, len(d.BBox))
		}
		dets = append(dets, pipeline.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox: pipeline.BBox{
				X1: d.BBox[0],
				Y1: d.BBox[1],
				X2: d.BBox[2],
				Y2: d.BBox[3],
			},
		})
	}
	return dets, nil
}

func (yd *YOLODetector) detect(ctx context.Context, imageData []byte) (*YOLOResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", yd.confThreshold))
	if yd.classesFilter != "" {
		w.WriteField("classes_filter", yd.classesFilter)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		yd.mu.Lock()
		yd.healthCheck = time.Time{}
		yd.mu.Unlock()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}
	return &result, nil
}
