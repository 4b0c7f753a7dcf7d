package pipeline

import (
	"time"
)

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string    // Camera identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// FrameRef identifies the frame a verdict was computed from
type FrameRef struct {
	CameraID  string    `json:"camera_id"`
	Seq       uint64    `json:"frame_seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Ref returns the lightweight reference for a frame
func (f *FrameData) Ref() FrameRef {
	if f == nil {
		return FrameRef{}
	}
	return FrameRef{CameraID: f.CameraID, Seq: f.Seq, Timestamp: f.Timestamp}
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Area returns the box area, zero for degenerate boxes
func (b BBox) Area() float32 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two boxes in [0,1]
func (b BBox) IoU(o BBox) float32 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)

	inter := BBox{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection represents a single object detection result
type Detection struct {
	Class      string  `json:"class"`      // Detection class (person, hardhat, vest, ...)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`       // Bounding box
}

// IngestStats contains frame ingestion counters for one camera
type IngestStats struct {
	CameraID          string  `json:"camera_id"`
	FramesProcessed   uint64  `json:"frames_processed"`
	FramesDropped     uint64  `json:"frames_dropped"`
	SourceErrors      uint64  `json:"source_errors"`
	DetectorErrors    uint64  `json:"detector_errors"`
	Violations        uint64  `json:"violations"`
	Admitted          uint64  `json:"admitted"`
	RejectedCooldown  uint64  `json:"rejected_cooldown"`
	RejectedQueueFull uint64  `json:"rejected_queue_full"`
	AvgInferenceMs    float64 `json:"avg_inference_ms"`
	LastFrameTime     int64   `json:"last_frame_time"` // Unix timestamp
}
