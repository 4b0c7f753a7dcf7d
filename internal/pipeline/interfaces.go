package pipeline

import (
	"context"
	"errors"
)

// ErrSourceExhausted is returned by finite sources after their last frame
var ErrSourceExhausted = errors.New("frame source exhausted")

// FrameSource yields frames for one camera
type FrameSource interface {
	// CameraID identifies the camera the frames come from
	CameraID() string

	// Next blocks until the next frame is available or ctx is done
	Next(ctx context.Context) (*FrameData, error)

	// Close releases source resources
	Close() error
}

// Detector is the external object detector
type Detector interface {
	// Name returns the detector identifier (e.g., "yolo")
	Name() string

	// Detect runs detection on a frame and returns raw detections
	Detect(ctx context.Context, frame *FrameData) ([]Detection, error)
}
