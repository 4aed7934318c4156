// Package detect wraps the face detector model for the pipeline.
package detect

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

// RawBox is a detector box in corner form with its confidence.
type RawBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
}

// Detector is the external face detector. The confidence threshold is part of its
// construction and boxes below it are never returned.
type Detector interface {
	Infer(ctx context.Context, img image.Image) ([]RawBox, error)
}

// DetectionError is a per-frame detector failure.
type DetectionError struct {
	FrameNumber int
	Err         error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed on frame %d: %v", e.FrameNumber, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Detection is the adapter output for one frame.
type Detection struct {
	Boxes   []types.BoundingBox // normalized image space, detector order
	Elapsed time.Duration
}

// Adapter maps detector output into the pipeline's box convention.
type Adapter struct {
	detector Detector
	now      func() time.Time
}

// NewAdapter wraps d. A nil clock uses time.Now.
func NewAdapter(d Detector, now func() time.Time) *Adapter {
	if now == nil {
		now = time.Now
	}
	return &Adapter{detector: d, now: now}
}

// Detect calls the detector once and converts (x1,y1,x2,y2) to (top,right,bottom,left).
func (a *Adapter) Detect(ctx context.Context, frameNumber int, img image.Image) (Detection, error) {
	start := a.now()
	raw, err := a.detector.Infer(ctx, img)
	elapsed := a.now().Sub(start)
	if err != nil {
		return Detection{Elapsed: elapsed}, &DetectionError{FrameNumber: frameNumber, Err: err}
	}

	boxes := make([]types.BoundingBox, 0, len(raw))
	for _, r := range raw {
		boxes = append(boxes, ToBoundingBox(r))
	}
	return Detection{Boxes: boxes, Elapsed: elapsed}, nil
}

// ToBoundingBox truncates corner coordinates to ints in [top, right, bottom, left] order.
func ToBoundingBox(r RawBox) types.BoundingBox {
	return types.BoundingBox{
		Top:    int(r.Y1),
		Right:  int(r.X2),
		Bottom: int(r.Y2),
		Left:   int(r.X1),
	}
}
