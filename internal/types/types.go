package types

import (
	"image"
	"math"
	"time"
)

// FrameRecord is a single decoded frame plus the metadata captured while reading it.
type FrameRecord struct {
	Image          image.Image
	FrameNumber    int       // 1-based, gapless
	Timestamp      float64   // seconds on the stream clock
	ExtractionTime float64   // seconds spent decoding
	StartTime      time.Time // wall clock instant the decode started
}

// BoundingBox is a face region as [top, right, bottom, left].
// Detector output is in normalized (half-scale) space; VerificationResult holds original scale.
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale multiplies every coordinate by f.
func (b BoundingBox) Scale(f int) BoundingBox {
	return BoundingBox{Top: b.Top * f, Right: b.Right * f, Bottom: b.Bottom * f, Left: b.Left * f}
}

// Clamp keeps the box inside r.
func (b BoundingBox) Clamp(r image.Rectangle) BoundingBox {
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return BoundingBox{
		Top:    clamp(b.Top, r.Min.Y, r.Max.Y),
		Right:  clamp(b.Right, r.Min.X, r.Max.X),
		Bottom: clamp(b.Bottom, r.Min.Y, r.Max.Y),
		Left:   clamp(b.Left, r.Min.X, r.Max.X),
	}
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Loc returns the box in the [top, right, bottom, left] slice form used on the wire.
func (b BoundingBox) Loc() []int {
	return []int{b.Top, b.Right, b.Bottom, b.Left}
}

// Embedding is a fixed-length face descriptor.
type Embedding []float64

// GalleryEntry is one reference embedding for a named identity.
type GalleryEntry struct {
	Name      string
	Embedding Embedding
}

// VerificationResult is the decision for one detected face.
type VerificationResult struct {
	Verified    bool        `json:"verified"`
	Identity    string      `json:"id,omitempty"` // empty when not verified
	Distance    float64     `json:"distance"`      // -1 when no gallery entry was comparable
	Coordinates BoundingBox `json:"coordinates"`
	Embedding   Embedding   `json:"-"`
}

// FrameResult merges frame metadata, stage timings and the matcher output.
type FrameResult struct {
	Timestamp          float64              `json:"timestamp"`
	FrameNumber        int                  `json:"frame_number"`
	ExtractionTime     float64              `json:"extraction_time"`
	DetectionTime      float64              `json:"detection_time"`
	IdentificationTime float64              `json:"identification_time"`
	OverallTime        float64              `json:"overall_time"`
	DetectedPeople     int                  `json:"detected_people"`
	IdentifiedPeople   int                  `json:"identified_people"`
	Results            []VerificationResult `json:"all_result"`
}

// RunSummary is computed once at end of stream.
type RunSummary struct {
	Frames             int                  `json:"frames"`
	DetectedPeople     int                  `json:"detected_people"`
	IdentifiedPeople   int                  `json:"identified_people"`
	ExtractionTime     float64              `json:"extraction_time"`
	DetectionTime      float64              `json:"detection_time"`
	IdentificationTime float64              `json:"identification_time"`
	OverallTime        float64              `json:"overall_time"`
	IDTimestamps       map[string][]float64 `json:"id_timestamps"`
	IdentityOrder      []string             `json:"identity_order"` // first-verified order of IDTimestamps keys
}

// Seconds converts a duration to seconds rounded to millisecond precision.
func Seconds(d time.Duration) float64 {
	return RoundMillis(d.Seconds())
}

// RoundMillis rounds v to three decimal places.
func RoundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
