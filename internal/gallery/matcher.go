package gallery

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

// EmbeddingError is a per-frame failure of the embedding model.
type EmbeddingError struct {
	FrameNumber int
	Err         error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed on frame %d: %v", e.FrameNumber, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Identification is the matcher output for one frame.
type Identification struct {
	Results          []types.VerificationResult
	DetectedPeople   int
	IdentifiedPeople int
	Elapsed          time.Duration
}

// Matcher verifies probes against a shared gallery. Each engine owns its own Matcher
// because the embedder is not assumed to be safe for concurrent use.
type Matcher struct {
	gallery   *Gallery
	embedder  Embedder
	threshold float64
	scale     int
	now       func() time.Time
}

// NewMatcher builds a matcher. scale is the factor that maps detector coordinates back
// to the original frame; a nil clock uses time.Now.
func NewMatcher(g *Gallery, emb Embedder, threshold float64, scale int, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	if scale < 1 {
		scale = 1
	}
	return &Matcher{gallery: g, embedder: emb, threshold: threshold, scale: scale, now: now}
}

// Threshold returns the distance bound.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Decide returns the nearest entry and whether it is close enough to verify.
func (m *Matcher) Decide(probe types.Embedding) (Match, bool) {
	best, ok := m.gallery.Nearest(probe)
	if !ok {
		return best, false
	}
	return best, best.Distance <= m.threshold
}

// Verify encodes every box in img and decides each against the gallery.
// bounds is the original frame rectangle; reported coordinates are rescaled and kept inside it.
func (m *Matcher) Verify(ctx context.Context, frameNumber int, img image.Image, boxes []types.BoundingBox, bounds image.Rectangle) (Identification, error) {
	start := m.now()
	out := Identification{Results: make([]types.VerificationResult, 0, len(boxes))}

	for _, box := range boxes {
		probe, err := m.embedder.Encode(ctx, img, box)
		if err != nil {
			out.Elapsed = m.now().Sub(start)
			return out, &EmbeddingError{FrameNumber: frameNumber, Err: err}
		}

		best, verified := m.Decide(probe)
		res := types.VerificationResult{
			Verified:    verified,
			Distance:    best.Distance,
			Coordinates: box.Scale(m.scale).Clamp(bounds),
			Embedding:   probe,
		}
		if verified {
			res.Identity = best.Name
			out.IdentifiedPeople++
		}
		out.Results = append(out.Results, res)
	}

	out.DetectedPeople = len(out.Results)
	out.Elapsed = m.now().Sub(start)
	return out, nil
}
