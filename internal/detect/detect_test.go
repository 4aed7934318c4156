package detect

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

type stubDetector struct {
	boxes []RawBox
	err   error
	calls int
}

func (s *stubDetector) Infer(ctx context.Context, img image.Image) ([]RawBox, error) {
	s.calls++
	return s.boxes, s.err
}

func fixedStep(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestDetectMapsBoxOrder(t *testing.T) {
	det := &stubDetector{boxes: []RawBox{
		{X1: 10.9, Y1: 20.2, X2: 50.7, Y2: 80.1, Confidence: 0.93},
		{X1: 1, Y1: 2, X2: 3, Y2: 4, Confidence: 0.81},
	}}
	a := NewAdapter(det, fixedStep(25*time.Millisecond))

	got, err := a.Detect(context.Background(), 7, image.NewRGBA(image.Rect(0, 0, 100, 100)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	want := []types.BoundingBox{
		{Top: 20, Right: 50, Bottom: 80, Left: 10},
		{Top: 2, Right: 3, Bottom: 4, Left: 1},
	}
	if len(got.Boxes) != len(want) {
		t.Fatalf("Expected %d boxes, got %d", len(want), len(got.Boxes))
	}
	for i := range want {
		if got.Boxes[i] != want[i] {
			t.Errorf("box %d = %+v, want %+v", i, got.Boxes[i], want[i])
		}
	}
	if got.Elapsed != 25*time.Millisecond {
		t.Errorf("Elapsed = %v, want 25ms", got.Elapsed)
	}
	if det.calls != 1 {
		t.Errorf("detector called %d times, want 1", det.calls)
	}
}

func TestDetectNoFacesIsEmptyNotError(t *testing.T) {
	a := NewAdapter(&stubDetector{}, nil)

	got, err := a.Detect(context.Background(), 1, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.Boxes == nil || len(got.Boxes) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", got.Boxes)
	}
}

func TestDetectWrapsFailure(t *testing.T) {
	cause := errors.New("worker crashed")
	a := NewAdapter(&stubDetector{err: cause}, nil)

	_, err := a.Detect(context.Background(), 42, image.NewRGBA(image.Rect(0, 0, 4, 4)))

	var de *DetectionError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DetectionError, got %v", err)
	}
	if de.FrameNumber != 42 {
		t.Errorf("FrameNumber = %d, want 42", de.FrameNumber)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected error to wrap cause")
	}
}
