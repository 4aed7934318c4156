package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/detect"
	"github.com/andresmejia3/watchlist/internal/enhance"
	"github.com/andresmejia3/watchlist/internal/gallery"
	"github.com/andresmejia3/watchlist/internal/source"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// Frames are uniform gray images whose intensity encodes the frame number (10 per frame).
// A uniform image survives normalization unchanged, so fakes can recover the frame.

const frameSize = 8

func frameImage(n int) image.Image {
	img := image.NewGray(image.Rect(0, 0, frameSize, frameSize))
	for i := range img.Pix {
		img.Pix[i] = uint8(n * 10)
	}
	return img
}

func frameOf(img image.Image) int {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	return (int(r>>8) + 5) / 10
}

type fakeDecoder struct {
	frames int
	fps    float64
	read   int
	closed bool
	// closeErr is what a failed ffmpeg exit looks like at end of input.
	closeErr error
}

func (d *fakeDecoder) Read() (image.Image, float64, error) {
	if d.read >= d.frames {
		return nil, 0, io.EOF
	}
	d.read++
	return frameImage(d.read), float64(d.read-1) * 1000 / d.fps, nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return d.closeErr
}

func opener(dec *fakeDecoder) source.Opener {
	return func(ctx context.Context, path string) (source.Decoder, error) { return dec, nil }
}

type fakeDetector struct {
	boxes  map[int][]detect.RawBox
	failOn map[int]bool
	err    error // returned for failOn frames, defaults to a generic failure
	delay  func(frame int) time.Duration
}

func (f *fakeDetector) Infer(ctx context.Context, img image.Image) ([]detect.RawBox, error) {
	n := frameOf(img)
	if f.delay != nil {
		time.Sleep(f.delay(n))
	}
	if f.failOn[n] {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("detector exploded")
	}
	return f.boxes[n], nil
}

type fakeEmbedder struct {
	probes map[int]types.Embedding
}

func (f *fakeEmbedder) EncodeWholeImage(ctx context.Context, img image.Image) ([]types.Embedding, error) {
	return nil, nil
}

func (f *fakeEmbedder) Encode(ctx context.Context, img image.Image, box types.BoundingBox) (types.Embedding, error) {
	p, ok := f.probes[frameOf(img)]
	if !ok {
		return nil, errors.New("no probe for frame")
	}
	return p, nil
}

// stepClock is safe for concurrent use.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

var face = detect.RawBox{X1: 1, Y1: 1, X2: 3, Y2: 3, Confidence: 0.9}

func newEngine(g *gallery.Gallery, det *fakeDetector, emb *fakeEmbedder, threshold float64, now func() time.Time) Engine {
	return Engine{
		Detector: detect.NewAdapter(det, now),
		Matcher:  gallery.NewMatcher(g, emb, threshold, enhance.ScaleFactor, now),
	}
}

func scenario() (*fakeDetector, *fakeEmbedder, *gallery.Gallery) {
	det := &fakeDetector{boxes: map[int][]detect.RawBox{
		2: {face},
		3: {face},
	}}
	emb := &fakeEmbedder{probes: map[int]types.Embedding{
		2: {0.3},
		3: {0.7},
	}}
	g := gallery.New(types.GalleryEntry{Name: "Target", Embedding: types.Embedding{0}})
	return det, emb, g
}

func TestRunThreeFrameScenario(t *testing.T) {
	det, emb, g := scenario()
	now := stepClock(time.Millisecond)
	dec := &fakeDecoder{frames: 3, fps: 25}

	p, err := New([]Engine{newEngine(g, det, emb, 0.5, now)}, WithOpener(opener(dec)), WithClock(now))
	if err != nil {
		t.Fatal(err)
	}

	rep, err := p.Run(context.Background(), "synthetic.mp4")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s := rep.Summary
	if s.Frames != 3 || s.DetectedPeople != 2 || s.IdentifiedPeople != 1 {
		t.Errorf("summary totals = %+v", s)
	}
	if ts := s.IDTimestamps["Target"]; len(ts) != 1 || ts[0] != 0.04 {
		t.Errorf("Target timestamps = %v, want [0.04]", ts)
	}
	if len(s.IDTimestamps) != 1 {
		t.Errorf("unexpected identities: %v", s.IDTimestamps)
	}
	if !dec.closed {
		t.Error("decoder not released at end of stream")
	}

	if len(rep.Frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(rep.Frames))
	}
	for i, f := range rep.Frames {
		if f.FrameNumber != i+1 {
			t.Errorf("frame %d has number %d", i, f.FrameNumber)
		}
		if f.DetectedPeople != len(f.Results) {
			t.Errorf("frame %d: detected %d, results %d", f.FrameNumber, f.DetectedPeople, len(f.Results))
		}
		verified := 0
		for _, r := range f.Results {
			if r.Verified {
				verified++
			}
			if r.Coordinates != (types.BoundingBox{Top: 2, Right: 6, Bottom: 6, Left: 2}) {
				t.Errorf("frame %d: coordinates %+v not rescaled", f.FrameNumber, r.Coordinates)
			}
		}
		if f.IdentifiedPeople != verified {
			t.Errorf("frame %d: identified %d, verified %d", f.FrameNumber, f.IdentifiedPeople, verified)
		}
		// One tick each for extraction, detection and identification, seven ticks overall.
		if f.ExtractionTime != 0.001 || f.DetectionTime != 0.001 || f.IdentificationTime != 0.001 {
			t.Errorf("frame %d stage timings = %v/%v/%v", f.FrameNumber, f.ExtractionTime, f.DetectionTime, f.IdentificationTime)
		}
		if f.OverallTime != 0.006 {
			t.Errorf("frame %d overall = %v, want 0.006", f.FrameNumber, f.OverallTime)
		}
	}

	if rep.Frames[0].Results == nil || len(rep.Frames[0].Results) != 0 {
		t.Errorf("frame 1 should have an empty result list, got %#v", rep.Frames[0].Results)
	}
	if r := rep.Frames[2].Results[0]; r.Verified || r.Identity != "" {
		t.Errorf("frame 3 should be unverified, got %+v", r)
	}
	if s.OverallTime != 0.006 {
		t.Errorf("average overall = %v", s.OverallTime)
	}
}

func TestRunZeroFrames(t *testing.T) {
	det, emb, g := scenario()
	dec := &fakeDecoder{frames: 0, fps: 25}
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)))

	rep, err := p.Run(context.Background(), "empty.mp4")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Summary.Frames != 0 || rep.Summary.OverallTime != 0 || len(rep.Frames) != 0 {
		t.Errorf("Expected empty report, got %+v", rep)
	}
	if rep.Summary.IDTimestamps == nil {
		t.Error("IDTimestamps should be an empty map, not nil")
	}
	if math.IsNaN(rep.Summary.ExtractionTime) {
		t.Error("average is NaN")
	}
}

func TestRunEmptyGallery(t *testing.T) {
	det, emb, _ := scenario()
	dec := &fakeDecoder{frames: 3, fps: 25}
	p, _ := New([]Engine{newEngine(gallery.New(), det, emb, math.Inf(1), nil)}, WithOpener(opener(dec)))

	rep, err := p.Run(context.Background(), "v.mp4")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Summary.DetectedPeople != 2 || rep.Summary.IdentifiedPeople != 0 {
		t.Errorf("Expected 2 detected and none identified, got %+v", rep.Summary)
	}
}

func TestRunErrorPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		wantErr    bool
		wantFrames int
		wantSkip   []int
	}{
		{name: "abort", policy: config.OnErrorAbort, wantErr: true, wantFrames: 1},
		{name: "skip", policy: config.OnErrorSkip, wantFrames: 2, wantSkip: []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, emb, g := scenario()
			det.failOn = map[int]bool{2: true}
			dec := &fakeDecoder{frames: 3, fps: 25}
			p, err := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)), WithOnError(tt.policy))
			if err != nil {
				t.Fatal(err)
			}

			rep, err := p.Run(context.Background(), "v.mp4")
			if tt.wantErr {
				var de *detect.DetectionError
				if !errors.As(err, &de) || de.FrameNumber != 2 {
					t.Fatalf("Expected DetectionError on frame 2, got %v", err)
				}
				if !dec.closed {
					t.Error("decoder not released after abort")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if rep.Summary.Frames != tt.wantFrames {
				t.Errorf("frames aggregated = %d, want %d", rep.Summary.Frames, tt.wantFrames)
			}
			if len(rep.Skipped) != len(tt.wantSkip) {
				t.Fatalf("skipped = %+v, want %v", rep.Skipped, tt.wantSkip)
			}
			for i, n := range tt.wantSkip {
				if rep.Skipped[i].FrameNumber != n {
					t.Errorf("skipped[%d] = %d, want %d", i, rep.Skipped[i].FrameNumber, n)
				}
			}
		})
	}
}

func TestRunSkipPolicyAbortsOnBrokenWorker(t *testing.T) {
	det, emb, g := scenario()
	det.failOn = map[int]bool{2: true}
	det.err = fmt.Errorf("worker 0 detect: %w", worker.ErrBroken)
	dec := &fakeDecoder{frames: 3, fps: 25}
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)), WithOnError(config.OnErrorSkip))

	rep, err := p.Run(context.Background(), "v.mp4")
	if !errors.Is(err, worker.ErrBroken) {
		t.Fatalf("Expected ErrBroken to abort the run, got %v", err)
	}
	if rep.Summary.Frames != 1 || len(rep.Skipped) != 0 {
		t.Errorf("frames = %d, skipped = %+v, want 1 frame and nothing skipped", rep.Summary.Frames, rep.Skipped)
	}
}

func TestRunSkipsEmbeddingErrors(t *testing.T) {
	det, emb, g := scenario()
	delete(emb.probes, 3)
	dec := &fakeDecoder{frames: 3, fps: 25}
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)), WithOnError(config.OnErrorSkip))

	rep, err := p.Run(context.Background(), "v.mp4")
	if err != nil {
		t.Fatal(err)
	}
	var ee *gallery.EmbeddingError
	if len(rep.Skipped) != 1 || !errors.As(rep.Skipped[0].Err, &ee) {
		t.Errorf("Expected one skipped embedding failure, got %+v", rep.Skipped)
	}
}

func TestRunTruncatedDecodeFails(t *testing.T) {
	for _, engines := range []int{1, 3} {
		det, emb, g := scenario()
		exit := errors.New("ffmpeg exited with status 1")
		dec := &fakeDecoder{frames: 3, fps: 25, closeErr: exit}

		var list []Engine
		for i := 0; i < engines; i++ {
			list = append(list, newEngine(g, det, emb, 0.5, nil))
		}
		p, _ := New(list, WithOpener(opener(dec)))

		rep, err := p.Run(context.Background(), "cut.mp4")
		if !errors.Is(err, exit) {
			t.Fatalf("engines=%d: expected decoder exit error, got %v", engines, err)
		}
		if engines == 1 && rep.Summary.Frames != 3 {
			t.Errorf("decoded frames should still be aggregated, got %d", rep.Summary.Frames)
		}
	}
}

func TestRunStreamOpenError(t *testing.T) {
	det, emb, g := scenario()
	fail := func(ctx context.Context, path string) (source.Decoder, error) {
		return nil, errors.New("moov atom not found")
	}
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(fail))

	rep, err := p.Run(context.Background(), "broken.mp4")
	var soe *source.StreamOpenError
	if !errors.As(err, &soe) {
		t.Fatalf("Expected StreamOpenError, got %v", err)
	}
	if rep.Summary.Frames != 0 {
		t.Error("no frame should be processed")
	}
}

func TestRunSinkErrorAborts(t *testing.T) {
	det, emb, g := scenario()
	dec := &fakeDecoder{frames: 3, fps: 25}
	boom := errors.New("disk full")
	sink := SinkFunc(func(ctx context.Context, f types.FrameResult) error {
		if f.FrameNumber == 2 {
			return boom
		}
		return nil
	})
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)), WithSinks(sink), WithOnError(config.OnErrorSkip))

	if _, err := p.Run(context.Background(), "v.mp4"); !errors.Is(err, boom) {
		t.Fatalf("Expected sink error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	det, emb, g := scenario()
	dec := &fakeDecoder{frames: 3, fps: 25}
	p, _ := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOpener(opener(dec)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, "v.mp4"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestRunParallelKeepsFrameOrder(t *testing.T) {
	const frames = 20
	g := gallery.New(types.GalleryEntry{Name: "Target", Embedding: types.Embedding{0}})

	var engines []Engine
	for i := 0; i < 4; i++ {
		det := &fakeDetector{
			boxes: make(map[int][]detect.RawBox),
			// Early frames are slow so later frames overtake them.
			delay: func(n int) time.Duration { return time.Duration(frames-n) * time.Millisecond },
		}
		emb := &fakeEmbedder{probes: make(map[int]types.Embedding)}
		for n := 1; n <= frames; n++ {
			det.boxes[n] = []detect.RawBox{face}
			emb.probes[n] = types.Embedding{0.1}
		}
		engines = append(engines, newEngine(g, det, emb, 0.5, nil))
	}

	var seen []int
	sink := SinkFunc(func(ctx context.Context, f types.FrameResult) error {
		seen = append(seen, f.FrameNumber)
		return nil
	})

	dec := &fakeDecoder{frames: frames, fps: 10}
	p, err := New(engines, WithOpener(opener(dec)), WithSinks(sink))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := p.Run(context.Background(), "v.mp4")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(seen) != frames {
		t.Fatalf("sink saw %d frames, want %d", len(seen), frames)
	}
	for i, n := range seen {
		if n != i+1 {
			t.Fatalf("frames delivered out of order: %v", seen)
		}
	}
	ts := rep.Summary.IDTimestamps["Target"]
	if len(ts) != frames {
		t.Fatalf("Target timestamps = %v", ts)
	}
	for i := 1; i < len(ts); i++ {
		if ts[i] < ts[i-1] {
			t.Fatalf("timestamps not chronological: %v", ts)
		}
	}
}

func TestRunParallelAbort(t *testing.T) {
	g := gallery.New(types.GalleryEntry{Name: "Target", Embedding: types.Embedding{0}})
	var engines []Engine
	for i := 0; i < 3; i++ {
		det := &fakeDetector{failOn: map[int]bool{5: true}}
		engines = append(engines, newEngine(g, det, &fakeEmbedder{}, 0.5, nil))
	}
	dec := &fakeDecoder{frames: 12, fps: 25}
	p, _ := New(engines, WithOpener(opener(dec)))

	rep, err := p.Run(context.Background(), "v.mp4")
	var de *detect.DetectionError
	if !errors.As(err, &de) || de.FrameNumber != 5 {
		t.Fatalf("Expected DetectionError on frame 5, got %v", err)
	}
	if rep.Summary.Frames != 4 {
		t.Errorf("Expected frames 1-4 aggregated, got %d", rep.Summary.Frames)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error without engines")
	}
	det, emb, g := scenario()
	if _, err := New([]Engine{newEngine(g, det, emb, 0.5, nil)}, WithOnError("retry")); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestFrameImageSurvivesNormalization(t *testing.T) {
	n := enhance.New(enhance.DefaultClipPercent)
	for _, f := range []int{1, 7, 20} {
		out := n.Normalize(frameImage(f))
		if got := frameOf(out); got != f {
			t.Errorf("frame %d decoded as %d after normalization", f, got)
		}
		if out.Bounds().Dx() != frameSize/2 {
			t.Errorf("normalized width = %d", out.Bounds().Dx())
		}
	}
}
