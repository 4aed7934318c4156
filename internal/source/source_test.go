package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
	"testing"
	"time"
)

type fakeDecoder struct {
	timestamps []float64
	readErr    error
	closeErr   error
	pos        int
	closed     int
}

func (f *fakeDecoder) Read() (image.Image, float64, error) {
	if f.pos >= len(f.timestamps) {
		if f.readErr != nil {
			return nil, 0, f.readErr
		}
		return nil, 0, io.EOF
	}
	ts := f.timestamps[f.pos]
	f.pos++
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), ts, nil
}

func (f *fakeDecoder) Close() error {
	f.closed++
	return f.closeErr
}

// stepClock advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func openFake(dec *fakeDecoder) Opener {
	return func(ctx context.Context, path string) (Decoder, error) { return dec, nil }
}

func TestStreamFrameNumbersAndEndOfStream(t *testing.T) {
	dec := &fakeDecoder{timestamps: []float64{0, 40, 80}}
	s, err := Open(context.Background(), "video.mp4", openFake(dec), WithClock(stepClock(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var records []Frame
	for {
		item, err := s.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if eos, ok := item.(EndOfStream); ok {
			if eos.Frames != 3 {
				t.Errorf("EndOfStream.Frames = %d, want 3", eos.Frames)
			}
			break
		}
		records = append(records, item.(Frame))
	}

	if len(records) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(records))
	}
	wantTimestamps := []float64{0, 0.04, 0.08}
	for i, f := range records {
		if f.Record.FrameNumber != i+1 {
			t.Errorf("frame %d has FrameNumber %d", i, f.Record.FrameNumber)
		}
		if wantTs := wantTimestamps[i]; f.Record.Timestamp != wantTs {
			t.Errorf("frame %d timestamp = %v, want %v", i+1, f.Record.Timestamp, wantTs)
		}
		// Each Next reads the clock twice, 10ms apart.
		if f.Record.ExtractionTime != 0.01 {
			t.Errorf("frame %d extraction time = %v, want 0.01", i+1, f.Record.ExtractionTime)
		}
	}

	if dec.closed != 1 {
		t.Errorf("decoder closed %d times, want 1", dec.closed)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next after end = %v, want ErrStreamClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after end returned %v", err)
	}
	if dec.closed != 1 {
		t.Errorf("Close after end closed decoder again")
	}
}

func TestStreamEmptyVideo(t *testing.T) {
	dec := &fakeDecoder{}
	s, err := Open(context.Background(), "empty.mp4", openFake(dec))
	if err != nil {
		t.Fatal(err)
	}
	item, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := item.(EndOfStream); !ok {
		t.Fatalf("Expected EndOfStream, got %T", item)
	}
}

func TestStreamReadError(t *testing.T) {
	dec := &fakeDecoder{timestamps: []float64{0}, readErr: errors.New("corrupt packet")}
	s, _ := Open(context.Background(), "bad.mp4", openFake(dec))

	if _, err := s.Next(); err != nil {
		t.Fatalf("first frame should decode: %v", err)
	}
	if _, err := s.Next(); err == nil {
		t.Fatal("Expected decode error, got nil")
	}
	if dec.closed != 1 {
		t.Errorf("decoder should be released after a read error")
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}
}

func TestStreamCloseErrorAtEndOfInput(t *testing.T) {
	exit := errors.New("ffmpeg exited with status 1: Invalid data found when processing input")
	dec := &fakeDecoder{timestamps: []float64{0, 40}, closeErr: exit}
	s, _ := Open(context.Background(), "truncated.mp4", openFake(dec))

	for i := 0; i < 2; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("frame %d should decode: %v", i+1, err)
		}
	}
	item, err := s.Next()
	if !errors.Is(err, exit) {
		t.Fatalf("Expected the decoder exit error, got item=%v err=%v", item, err)
	}
	if _, ok := item.(EndOfStream); ok {
		t.Error("a failed decoder must not report EndOfStream")
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}
}

func TestOpenWrapsStreamOpenError(t *testing.T) {
	failing := func(ctx context.Context, path string) (Decoder, error) {
		return nil, errors.New("no such codec")
	}
	_, err := Open(context.Background(), "x.mkv", failing)

	var soe *StreamOpenError
	if !errors.As(err, &soe) {
		t.Fatalf("Expected StreamOpenError, got %v", err)
	}
	if soe.Path != "x.mkv" {
		t.Errorf("Path = %q", soe.Path)
	}
}

func TestFFmpegOpenerMissingFile(t *testing.T) {
	_, err := FFmpegOpener(context.Background(), "definitely-missing.mp4")
	var soe *StreamOpenError
	if !errors.As(err, &soe) {
		t.Fatalf("Expected StreamOpenError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped ErrNotExist, got %v", err)
	}
}

func TestFFmpegDecoderSplitsJpegStream(t *testing.T) {
	var stream bytes.Buffer
	for _, shade := range []uint8{10, 200} {
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = shade
		}
		if err := jpeg.Encode(&stream, img, &jpeg.Options{Quality: 100}); err != nil {
			t.Fatal(err)
		}
	}

	dec := newFFmpegDecoder(nil, io.NopCloser(&stream), nil, 25)

	for i, wantTs := range []float64{0, 40} {
		img, ts, err := dec.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if ts != wantTs {
			t.Errorf("frame %d ts = %v, want %v", i, ts, wantTs)
		}
		if img.Bounds().Dx() != 8 {
			t.Errorf("frame %d width = %d", i, img.Bounds().Dx())
		}
	}
	if _, _, err := dec.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
	if err := dec.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
