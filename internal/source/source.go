// Package source turns a decoder into an ordered stream of frame records
// terminated by a single EndOfStream marker.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/watchlist/internal/logging"
	"github.com/andresmejia3/watchlist/internal/types"
)

// ErrStreamClosed is returned by Next after EndOfStream has been emitted.
var ErrStreamClosed = errors.New("stream already reached end of input")

// StreamOpenError means the input could not be opened for decoding. It is fatal for a run.
type StreamOpenError struct {
	Path string
	Err  error
}

func (e *StreamOpenError) Error() string {
	return fmt.Sprintf("cannot open video %q: %v", e.Path, e.Err)
}

func (e *StreamOpenError) Unwrap() error { return e.Err }

// Decoder yields successive frames. Read returns io.EOF after the last frame.
type Decoder interface {
	Read() (img image.Image, timestampMs float64, err error)
	Close() error
}

// Opener opens a decoder for path.
type Opener func(ctx context.Context, path string) (Decoder, error)

// Item is either a Frame or EndOfStream.
type Item interface {
	isItem()
}

// Frame carries one decoded record.
type Frame struct {
	Record types.FrameRecord
}

// EndOfStream is emitted exactly once when the decoder runs dry.
type EndOfStream struct {
	Frames int // number of frames emitted before the marker
}

func (Frame) isItem()       {}
func (EndOfStream) isItem() {}

// Stream is not safe for concurrent use.
type Stream struct {
	dec    Decoder
	now    func() time.Time
	logger *slog.Logger
	count  int
	done   bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithClock sets the clock used for start times and decode timing.
// The orchestrator must share it so overall timings use the same epoch.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// Open opens path with the given opener.
func Open(ctx context.Context, path string, open Opener, opts ...Option) (*Stream, error) {
	s := &Stream{now: time.Now, logger: logging.Discard()}
	for _, o := range opts {
		o(s)
	}

	dec, err := open(ctx, path)
	if err != nil {
		var soe *StreamOpenError
		if errors.As(err, &soe) {
			return nil, err
		}
		return nil, &StreamOpenError{Path: path, Err: err}
	}
	s.dec = dec
	s.logger.Info("video input opened", "path", path)
	return s, nil
}

// Next returns the next frame, or EndOfStream once. A decoder that fails to close
// cleanly at end of input yields an error instead of EndOfStream.
func (s *Stream) Next() (Item, error) {
	if s.done {
		return nil, ErrStreamClosed
	}

	start := s.now()
	img, tsMs, err := s.dec.Read()
	if errors.Is(err, io.EOF) {
		// ffmpeg reports a failed decode only through its exit status, so a close
		// error here means the input was truncated, not finished.
		if err := s.finish(); err != nil {
			return nil, fmt.Errorf("decoder failed after %d frames: %w", s.count, err)
		}
		s.logger.Info("all frames have been successfully extracted", "frames", s.count)
		return EndOfStream{Frames: s.count}, nil
	}
	if err != nil {
		s.finish()
		return nil, fmt.Errorf("decode frame %d: %w", s.count+1, err)
	}

	s.count++
	return Frame{Record: types.FrameRecord{
		Image:          img,
		FrameNumber:    s.count,
		Timestamp:      types.RoundMillis(tsMs / 1000.0),
		ExtractionTime: types.Seconds(s.now().Sub(start)),
		StartTime:      start,
	}}, nil
}

// Close releases the decoder early. Safe to call after EndOfStream.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	return s.finish()
}

func (s *Stream) finish() error {
	s.done = true
	if err := s.dec.Close(); err != nil {
		s.logger.Warn("decoder close failed", "err", err)
		return err
	}
	return nil
}
