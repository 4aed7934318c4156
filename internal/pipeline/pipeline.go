// Package pipeline drives frames from the source through normalization, detection
// and verification into the aggregator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/detect"
	"github.com/andresmejia3/watchlist/internal/enhance"
	"github.com/andresmejia3/watchlist/internal/gallery"
	"github.com/andresmejia3/watchlist/internal/logging"
	"github.com/andresmejia3/watchlist/internal/source"
	"github.com/andresmejia3/watchlist/internal/stats"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// Engine is one detector plus matcher. Engines never share model handles.
type Engine struct {
	Detector *detect.Adapter
	Matcher  *gallery.Matcher
}

// FrameSink receives each frame result after the aggregator, in frame order.
type FrameSink interface {
	Frame(ctx context.Context, f types.FrameResult) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(ctx context.Context, f types.FrameResult) error

func (fn SinkFunc) Frame(ctx context.Context, f types.FrameResult) error { return fn(ctx, f) }

// SkippedFrame is a frame dropped under the skip policy.
type SkippedFrame struct {
	FrameNumber int
	Err         error
}

// Report is the outcome of a run. On error it holds whatever was aggregated so far.
type Report struct {
	Summary types.RunSummary
	Frames  []types.FrameResult
	Skipped []SkippedFrame
}

type Pipeline struct {
	engines    []Engine
	opener     source.Opener
	normalizer *enhance.Normalizer
	onError    string
	now        func() time.Time
	logger     *slog.Logger
	sinks      []FrameSink
	keepFrames bool
}

type Option func(*Pipeline)

// WithOpener replaces the ffmpeg decoder.
func WithOpener(o source.Opener) Option { return func(p *Pipeline) { p.opener = o } }

// WithNormalizer sets the image normalizer.
func WithNormalizer(n *enhance.Normalizer) Option { return func(p *Pipeline) { p.normalizer = n } }

// WithOnError sets the per-frame failure policy, config.OnErrorAbort or config.OnErrorSkip.
func WithOnError(policy string) Option { return func(p *Pipeline) { p.onError = policy } }

// WithClock sets the clock shared with the source. Engines must be built with the same clock.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithSinks appends frame sinks.
func WithSinks(s ...FrameSink) Option { return func(p *Pipeline) { p.sinks = append(p.sinks, s...) } }

// WithKeepFrames controls whether Report.Frames is populated.
func WithKeepFrames(keep bool) Option { return func(p *Pipeline) { p.keepFrames = keep } }

// New builds a pipeline. One engine runs frames sequentially; more run whole frames in parallel.
func New(engines []Engine, opts ...Option) (*Pipeline, error) {
	if len(engines) == 0 {
		return nil, errors.New("pipeline needs at least one engine")
	}
	p := &Pipeline{
		engines:    engines,
		opener:     source.FFmpegOpener,
		normalizer: enhance.New(enhance.DefaultClipPercent),
		onError:    config.OnErrorAbort,
		now:        time.Now,
		logger:     logging.Discard(),
		keepFrames: true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.onError != config.OnErrorAbort && p.onError != config.OnErrorSkip {
		return nil, fmt.Errorf("unknown error policy %q", p.onError)
	}
	return p, nil
}

// Run processes the video at path to the end of the stream.
func (p *Pipeline) Run(ctx context.Context, path string) (Report, error) {
	stream, err := source.Open(ctx, path, p.opener, source.WithClock(p.now), source.WithLogger(p.logger))
	if err != nil {
		return Report{Summary: stats.New(false).Summary()}, err
	}
	defer stream.Close()

	run := &runState{agg: stats.New(p.keepFrames)}
	if len(p.engines) == 1 {
		err = p.runSequential(ctx, stream, run)
	} else {
		err = p.runParallel(ctx, stream, run)
	}
	p.logger.Debug("run finished", "frames", run.agg.Count(), "skipped", len(run.skipped), "engines", len(p.engines), "err", err)
	return run.report(), err
}

type runState struct {
	agg     *stats.Aggregator
	skipped []SkippedFrame
}

func (r *runState) report() Report {
	return Report{Summary: r.agg.Summary(), Frames: r.agg.Frames(), Skipped: r.skipped}
}

func (p *Pipeline) runSequential(ctx context.Context, stream *source.Stream, run *runState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := stream.Next()
		if err != nil {
			return err
		}

		switch it := item.(type) {
		case source.EndOfStream:
			return nil
		case source.Frame:
			fr, err := p.process(ctx, p.engines[0], it.Record)
			if err := p.deliver(ctx, run, it.Record.FrameNumber, fr, err); err != nil {
				return err
			}
		}
	}
}

// process runs one frame through normalize, detect and verify.
func (p *Pipeline) process(ctx context.Context, eng Engine, rec types.FrameRecord) (types.FrameResult, error) {
	normalized := p.normalizer.Normalize(rec.Image)

	det, err := eng.Detector.Detect(ctx, rec.FrameNumber, normalized)
	if err != nil {
		return types.FrameResult{}, err
	}

	id, err := eng.Matcher.Verify(ctx, rec.FrameNumber, normalized, det.Boxes, rec.Image.Bounds())
	if err != nil {
		return types.FrameResult{}, err
	}
	end := p.now()

	return types.FrameResult{
		Timestamp:          rec.Timestamp,
		FrameNumber:        rec.FrameNumber,
		ExtractionTime:     rec.ExtractionTime,
		DetectionTime:      types.Seconds(det.Elapsed),
		IdentificationTime: types.Seconds(id.Elapsed),
		OverallTime:        types.Seconds(end.Sub(rec.StartTime)),
		DetectedPeople:     id.DetectedPeople,
		IdentifiedPeople:   id.IdentifiedPeople,
		Results:            id.Results,
	}, nil
}

// deliver applies the error policy, then feeds the aggregator and sinks.
func (p *Pipeline) deliver(ctx context.Context, run *runState, frameNumber int, fr types.FrameResult, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.onError == config.OnErrorSkip && isFrameError(err) {
			p.logger.Warn("skipping frame", "frame", frameNumber, "err", err)
			run.skipped = append(run.skipped, SkippedFrame{FrameNumber: frameNumber, Err: err})
			return nil
		}
		return err
	}

	run.agg.Add(fr)
	p.logger.Info(fmt.Sprintf("%d people detected, %d people verified", fr.DetectedPeople, fr.IdentifiedPeople),
		"frame", fr.FrameNumber,
		"timestamp", fr.Timestamp,
		"extraction", fr.ExtractionTime,
		"detection", fr.DetectionTime,
		"identification", fr.IdentificationTime,
		"overall", fr.OverallTime,
	)
	for _, s := range p.sinks {
		if err := s.Frame(ctx, fr); err != nil {
			return fmt.Errorf("frame %d sink: %w", fr.FrameNumber, err)
		}
	}
	return nil
}

// isFrameError reports whether err is a per-frame model failure that the skip policy covers.
// A worker that lost sync with its process fails every later frame, so it is not skippable.
func isFrameError(err error) bool {
	if errors.Is(err, worker.ErrBroken) {
		return false
	}
	var de *detect.DetectionError
	var ee *gallery.EmbeddingError
	return errors.As(err, &de) || errors.As(err, &ee)
}
