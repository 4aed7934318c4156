package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/enhance"
	"github.com/andresmejia3/watchlist/internal/pipeline"
	"github.com/andresmejia3/watchlist/internal/store"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
)

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a video and report when watchlist identities appear",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateRunFlags(&runOpts); err != nil {
			utils.ShowError("Invalid arguments", err, nil)
			return err
		}
		cfg, err := loadConfig(cmd, runOpts)
		if err != nil {
			utils.ShowError("Failed to load config", err, nil)
			return err
		}
		return runVideo(cmd.Context(), cfg, runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to video")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "", "Write the summary and per-frame results as JSON to this file")
	runCmd.Flags().IntVarP(&runOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	runCmd.Flags().Float64Var(&runOpts.ClipPercent, "clip-percent", enhance.DefaultClipPercent, "Histogram clip percentage for auto contrast")
	runCmd.Flags().StringVar(&runOpts.OnError, "on-error", config.OnErrorAbort, "Per-frame model failure policy: abort or skip")
	runCmd.Flags().Float64VarP(&runOpts.VerificationThreshold, "threshold", "t", 0.5, "Face verification distance threshold (lower is stricter)")
	runCmd.Flags().Float64VarP(&runOpts.DetectionThreshold, "detection-threshold", "D", 0.8, "Face detection confidence threshold")
	runCmd.Flags().StringVar(&runOpts.WorkerTimeout, "worker-timeout", "60s", "Timeout for a single model call")
	runCmd.Flags().BoolVar(&runOpts.NoProgress, "no-progress", false, "Hide the progress bar")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// runVideo wires workers, gallery, persistence and progress around one pipeline run.
func runVideo(ctx context.Context, cfg *config.Config, opts Options) error {
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Engines)
	pool, err := startWorkers(ctx, cfg, cfg.Engines)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer pool.Close()

	g, err := buildGallery(ctx, cfg, pool)
	if err != nil {
		utils.ShowError("Failed to build gallery", err, pool.crashed())
		return err
	}

	now := time.Now
	var sinks []pipeline.FrameSink

	if err := connectDB(ctx, cfg.DatabaseURL, false); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	var runID uuid.UUID
	if DB != nil {
		runID, err = registerRun(ctx, cfg, opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to register run", err, nil)
			return err
		}
		sinks = append(sinks, pipeline.SinkFunc(DB.FrameSink(runID)))
	}

	var bar *progressbar.ProgressBar
	if !opts.NoProgress {
		bar = newProgressBar(utils.GetTotalFrames(ctx, opts.InputPath))
		sinks = append(sinks, progressSink(bar))
	}

	p, err := pipeline.New(buildEngines(g, cfg, pool, now),
		pipeline.WithNormalizer(enhance.New(cfg.ClipPercent)),
		pipeline.WithOnError(cfg.OnError),
		pipeline.WithClock(now),
		pipeline.WithLogger(Logger),
		pipeline.WithSinks(sinks...),
		pipeline.WithKeepFrames(opts.OutputPath != ""),
	)
	if err != nil {
		return err
	}

	report, runErr := p.Run(ctx, opts.InputPath)
	if bar != nil {
		bar.Finish()
	}

	if DB != nil {
		status := store.StatusCompleted
		if runErr != nil {
			status = store.StatusFailed
		}
		// Background: the run context may already be cancelled and the status still has to land.
		if err := DB.FinishRun(context.Background(), runID, report.Summary, status); err != nil {
			Logger.Error("failed to store run summary", "run", runID, "err", err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintf(os.Stderr, "\n🛑 Run cancelled after %d frames.\n", report.Summary.Frames)
			return runErr
		}
		utils.ShowError("Pipeline failed", runErr, pool.crashed())
		return runErr
	}

	if len(report.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %d frames after model errors.\n", len(report.Skipped))
	}
	printSummary(os.Stdout, report.Summary)

	if opts.OutputPath != "" {
		if err := writeReport(opts.OutputPath, report); err != nil {
			utils.ShowError("Failed to write output", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Results written to %s\n", opts.OutputPath)
	}
	return nil
}

// registerRun records the video and opens a run for it.
func registerRun(ctx context.Context, cfg *config.Config, path string) (uuid.UUID, error) {
	videoID, err := utils.GenerateVideoID(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate video ID: %w", err)
	}
	if err := DB.EnsureVideoMetadata(ctx, videoID, path); err != nil {
		return uuid.Nil, err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	return DB.CreateRun(ctx, videoID, store.RunParams{
		VerificationThreshold: cfg.VerificationThreshold,
		DetectionThreshold:    cfg.DetectionThreshold,
		ClipPercent:           cfg.ClipPercent,
		Engines:               cfg.Engines,
	})
}

func newProgressBar(total int) *progressbar.ProgressBar {
	if total <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Watchlist Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}

func progressSink(bar *progressbar.ProgressBar) pipeline.FrameSink {
	return pipeline.SinkFunc(func(ctx context.Context, f types.FrameResult) error {
		bar.Add(1)
		return nil
	})
}

// printSummary writes the end-of-run averages and per-identity timestamps.
func printSummary(w io.Writer, s types.RunSummary) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RUN SUMMARY (%d frames)\n", s.Frames)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "Average time for extracting a frame: %.3fs\n", s.ExtractionTime)
	fmt.Fprintf(w, "Average time for detecting people in a frame: %.3fs\n", s.DetectionTime)
	fmt.Fprintf(w, "Average time for identifying people in a frame: %.3fs\n", s.IdentificationTime)
	fmt.Fprintf(w, "Average overall time for a frame: %.3fs\n", s.OverallTime)
	fmt.Fprintf(w, "👁️  Faces detected: %d, verified: %d\n", s.DetectedPeople, s.IdentifiedPeople)

	if len(s.IdentityOrder) == 0 {
		fmt.Fprintln(w, "\nNo watchlist identity was verified.")
	}
	for _, name := range s.IdentityOrder {
		ts := s.IDTimestamps[name]
		fmt.Fprintf(w, "\n👤 %s was in the frame %d times (first %s, last %s)\n", name, len(ts), fmtTime(ts[0]), fmtTime(ts[len(ts)-1]))
		fmt.Fprintf(w, "   %s\n", fmtTimestamps(ts))
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTimestamps(ts []float64) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = fmt.Sprintf("%.3f", t)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type jsonReport struct {
	Summary types.RunSummary    `json:"summary"`
	Frames  []types.FrameResult `json:"frames"`
	Skipped []jsonSkipped       `json:"skipped,omitempty"`
}

type jsonSkipped struct {
	FrameNumber int    `json:"frame_number"`
	Error       string `json:"error"`
}

func writeReport(path string, r pipeline.Report) error {
	out := jsonReport{Summary: r.Summary, Frames: r.Frames}
	if out.Frames == nil {
		out.Frames = []types.FrameResult{}
	}
	for _, s := range r.Skipped {
		out.Skipped = append(out.Skipped, jsonSkipped{FrameNumber: s.FrameNumber, Error: s.Err.Error()})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// validateRunFlags ensures all CLI arguments are valid before starting heavy processes.
func validateRunFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.NumEngines < 1 {
		return fmt.Errorf("engines must be >= 1, got %d", opts.NumEngines)
	}
	if opts.OnError != config.OnErrorAbort && opts.OnError != config.OnErrorSkip {
		return fmt.Errorf("on-error must be %q or %q, got %q", config.OnErrorAbort, config.OnErrorSkip, opts.OnError)
	}
	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		return fmt.Errorf("invalid worker-timeout format (use '30s', '2m'): %w", err)
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
