package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/detect"
	"github.com/andresmejia3/watchlist/internal/enhance"
	"github.com/andresmejia3/watchlist/internal/gallery"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
)

var verifyOpts Options

var verifyCmd = &cobra.Command{
	Use:   "verify <image_path>",
	Short: "Check the faces in a single image against the watchlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig(cmd, verifyOpts)
		if err != nil {
			utils.ShowError("Failed to load config", err, nil)
			return err
		}
		return runVerify(cmd.Context(), args[0], cfg)
	},
}

func init() {
	verifyCmd.Flags().Float64VarP(&verifyOpts.VerificationThreshold, "threshold", "t", 0.5, "Face verification distance threshold (lower is stricter)")
	verifyCmd.Flags().Float64VarP(&verifyOpts.DetectionThreshold, "detection-threshold", "D", 0.8, "Face detection confidence threshold")
	verifyCmd.Flags().Float64Var(&verifyOpts.ClipPercent, "clip-percent", enhance.DefaultClipPercent, "Histogram clip percentage for auto contrast")
	verifyCmd.Flags().StringVar(&verifyOpts.WorkerTimeout, "worker-timeout", "60s", "Timeout for a single model call")
	rootCmd.AddCommand(verifyCmd)
}

// runVerify pushes one still image through the same normalize, detect and verify stages as a video frame.
func runVerify(ctx context.Context, imagePath string, cfg *config.Config) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	img, err := gallery.LoadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	pool, err := startWorkers(ctx, cfg, 1)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer pool.Close()

	g, err := buildGallery(ctx, cfg, pool)
	if err != nil {
		utils.ShowError("Failed to build gallery", err, pool.crashed())
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	normalized := enhance.New(cfg.ClipPercent).Normalize(img)

	det, err := detect.NewAdapter(pool[0], time.Now).Detect(ctx, 1, normalized)
	if err != nil {
		utils.ShowError("AI processing failed", err, pool[0].Cmd)
		return err
	}
	if len(det.Boxes) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	m := gallery.NewMatcher(g, pool[0], cfg.VerificationThreshold, enhance.ScaleFactor, time.Now)
	id, err := m.Verify(ctx, 1, normalized, det.Boxes, img.Bounds())
	if err != nil {
		utils.ShowError("AI processing failed", err, pool[0].Cmd)
		return err
	}

	printVerification(os.Stdout, id.Results, cfg.VerificationThreshold)
	return nil
}

func printVerification(out io.Writer, results []types.VerificationResult, threshold float64) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tRESULT\tIDENTITY\tDISTANCE\tBOX (T,R,B,L)")
	fmt.Fprintln(w, "----\t------\t--------\t--------\t-------------")

	verified := 0
	for i, r := range results {
		status, name, dist := "❌ unknown", "-", "-"
		if r.Verified {
			status, name = "✅ match", r.Identity
			verified++
		}
		if r.Distance != gallery.NoMatchDistance {
			dist = fmt.Sprintf("%.3f", r.Distance)
		}
		c := r.Coordinates
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d,%d,%d,%d\n", i+1, status, name, dist, c.Top, c.Right, c.Bottom, c.Left)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d of %d faces verified (threshold %.3f)\n", verified, len(results), threshold)
}
