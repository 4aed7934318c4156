package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/watchlist/internal/gallery"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
)

var (
	listLimit      int
	listRun        string
	listEmbeddings bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, or the identity timeline of one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := connectDB(cmd.Context(), configDBURL(), true); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		if listRun != "" {
			return runListAppearances(cmd.Context(), listRun)
		}
		return runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of runs to show")
	listCmd.Flags().StringVar(&listRun, "run", "", "Show when each identity appeared in this run ID (or 'latest')")
	listCmd.Flags().BoolVar(&listEmbeddings, "embeddings", false, "With --run, also show stored probe embeddings per identity")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	runs, err := DB.ListRuns(ctx, listLimit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tVIDEO\tSTATUS\tFRAMES\tDETECTED\tVERIFIED\tAVG FRAME\tSTARTED")
	fmt.Fprintln(w, "---\t-----\t------\t------\t--------\t--------\t---------\t-------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.3fs\t%s\n",
			r.ID.String()[:8], r.Path, r.Status, r.Frames, r.DetectedPeople, r.IdentifiedPeople,
			r.AvgOverallTime, r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runListAppearances(ctx context.Context, ref string) error {
	var runID uuid.UUID
	var err error
	if ref == "latest" {
		runID, err = DB.LatestRun(ctx)
	} else {
		runID, err = uuid.Parse(ref)
	}
	if err != nil {
		utils.ShowError("Unknown run", err, nil)
		return err
	}

	apps, err := DB.Appearances(ctx, runID)
	if err != nil {
		utils.ShowError("Failed to load run", err, nil)
		return err
	}
	if len(apps) == 0 {
		fmt.Printf("No identity was verified in run %s.\n", runID)
		return nil
	}

	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}
	// First appearance first, like the run summary.
	sort.Slice(names, func(i, j int) bool {
		a, b := apps[names[i]][0], apps[names[j]][0]
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !listEmbeddings {
		fmt.Fprintln(w, "IDENTITY\tSIGHTINGS\tFIRST\tLAST")
		fmt.Fprintln(w, "--------\t---------\t-----\t----")
	} else {
		fmt.Fprintln(w, "IDENTITY\tSIGHTINGS\tFIRST\tLAST\tPROBES\tDIM\tSPREAD")
		fmt.Fprintln(w, "--------\t---------\t-----\t----\t------\t---\t------")
	}
	for _, name := range names {
		ts := apps[name]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s", name, len(ts), fmtTime(ts[0]), fmtTime(ts[len(ts)-1]))
		if listEmbeddings {
			vecs, err := DB.ProbeEmbeddings(ctx, runID, name)
			if err != nil {
				w.Flush()
				utils.ShowError("Failed to load embeddings", err, nil)
				return err
			}
			dim, spread := probeSpread(vecs)
			fmt.Fprintf(w, "\t%d\t%d\t%.3f", len(vecs), dim, spread)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	return nil
}

// probeSpread returns the embedding dimension and the largest distance from any probe
// to the probes' centroid. A wide spread hints at a threshold that admits look-alikes.
func probeSpread(vecs [][]float32) (int, float64) {
	if len(vecs) == 0 {
		return 0, 0
	}
	dim := len(vecs[0])
	centroid := make(types.Embedding, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			centroid[i] += float64(x)
		}
		n++
	}
	for i := range centroid {
		centroid[i] /= float64(n)
	}

	spread := 0.0
	for _, v := range vecs {
		probe := make(types.Embedding, len(v))
		for i, x := range v {
			probe[i] = float64(x)
		}
		if d := gallery.EuclideanDistance(probe, centroid); d > spread && !math.IsInf(d, 1) {
			spread = d
		}
	}
	return dim, spread
}
