package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/detect"
	"github.com/andresmejia3/watchlist/internal/enhance"
	"github.com/andresmejia3/watchlist/internal/gallery"
	"github.com/andresmejia3/watchlist/internal/pipeline"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// workerPool owns the model processes for one command.
type workerPool []*worker.PythonWorker

// startWorkers spawns n model processes. On failure the ones already started are closed.
func startWorkers(ctx context.Context, cfg *config.Config, n int) (workerPool, error) {
	wcfg := worker.Config{
		Script:             cfg.WorkerScript,
		ModelPath:          cfg.DetectionModelPath,
		DetectionThreshold: cfg.DetectionThreshold,
		ReadTimeout:        cfg.Timeout(),
	}

	var pool workerPool
	for i := 0; i < n; i++ {
		w, err := worker.NewPythonWorker(ctx, i, wcfg)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pool = append(pool, w)
	}
	return pool, nil
}

// Close stops every worker.
func (p workerPool) Close() {
	for _, w := range p {
		w.Close()
	}
}

// crashed returns the first worker whose process left logs, for error reporting.
func (p workerPool) crashed() *utils.SafeCommand {
	for _, w := range p {
		if w.Logs() != "" {
			return w.Cmd
		}
	}
	return nil
}

// buildGallery encodes the reference images with the first worker.
func buildGallery(ctx context.Context, cfg *config.Config, pool workerPool) (*gallery.Gallery, error) {
	fmt.Fprintf(os.Stderr, "🗂️  Building gallery from %d reference images...\n", cfg.ImageCount())
	g, err := gallery.Build(ctx, cfg.People, pool[0], Logger)
	if err != nil {
		return nil, err
	}
	if g.Len() > 0 {
		fmt.Fprintf(os.Stderr, "👥 Watchlist: %s\n", gallerySummary(g))
	}
	if n := len(g.Skipped()); n > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %d reference images (see log).\n", n)
	}
	if g.Len() == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  Gallery is empty: every face will be reported unverified.")
	}
	return g, nil
}

// gallerySummary lists each identity with its number of reference embeddings, in build order.
func gallerySummary(g *gallery.Gallery) string {
	counts := make(map[string]int)
	for _, e := range g.Entries() {
		counts[e.Name]++
	}
	parts := make([]string, 0, len(counts))
	for _, name := range g.Names() {
		parts = append(parts, fmt.Sprintf("%s (%d)", name, counts[name]))
	}
	return strings.Join(parts, ", ")
}

// buildEngines pairs each worker with a detection adapter and a matcher over the shared gallery.
func buildEngines(g *gallery.Gallery, cfg *config.Config, pool workerPool, now func() time.Time) []pipeline.Engine {
	engines := make([]pipeline.Engine, 0, len(pool))
	for _, w := range pool {
		engines = append(engines, pipeline.Engine{
			Detector: detect.NewAdapter(w, now),
			Matcher:  gallery.NewMatcher(g, w, cfg.VerificationThreshold, enhance.ScaleFactor, now),
		})
	}
	return engines
}
