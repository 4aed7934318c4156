// Package stats accumulates per-frame results into a run summary.
package stats

import "github.com/andresmejia3/watchlist/internal/types"

// Aggregator is single-writer. Frames must be added in frame-number order.
type Aggregator struct {
	frames []types.FrameResult
	keep   bool
	count  int

	detected, identified                       int
	extraction, detection, identification, all float64

	timestamps map[string][]float64
	order      []string
}

// New returns an Aggregator. When keepFrames is false only running sums are held,
// which keeps memory flat on long videos.
func New(keepFrames bool) *Aggregator {
	return &Aggregator{keep: keepFrames, timestamps: make(map[string][]float64)}
}

// Add folds one frame into the running totals.
func (a *Aggregator) Add(f types.FrameResult) {
	if a.keep {
		a.frames = append(a.frames, f)
	}
	a.detected += f.DetectedPeople
	a.identified += f.IdentifiedPeople
	a.extraction += f.ExtractionTime
	a.detection += f.DetectionTime
	a.identification += f.IdentificationTime
	a.all += f.OverallTime

	for _, r := range f.Results {
		if !r.Verified {
			continue
		}
		if _, ok := a.timestamps[r.Identity]; !ok {
			a.order = append(a.order, r.Identity)
		}
		a.timestamps[r.Identity] = append(a.timestamps[r.Identity], f.Timestamp)
	}
	a.count++
}

// Frames returns the stored frame results in order. Empty unless keepFrames was set.
func (a *Aggregator) Frames() []types.FrameResult {
	return append([]types.FrameResult(nil), a.frames...)
}

// Count returns how many frames were added.
func (a *Aggregator) Count() int { return a.count }

// Summary computes the averages. With zero frames every average is zero and the
// timestamp map is empty.
func (a *Aggregator) Summary() types.RunSummary {
	s := types.RunSummary{
		Frames:           a.count,
		DetectedPeople:   a.detected,
		IdentifiedPeople: a.identified,
		IDTimestamps:     make(map[string][]float64, len(a.timestamps)),
		IdentityOrder:    append([]string{}, a.order...),
	}
	for name, ts := range a.timestamps {
		s.IDTimestamps[name] = append([]float64(nil), ts...)
	}
	if a.count == 0 {
		return s
	}

	n := float64(a.count)
	s.ExtractionTime = types.RoundMillis(a.extraction / n)
	s.DetectionTime = types.RoundMillis(a.detection / n)
	s.IdentificationTime = types.RoundMillis(a.identification / n)
	s.OverallTime = types.RoundMillis(a.all / n)
	return s
}
