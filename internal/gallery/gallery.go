// Package gallery builds the reference gallery of known identities and verifies
// detected faces against it by nearest-neighbour Euclidean distance.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/logging"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/worker"
)

// ErrNoFace is returned when a reference image yields zero encodings.
var ErrNoFace = errors.New("no face found in image")

// Embedder is the external embedding model.
type Embedder interface {
	// EncodeWholeImage finds and encodes every face in img. Zero results is not an error.
	EncodeWholeImage(ctx context.Context, img image.Image) ([]types.Embedding, error)
	// Encode returns the descriptor of the face inside box.
	Encode(ctx context.Context, img image.Image, box types.BoundingBox) (types.Embedding, error)
}

// Skipped records a reference image left out of the gallery.
type Skipped struct {
	Name   string
	Path   string
	Reason error
}

// Gallery is immutable after Build and safe for concurrent readers.
type Gallery struct {
	entries []types.GalleryEntry
	skipped []Skipped
}

// New returns a gallery over prebuilt entries, kept in the given order.
func New(entries ...types.GalleryEntry) *Gallery {
	return &Gallery{entries: append([]types.GalleryEntry(nil), entries...)}
}

// Build loads every (name, image) pair in configuration order and encodes it.
// Images that fail to load or contain no face are logged and skipped.
// Only context cancellation or a broken model worker aborts the build.
func Build(ctx context.Context, people config.People, emb Embedder, logger *slog.Logger) (*Gallery, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Info("initializing gallery from reference images", "identities", len(people))

	g := &Gallery{}
	for _, id := range people {
		for _, path := range id.Images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			vec, err := encodeReference(ctx, emb, path)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, worker.ErrBroken) {
					return nil, err
				}
				if errors.Is(err, ErrNoFace) {
					logger.Warn("no face in reference image, skipping", "identity", id.Name, "path", path)
				} else {
					logger.Error("error processing reference image, skipping", "identity", id.Name, "path", path, "err", err)
				}
				g.skipped = append(g.skipped, Skipped{Name: id.Name, Path: path, Reason: err})
				continue
			}
			g.entries = append(g.entries, types.GalleryEntry{Name: id.Name, Embedding: vec})
		}
	}

	logger.Info("gallery ready", "entries", len(g.entries), "skipped", len(g.skipped))
	return g, nil
}

func encodeReference(ctx context.Context, emb Embedder, path string) (types.Embedding, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	vecs, err := emb.EncodeWholeImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	if len(vecs) == 0 {
		return nil, ErrNoFace
	}
	return vecs[0], nil
}

// LoadImage decodes an image file and applies its EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", path, err)
	}
	return img, nil
}

// Len returns the number of entries.
func (g *Gallery) Len() int { return len(g.entries) }

// Entries returns a copy of the entries in build order.
func (g *Gallery) Entries() []types.GalleryEntry {
	return append([]types.GalleryEntry(nil), g.entries...)
}

// Skipped returns the reference images that were left out.
func (g *Gallery) Skipped() []Skipped {
	return append([]Skipped(nil), g.skipped...)
}

// Names returns distinct identity names in first-seen order.
func (g *Gallery) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range g.entries {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// NoMatchDistance is reported when a probe had no gallery entry to compare against.
const NoMatchDistance = -1.0

// Match is the nearest gallery entry for a probe.
type Match struct {
	Name     string
	Index    int
	Distance float64
}

// Nearest scans the gallery in build order; equal distances keep the earlier entry.
// Entries of a different dimension are not comparable and are passed over.
// It reports false when nothing is comparable, including an empty gallery.
func (g *Gallery) Nearest(probe types.Embedding) (Match, bool) {
	best := Match{Index: -1, Distance: NoMatchDistance}
	for i, e := range g.entries {
		if len(e.Embedding) != len(probe) {
			continue
		}
		d := EuclideanDistance(probe, e.Embedding)
		if best.Index == -1 || d < best.Distance {
			best = Match{Name: e.Name, Index: i, Distance: d}
		}
	}
	return best, best.Index != -1
}

// EuclideanDistance returns the L2 distance, or +Inf when lengths differ.
func EuclideanDistance(a, b types.Embedding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
