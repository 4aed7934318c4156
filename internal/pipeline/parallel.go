package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/watchlist/internal/source"
	"github.com/andresmejia3/watchlist/internal/types"
)

// outcome carries a processed frame back to the aggregator
type outcome struct {
	FrameNumber int
	Result      types.FrameResult
	Err         error
}

// runParallel fans whole frames out to every engine and reorders the outcomes
// by frame number so the aggregator still sees a single ordered stream.
func (p *Pipeline) runParallel(ctx context.Context, stream *source.Stream, run *runState) error {
	n := len(p.engines)
	g, gctx := errgroup.WithContext(ctx)

	tasks := make(chan types.FrameRecord, n)
	results := make(chan outcome, n*2)

	// Producer: the stream is only touched from here.
	g.Go(func() error {
		defer close(tasks)
		for {
			item, err := stream.Next()
			if err != nil {
				return err
			}
			switch it := item.(type) {
			case source.EndOfStream:
				return nil
			case source.Frame:
				select {
				case tasks <- it.Record:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	var wg sync.WaitGroup
	for i := range p.engines {
		eng := p.engines[i]
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for rec := range tasks {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fr, err := p.process(gctx, eng, rec)
				select {
				case results <- outcome{FrameNumber: rec.FrameNumber, Result: fr, Err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Consumer: buffer for re-ordering frames (engine 2 might finish before engine 1)
	g.Go(func() error {
		buffer := make(map[int]outcome)
		next := 1
		for res := range results {
			buffer[res.FrameNumber] = res
			for {
				out, ok := buffer[next]
				if !ok {
					break
				}
				delete(buffer, next)
				if err := p.deliver(gctx, run, out.FrameNumber, out.Result, out.Err); err != nil {
					return err
				}
				next++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
