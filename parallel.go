package treecorr

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// chunksPerWorker oversubscribes the worker pool so that the uneven cost of
// top-level rows (row i of an auto-correlation pairs with n-i cells) does
// not leave workers idle.
const chunksPerWorker = 4

// resolveWorkers maps a Workers setting to a goroutine count; 0 or less
// means runtime.NumCPU().
func resolveWorkers(workers int) int {
	if workers <= 0 {
		return runtime.NumCPU()
	}
	return workers
}

// chunkRange is a contiguous half-open range [lo, hi) of work items.
type chunkRange struct{ lo, hi int }

// splitChunks divides [0, n) into contiguous ranges. The number of ranges
// depends only on n and workers, so per-chunk results reduced in chunk order
// are deterministic for a given worker count.
func splitChunks(n, workers int) []chunkRange {
	if n <= 0 {
		return nil
	}
	nchunks := workers
	if workers > 1 {
		nchunks = workers * chunksPerWorker
	}
	nchunks = min(nchunks, n)
	per := (n + nchunks - 1) / nchunks

	chunks := make([]chunkRange, 0, nchunks)
	for lo := 0; lo < n; lo += per {
		chunks = append(chunks, chunkRange{lo: lo, hi: min(lo+per, n)})
	}
	return chunks
}

// runChunks calls fn once per chunk with at most workers calls in flight.
// fn receives the chunk's position in chunks so it can write a private
// result slot. The first error cancels the remaining chunks.
func runChunks(ctx context.Context, chunks []chunkRange, workers int, fn func(ctx context.Context, chunk int, r chunkRange) error) error {
	if workers <= 1 || len(chunks) <= 1 {
		for c, r := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, c, r); err != nil {
				return err
			}
		}
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c, r := range chunks {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return fn(gCtx, c, r)
		})
	}
	return g.Wait()
}
