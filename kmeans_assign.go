package treecorr

import (
	"context"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// KMeansAssignPatches labels every catalog point with the index of its
// nearest center. Ties go to the lower index.
func (f *Field) KMeansAssignPatches(centers [][]float64) ([]int, error) {
	if err := validateNPatch(len(centers), f.NumPoints()); err != nil {
		return nil, err
	}
	cs, err := centerVecs(centers, f.Dims())
	if err != nil {
		return nil, err
	}
	labels := make([]int, f.cat.NumPoints())
	e := newKMeansEngine(f, len(cs), 0)
	if err := e.assign(context.Background(), cs, labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// kmeansEngine holds the scratch state of a k-means run. The field is never
// modified; per-cell candidate lists live on each worker's stack.
type kmeansEngine struct {
	f       *Field
	npatch  int
	workers int
	chunks  []chunkRange

	// Per-patch sums from the last assignment.
	sumWP []r3.Vec
	sumW  []float64
	count []int
}

func newKMeansEngine(f *Field, npatch, workers int) *kmeansEngine {
	workers = resolveWorkers(workers)
	return &kmeansEngine{
		f:       f,
		npatch:  npatch,
		workers: workers,
		chunks:  splitChunks(len(f.top), workers),
		sumWP:   make([]r3.Vec, npatch),
		sumW:    make([]float64, npatch),
		count:   make([]int, npatch),
	}
}

// patchSums is one worker's share of the per-patch totals.
type patchSums struct {
	sumWP []r3.Vec
	sumW  []float64
	count []int
}

func newPatchSums(npatch int) *patchSums {
	return &patchSums{
		sumWP: make([]r3.Vec, npatch),
		sumW:  make([]float64, npatch),
		count: make([]int, npatch),
	}
}

func (s *patchSums) add(k int, w float64, p r3.Vec) {
	s.sumWP[k] = r3.Add(s.sumWP[k], r3.Scale(w, p))
	s.sumW[k] += w
	s.count[k]++
}

// assign writes the nearest center of every catalog point into labels and
// records the per-patch sums. Workers own disjoint top-level cells; their
// sums are merged in chunk order.
func (e *kmeansEngine) assign(ctx context.Context, centers []r3.Vec, labels []int) error {
	all := make([]int, len(centers))
	for k := range all {
		all[k] = k
	}
	parts := make([]*patchSums, len(e.chunks))
	err := runChunks(ctx, e.chunks, e.workers, func(ctx context.Context, c int, r chunkRange) error {
		a := &cellAssigner{f: e.f, centers: centers, labels: labels, sums: newPatchSums(len(centers))}
		for t := r.lo; t < r.hi; t++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			a.assignCell(&e.f.cells[e.f.top[t]], all)
		}
		parts[c] = a.sums
		return nil
	})
	if err != nil {
		return err
	}

	total := newPatchSums(len(centers))
	for _, p := range parts {
		for k := range centers {
			total.sumWP[k] = r3.Add(total.sumWP[k], p.sumWP[k])
			total.sumW[k] += p.sumW[k]
			total.count[k] += p.count[k]
		}
	}
	for _, i := range e.f.excluded {
		k := nearestCenter(e.f.cat.pos[i], centers, all)
		labels[i] = k
		total.add(k, e.f.cat.w[i], e.f.cat.pos[i])
	}
	e.sumWP, e.sumW, e.count = total.sumWP, total.sumW, total.count
	return nil
}

// updateCenters moves every center to the weighted centroid of its patch
// and returns the rms shift. Patches with no weight keep their center.
func (e *kmeansEngine) updateCenters(centers []r3.Vec) float64 {
	var shift2 float64
	for k := range centers {
		if e.sumW[k] <= 0 {
			continue
		}
		c := r3.Scale(1/e.sumW[k], e.sumWP[k])
		if e.f.Coords() == CoordsSphere {
			if n := r3.Norm(c); n > 0 {
				c = r3.Scale(1/n, c)
			}
		}
		shift2 += r3.Norm2(r3.Sub(c, centers[k]))
		centers[k] = c
	}
	return math.Sqrt(shift2 / float64(len(centers)))
}

// cellAssigner labels the points of one worker's cells.
type cellAssigner struct {
	f       *Field
	centers []r3.Vec
	labels  []int
	sums    *patchSums
	stack   []int
}

// assignCell labels the points of c given the candidate centers that may
// still be nearest to some point of c. cands is in ascending order.
func (a *cellAssigner) assignCell(c *Cell, cands []int) {
	best := cands[0]
	bestDsq := r3.Norm2(r3.Sub(c.Pos, a.centers[best]))
	for _, k := range cands[1:] {
		if d := r3.Norm2(r3.Sub(c.Pos, a.centers[k])); d < bestDsq {
			best, bestDsq = k, d
		}
	}

	// Drop every center that is farther than best from all points of c.
	mark := len(a.stack)
	bestD := math.Sqrt(bestDsq)
	for _, k := range cands {
		if k == best || !prefers(bestD, r3.Norm2(r3.Sub(c.Pos, a.centers[k])), c.Size) {
			a.stack = append(a.stack, k)
		}
	}
	next := a.stack[mark:]
	defer func() { a.stack = a.stack[:mark] }()

	switch {
	case len(next) == 1:
		for _, i := range a.f.Points(c) {
			a.labels[i] = best
			a.sums.add(best, a.f.cat.w[i], a.f.cat.pos[i])
		}
	case c.IsLeaf():
		for _, i := range a.f.Points(c) {
			k := nearestCenter(a.f.cat.pos[i], a.centers, next)
			a.labels[i] = k
			a.sums.add(k, a.f.cat.w[i], a.f.cat.pos[i])
		}
	default:
		a.assignCell(&a.f.cells[c.Left], next)
		a.assignCell(&a.f.cells[c.Right], next)
	}
}

// nearestCenter returns the candidate nearest to p, the lower index on ties.
func nearestCenter(p r3.Vec, centers []r3.Vec, cands []int) int {
	best, bestDsq := -1, math.Inf(1)
	for _, k := range cands {
		if d := r3.Norm2(r3.Sub(p, centers[k])); d < bestDsq {
			best, bestDsq = k, d
		}
	}
	return best
}
