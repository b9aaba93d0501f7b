package treecorr

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"
)

// moveTolerance is the relative margin by which a single-point move must
// improve the patches before it is taken, so rounding noise cannot cycle.
const moveTolerance = 1e-12

// inertiaSlack keeps the incrementally tracked total a little below the
// starting inertia, so the exact recomputation at the end stays under it.
const inertiaSlack = 1e-9

// patchStats tracks the weight, weighted position sum, centroid and inertia
// of every patch while points move between them.
type patchStats struct {
	sumWP    []r3.Vec
	sumW     []float64
	count    []int
	centroid []r3.Vec
	inertia  []float64

	total float64 // Σ inertia
	sumSq float64 // Σ inertia²
}

func newPatchStats(f *Field, labels []int, npatch int) *patchStats {
	s := &patchStats{
		sumWP:    make([]r3.Vec, npatch),
		sumW:     make([]float64, npatch),
		count:    make([]int, npatch),
		centroid: make([]r3.Vec, npatch),
		inertia:  make([]float64, npatch),
	}
	for i, l := range labels {
		w := f.cat.w[i]
		s.sumWP[l] = r3.Add(s.sumWP[l], r3.Scale(w, f.cat.pos[i]))
		s.sumW[l] += w
		s.count[l]++
	}
	for k := range s.centroid {
		s.updateCentroid(k)
	}
	for i, l := range labels {
		s.inertia[l] += f.cat.w[i] * r3.Norm2(r3.Sub(f.cat.pos[i], s.centroid[l]))
	}
	for _, v := range s.inertia {
		s.total += v
		s.sumSq += v * v
	}
	return s
}

func (s *patchStats) updateCentroid(k int) {
	if s.sumW[k] > 0 {
		s.centroid[k] = r3.Scale(1/s.sumW[k], s.sumWP[k])
	}
}

// spread is npatch·Σ I²/(Σ I)², one plus the squared coefficient of
// variation of the patch inertias. It is 1 when every patch carries the same
// inertia.
func spread(sumSq, total float64, npatch int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(npatch) * sumSq / (total * total)
}

// sweep visits every point once and moves it to the patch that evens out
// the patch inertias the most, as long as the total inertia stays at or
// below limit. A move that keeps the spread and lowers the total is also
// taken. A move never empties a patch. It returns the number of points
// moved.
func (s *patchStats) sweep(f *Field, labels []int, limit float64) int {
	npatch := len(s.sumW)
	moved := 0
	for i, a := range labels {
		w := f.cat.w[i]
		if w <= 0 || s.count[a] <= 1 || s.sumW[a]-w <= 0 {
			continue
		}
		x := f.cat.pos[i]
		wa := s.sumW[a]
		// Exact inertia change of patch a when x leaves it.
		gain := w * wa / (wa - w) * r3.Norm2(r3.Sub(x, s.centroid[a]))
		ia := max(s.inertia[a]-gain, 0)
		base := s.sumSq - s.inertia[a]*s.inertia[a] + ia*ia

		cur := spread(s.sumSq, s.total, npatch)
		best, bestSpread, bestTotal := -1, cur, s.total
		var bestIK float64
		for k := range s.sumW {
			if k == a {
				continue
			}
			wk := s.sumW[k]
			cost := w * wk / (wk + w) * r3.Norm2(r3.Sub(x, s.centroid[k]))
			total := s.total - gain + cost
			if total > limit {
				continue
			}
			ik := s.inertia[k] + cost
			sumSq := base - s.inertia[k]*s.inertia[k] + ik*ik
			sp := spread(sumSq, total, npatch)

			evener := sp < bestSpread*(1-moveTolerance)
			tighter := sp <= bestSpread && total < bestTotal*(1-moveTolerance)
			if evener || tighter {
				best, bestSpread, bestTotal, bestIK = k, sp, total, ik
			}
		}
		if best < 0 {
			continue
		}

		s.sumSq += ia*ia - s.inertia[a]*s.inertia[a] + bestIK*bestIK - s.inertia[best]*s.inertia[best]
		s.inertia[a], s.inertia[best] = ia, bestIK
		s.total = bestTotal

		wx := r3.Scale(w, x)
		s.sumWP[a] = r3.Sub(s.sumWP[a], wx)
		s.sumW[a] -= w
		s.count[a]--
		s.updateCentroid(a)
		s.sumWP[best] = r3.Add(s.sumWP[best], wx)
		s.sumW[best] += w
		s.count[best]++
		s.updateCentroid(best)
		labels[i] = best
		moved++
	}
	return moved
}

// refine evens out the patch inertias of a standard run with single-point
// moves, for at most budget sweeps. The total inertia never rises above the
// inertia of the starting labels; should rounding push it over, the starting
// labels are restored. On return centers hold the centroids of labels and
// excluded points carry their nearest center.
func (e *kmeansEngine) refine(ctx context.Context, centers []r3.Vec, labels []int, budget int) (rounds int, converged bool, err error) {
	start := append([]int(nil), labels...)
	startInertia, _ := e.f.inertia(labels, e.npatch)
	limit := startInertia * (1 - inertiaSlack)

	for rounds < budget && startInertia > 0 {
		if err := ctx.Err(); err != nil {
			return rounds, false, err
		}
		rounds++
		// Fresh stats every round keep the incremental sums from drifting.
		stats := newPatchStats(e.f, labels, e.npatch)
		if stats.sweep(e.f, labels, limit) == 0 {
			converged = true
			break
		}
	}
	if startInertia <= 0 {
		converged = true
	}

	if final, _ := e.f.inertia(labels, e.npatch); final > startInertia {
		copy(labels, start)
	}
	stats := newPatchStats(e.f, labels, e.npatch)
	e.sumWP, e.sumW, e.count = stats.sumWP, stats.sumW, stats.count
	e.updateCenters(centers)

	all := make([]int, len(centers))
	for k := range all {
		all[k] = k
	}
	for _, i := range e.f.excluded {
		labels[i] = nearestCenter(e.f.cat.pos[i], centers, all)
	}
	return rounds, converged, nil
}
