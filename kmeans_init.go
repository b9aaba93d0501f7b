package treecorr

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// KMeansInitializeCenters returns npatch starting centers, one row of Dims
// coordinates each, chosen with init. The same seed gives the same centers.
func (f *Field) KMeansInitializeCenters(npatch int, init InitMethod, seed uint64) ([][]float64, error) {
	if err := validateNPatch(npatch, f.NumPoints()); err != nil {
		return nil, err
	}
	if _, err := ParseInitMethod(string(init)); err != nil {
		return nil, err
	}
	centers := f.initCenters(npatch, init, newKMeansRand(seed))
	return centerRows(centers, f.Dims()), nil
}

// initCenters assumes npatch and init have been validated.
func (f *Field) initCenters(npatch int, init InitMethod, rng *rand.Rand) []r3.Vec {
	switch init {
	case InitRandom:
		return f.randomCenters(npatch, rng)
	case InitKMeansPP:
		return f.kmeansPPCenters(npatch, rng)
	}
	return f.treeCenters(npatch, rng)
}

func (f *Field) randomCenters(npatch int, rng *rand.Rand) []r3.Vec {
	idx := make([]int, npatch)
	sampleuv.WithoutReplacement(idx, len(f.index), rng)
	centers := make([]r3.Vec, npatch)
	for k, i := range idx {
		centers[k] = f.cat.pos[f.index[i]]
	}
	return centers
}

func (f *Field) kmeansPPCenters(npatch int, rng *rand.Rand) []r3.Vec {
	n := len(f.index)
	centers := make([]r3.Vec, 0, npatch)
	chosen := make([]bool, n)
	d2 := make([]float64, n)
	weights := make([]float64, n)

	pick := func(i int) {
		chosen[i] = true
		c := f.cat.pos[f.index[i]]
		centers = append(centers, c)
		for j, pi := range f.index {
			d := r3.Norm2(r3.Sub(f.cat.pos[pi], c))
			if len(centers) == 1 || d < d2[j] {
				d2[j] = d
			}
			if chosen[j] {
				weights[j] = 0
			} else {
				weights[j] = f.cat.w[pi] * d2[j]
			}
		}
	}

	pick(rng.IntN(n))
	sampler := sampleuv.NewWeighted(weights, rng)
	for len(centers) < npatch {
		sampler.ReweightAll(weights)
		i, ok := sampler.Take()
		if !ok {
			// Every remaining point has zero weight or sits on a center.
			i = nthUnchosen(chosen, rng.IntN(n-len(centers)))
		}
		pick(i)
	}
	return centers
}

// nthUnchosen returns the index of the k-th false entry of chosen.
func nthUnchosen(chosen []bool, k int) int {
	for i, c := range chosen {
		if c {
			continue
		}
		if k == 0 {
			return i
		}
		k--
	}
	return -1
}

// treeCenters spreads npatch centers over the top-level cells and then down
// the tree. With at least npatch top cells, npatch of them are drawn at
// random and their centroids used.
func (f *Field) treeCenters(npatch int, rng *rand.Rand) []r3.Vec {
	ntop := len(f.top)
	centers := make([]r3.Vec, 0, npatch)
	if ntop >= npatch {
		idx := make([]int, npatch)
		sampleuv.WithoutReplacement(idx, ntop, rng)
		for _, t := range idx {
			centers = append(centers, f.cells[f.top[t]].Pos)
		}
		return centers
	}

	share := make([]int, ntop)
	caps := make([]int, ntop)
	for t, ci := range f.top {
		caps[t] = f.cells[ci].N
		share[t] = min(npatch/ntop, caps[t])
	}
	distributeRemainder(share, caps, npatch, rng)
	for t, ci := range f.top {
		centers = f.cellCenters(&f.cells[ci], share[t], rng, centers)
	}
	return centers
}

// distributeRemainder hands out the centers not yet assigned in share, one
// each to cells chosen at random among those with room, until the shares
// sum to total. total must not exceed the sum of caps.
func distributeRemainder(share, caps []int, total int, rng *rand.Rand) {
	for {
		left := total
		var open []int
		for t, s := range share {
			left -= s
			if s < caps[t] {
				open = append(open, t)
			}
		}
		if left <= 0 || len(open) == 0 {
			return
		}
		idx := make([]int, min(left, len(open)))
		sampleuv.WithoutReplacement(idx, len(open), rng)
		for _, o := range idx {
			share[open[o]]++
		}
	}
}

// cellCenters appends k centers drawn from c, splitting k between the
// children. An odd share gives the extra center to a random side. No cell
// receives more centers than it has points.
func (f *Field) cellCenters(c *Cell, k int, rng *rand.Rand, centers []r3.Vec) []r3.Vec {
	switch {
	case k <= 0:
		return centers
	case k == 1:
		return append(centers, c.Pos)
	case c.IsLeaf():
		pts := f.Points(c)
		idx := make([]int, k)
		sampleuv.WithoutReplacement(idx, len(pts), rng)
		for _, i := range idx {
			centers = append(centers, f.cat.pos[pts[i]])
		}
		return centers
	}

	left, right := &f.cells[c.Left], &f.cells[c.Right]
	kl, kr := k/2, k/2
	if k%2 == 1 {
		if rng.IntN(2) == 0 {
			kl++
		} else {
			kr++
		}
	}
	if kl > left.N {
		kr += kl - left.N
		kl = left.N
	}
	if kr > right.N {
		kl += kr - right.N
		kr = right.N
	}
	centers = f.cellCenters(left, kl, rng, centers)
	return f.cellCenters(right, kr, rng, centers)
}
