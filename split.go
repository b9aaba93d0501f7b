package treecorr

import (
	"math"
	"math/rand/v2"

	"github.com/keegancsmith/nth"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// SplitMethod chooses where a cell is divided along its widest axis.
type SplitMethod string

const (
	// SplitMean splits at the weighted mean coordinate.
	SplitMean SplitMethod = "mean"
	// SplitMedian splits at the median point, giving equal point counts.
	SplitMedian SplitMethod = "median"
	// SplitMiddle splits at the middle of the coordinate range.
	SplitMiddle SplitMethod = "middle"
	// SplitRandom splits at a uniform position within the central 60% of the
	// coordinate range.
	SplitRandom SplitMethod = "random"
)

// ParseSplitMethod converts a split method name into a SplitMethod.
func ParseSplitMethod(s string) (SplitMethod, error) {
	switch SplitMethod(s) {
	case SplitMean, SplitMedian, SplitMiddle, SplitRandom:
		return SplitMethod(s), nil
	}
	return "", errors.Wrapf(ErrInvalidSplitMethod, "unknown split method %q", s)
}

func component(p r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	}
	return p.Z
}

// axisOrder sorts a slice of point indices by one Cartesian component.
type axisOrder struct {
	idx  []int
	pos  []r3.Vec
	axis int
}

func (a axisOrder) Len() int      { return len(a.idx) }
func (a axisOrder) Swap(i, j int) { a.idx[i], a.idx[j] = a.idx[j], a.idx[i] }
func (a axisOrder) Less(i, j int) bool {
	return component(a.pos[a.idx[i]], a.axis) < component(a.pos[a.idx[j]], a.axis)
}

// widestAxis returns the axis with the largest coordinate extent among the
// points in idx, ties going to the lower axis, along with that axis's range.
func widestAxis(idx []int, pos []r3.Vec, dims int) (axis int, lo, hi float64) {
	bestExtent := -1.0
	for d := 0; d < dims; d++ {
		minVal, maxVal := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := component(pos[i], d)
			minVal = min(minVal, v)
			maxVal = max(maxVal, v)
		}
		if maxVal-minVal > bestExtent {
			bestExtent = maxVal - minVal
			axis, lo, hi = d, minVal, maxVal
		}
	}
	return axis, lo, hi
}

// partition reorders idx so that idx[:mid] and idx[mid:] are the two children
// of a split, returning ok=false when the points have zero extent and cannot
// be split. Both sides are non-empty whenever ok is true.
func partition(idx []int, pos []r3.Vec, w []float64, dims int, method SplitMethod, rng *rand.Rand) (mid int, ok bool) {
	if len(idx) < 2 {
		return 0, false
	}
	axis, lo, hi := widestAxis(idx, pos, dims)
	if !(hi > lo) {
		return 0, false
	}

	var value float64
	switch method {
	case SplitMedian:
		return medianSplit(idx, pos, axis), true
	case SplitMiddle:
		value = (lo + hi) / 2
	case SplitRandom:
		value = lo + (hi-lo)*(0.2+0.6*rng.Float64())
	default:
		var sw, sx, sx0 float64
		for _, i := range idx {
			x := component(pos[i], axis)
			sw += w[i]
			sx += w[i] * x
			sx0 += x
		}
		if sw > 0 {
			value = sx / sw
		} else {
			value = sx0 / float64(len(idx))
		}
	}

	// Hoare-style partition: coordinates < value go left.
	i, j := 0, len(idx)-1
	for i <= j {
		if component(pos[idx[i]], axis) < value {
			i++
			continue
		}
		idx[i], idx[j] = idx[j], idx[i]
		j--
	}
	if i == 0 || i == len(idx) {
		return medianSplit(idx, pos, axis), true
	}
	return i, true
}

func medianSplit(idx []int, pos []r3.Vec, axis int) int {
	mid := len(idx) / 2
	nth.Element(axisOrder{idx: idx, pos: pos, axis: axis}, mid)
	return mid
}
