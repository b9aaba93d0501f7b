package treecorr

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// BinArrays holds the raw sums of a correlation over logarithmic separation
// bins. Bin i covers [MinSep·e^(i·BinSize), MinSep·e^((i+1)·BinSize)).
// The sums are unnormalized; Finalize divides them by the bin weights.
type BinArrays struct {
	Kind    Kind
	MinSep  float64
	MaxSep  float64
	BinSize float64
	NBins   int

	Xi       []float64
	XiIm     []float64
	Xi2      []float64 // xi- for shear-shear
	Xi2Im    []float64
	MeanR    []float64
	MeanLogR []float64
	Weight   []float64
	NPairs   []float64
}

// NewBinArrays returns zeroed bins.
func NewBinArrays(kind Kind, minSep, maxSep, binSize float64, nbins int) *BinArrays {
	return &BinArrays{
		Kind:     kind,
		MinSep:   minSep,
		MaxSep:   maxSep,
		BinSize:  binSize,
		NBins:    nbins,
		Xi:       make([]float64, nbins),
		XiIm:     make([]float64, nbins),
		Xi2:      make([]float64, nbins),
		Xi2Im:    make([]float64, nbins),
		MeanR:    make([]float64, nbins),
		MeanLogR: make([]float64, nbins),
		Weight:   make([]float64, nbins),
		NPairs:   make([]float64, nbins),
	}
}

func (b *BinArrays) arrays() [][]float64 {
	return [][]float64{b.Xi, b.XiIm, b.Xi2, b.Xi2Im, b.MeanR, b.MeanLogR, b.Weight, b.NPairs}
}

// Clear zeroes every sum.
func (b *BinArrays) Clear() {
	for _, a := range b.arrays() {
		clear(a)
	}
}

// Clone returns a deep copy.
func (b *BinArrays) Clone() *BinArrays {
	c := NewBinArrays(b.Kind, b.MinSep, b.MaxSep, b.BinSize, b.NBins)
	dst := c.arrays()
	for i, a := range b.arrays() {
		copy(dst[i], a)
	}
	return c
}

// Compatible reports whether o has the same kind and binning as b.
func (b *BinArrays) Compatible(o *BinArrays) bool {
	return b.Kind == o.Kind && b.NBins == o.NBins &&
		b.MinSep == o.MinSep && b.MaxSep == o.MaxSep && b.BinSize == o.BinSize
}

// Add merges o into b element-wise.
func (b *BinArrays) Add(o *BinArrays) error {
	if !b.Compatible(o) {
		return errors.Wrapf(ErrIncompatibleBins, "%s %d bins [%g,%g) vs %s %d bins [%g,%g)",
			b.Kind, b.NBins, b.MinSep, b.MaxSep, o.Kind, o.NBins, o.MinSep, o.MaxSep)
	}
	src := o.arrays()
	for i, a := range b.arrays() {
		floats.Add(a, src[i])
	}
	return nil
}

// LogR returns the log of the nominal center of each bin.
func (b *BinArrays) LogR() []float64 {
	logr := make([]float64, b.NBins)
	lo := math.Log(b.MinSep)
	for i := range logr {
		logr[i] = lo + (float64(i)+0.5)*b.BinSize
	}
	return logr
}

// TotalPairs returns the number of point pairs summed over all bins.
func (b *BinArrays) TotalPairs() float64 { return floats.Sum(b.NPairs) }

// Result is a finalized correlation function.
type Result struct {
	Kind Kind

	// LogR and RNom are the nominal bin centers.
	LogR []float64
	RNom []float64

	// MeanR and MeanLogR are the weighted means of r and log r of the pairs
	// in each bin. Empty bins hold the nominal values.
	MeanR    []float64
	MeanLogR []float64

	Xi    []float64
	XiIm  []float64
	Xi2   []float64
	Xi2Im []float64

	// VarXi is the shape-noise variance estimate of Xi per bin.
	VarXi []float64

	Weight []float64
	NPairs []float64
}

// Finalize normalizes the sums by the bin weights and returns them as a new
// Result. varA and varB are the variances of the observables on each side
// (use 1 for a count side). b is not modified, so Finalize may be called any
// number of times.
func (b *BinArrays) Finalize(varA, varB float64) *Result {
	n := b.NBins
	r := &Result{
		Kind:     b.Kind,
		LogR:     b.LogR(),
		RNom:     make([]float64, n),
		MeanR:    make([]float64, n),
		MeanLogR: make([]float64, n),
		Xi:       make([]float64, n),
		XiIm:     make([]float64, n),
		Xi2:      make([]float64, n),
		Xi2Im:    make([]float64, n),
		VarXi:    make([]float64, n),
		Weight:   append([]float64(nil), b.Weight...),
		NPairs:   append([]float64(nil), b.NPairs...),
	}
	f := 1.0
	if b.Kind == KindGG {
		f = 2
	}
	for i := 0; i < n; i++ {
		r.RNom[i] = math.Exp(r.LogR[i])
		w := b.Weight[i]
		if w == 0 {
			r.MeanR[i] = r.RNom[i]
			r.MeanLogR[i] = r.LogR[i]
			continue
		}
		r.MeanR[i] = b.MeanR[i] / w
		r.MeanLogR[i] = b.MeanLogR[i] / w
		r.Xi[i] = b.Xi[i] / w
		r.XiIm[i] = b.XiIm[i] / w
		r.Xi2[i] = b.Xi2[i] / w
		r.Xi2Im[i] = b.Xi2Im[i] / w
		if b.Kind != KindNN {
			r.VarXi[i] = f * varA * varB / w
		}
	}
	return r
}

// Compensate subtracts the signal measured around random points, rk, from
// r and returns the difference as a new Result. Both must be NK or NG
// results of the same kind over the same bins. Only Xi and XiIm change.
func (r *Result) Compensate(rk *Result) (*Result, error) {
	if r.Kind != KindNK && r.Kind != KindNG {
		return nil, errors.Wrapf(ErrInvalidKind, "compensation needs NK or NG, got %s", r.Kind)
	}
	if rk.Kind != r.Kind || !floats.Equal(rk.LogR, r.LogR) {
		return nil, errors.Wrapf(ErrIncompatibleBins, "%s with %d bins vs %s with %d bins",
			r.Kind, len(r.LogR), rk.Kind, len(rk.LogR))
	}
	c := *r
	c.Xi = make([]float64, len(r.Xi))
	c.XiIm = make([]float64, len(r.XiIm))
	floats.SubTo(c.Xi, r.Xi, rk.Xi)
	floats.SubTo(c.XiIm, r.XiIm, rk.XiIm)
	return &c, nil
}
