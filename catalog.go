package treecorr

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// CatalogData holds the raw per-point arrays a Catalog is built from.
// Give either X,Y (and optionally Z) or RA,Dec (and optionally R), never both.
// Angles are in radians. Optional arrays may be nil.
type CatalogData struct {
	Name string

	X, Y, Z []float64

	RA, Dec []float64
	// R is the radial distance for RA/Dec input. When present the catalog
	// uses 3-D coordinates instead of the unit sphere.
	R []float64

	// W holds per-point weights (>= 0). Nil means every weight is 1.
	W []float64

	// K is the scalar (kappa) observable.
	K []float64

	// G1, G2 are the two shear components. Give both or neither.
	G1, G2 []float64
}

// Catalog is an immutable store of point positions, weights and observables.
// Angular inputs are converted to Cartesian unit vectors once at
// construction.
type Catalog struct {
	name   string
	coords Coords
	pos    []r3.Vec
	w      []float64
	k      []float64
	g      []complex128

	sumW float64
	vark float64
	varg float64

	mu     sync.Mutex
	fields map[fieldKey]*Field
}

// NewCatalog validates data and builds a Catalog. The input slices are
// copied; later changes to them do not affect the catalog.
func NewCatalog(data CatalogData) (*Catalog, error) {
	coords, n, err := catalogShape(data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrEmptyCatalog, "catalog %q", data.Name)
	}
	for name, arr := range map[string][]float64{
		"z": data.Z, "r": data.R, "w": data.W, "k": data.K, "g1": data.G1, "g2": data.G2,
	} {
		if arr != nil && len(arr) != n {
			return nil, errors.Wrapf(ErrLengthMismatch, "%s has %d entries, want %d", name, len(arr), n)
		}
	}
	if (data.G1 == nil) != (data.G2 == nil) {
		return nil, errors.Wrap(ErrLengthMismatch, "g1 and g2 must be given together")
	}

	c := &Catalog{
		name:   data.Name,
		coords: coords,
		pos:    make([]r3.Vec, n),
		w:      make([]float64, n),
	}

	for i := 0; i < n; i++ {
		var p r3.Vec
		switch {
		case data.X != nil:
			p = r3.Vec{X: data.X[i], Y: data.Y[i]}
			if data.Z != nil {
				p.Z = data.Z[i]
			}
		default:
			p = RaDecToXYZ(data.RA[i], data.Dec[i])
			if data.R != nil {
				p = r3.Scale(data.R[i], p)
			}
		}
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
			return nil, errors.Wrapf(ErrInvalidCoords, "point %d has a NaN coordinate", i)
		}
		c.pos[i] = p
	}

	if data.W != nil {
		for i, w := range data.W {
			if !(w >= 0) {
				return nil, errors.Wrapf(ErrNegativeWeight, "point %d has weight %v", i, w)
			}
		}
		copy(c.w, data.W)
	} else {
		for i := range c.w {
			c.w[i] = 1
		}
	}
	for _, w := range c.w {
		c.sumW += w
	}

	if data.K != nil {
		c.k = append([]float64(nil), data.K...)
		c.vark = weightedVariance(c.k, c.w)
	}
	if data.G1 != nil {
		c.g = make([]complex128, n)
		for i := range c.g {
			c.g[i] = complex(data.G1[i], data.G2[i])
		}
		c.varg = (weightedVariance(data.G1, c.w) + weightedVariance(data.G2, c.w)) / 2
	}
	return c, nil
}

// catalogShape determines the coordinate system and point count.
func catalogShape(data CatalogData) (Coords, int, error) {
	hasXY := data.X != nil || data.Y != nil
	hasRaDec := data.RA != nil || data.Dec != nil
	switch {
	case hasXY && hasRaDec:
		return "", 0, errors.Wrap(ErrInvalidCoords, "give either x,y or ra,dec, not both")
	case hasXY:
		if data.X == nil || data.Y == nil {
			return "", 0, errors.Wrap(ErrInvalidCoords, "x and y must be given together")
		}
		if len(data.X) != len(data.Y) {
			return "", 0, errors.Wrapf(ErrLengthMismatch, "x has %d entries, y has %d", len(data.X), len(data.Y))
		}
		if data.R != nil {
			return "", 0, errors.Wrap(ErrInvalidCoords, "r is only valid with ra,dec")
		}
		if data.Z != nil {
			return CoordsThreeD, len(data.X), nil
		}
		return CoordsFlat, len(data.X), nil
	case hasRaDec:
		if data.RA == nil || data.Dec == nil {
			return "", 0, errors.Wrap(ErrInvalidCoords, "ra and dec must be given together")
		}
		if len(data.RA) != len(data.Dec) {
			return "", 0, errors.Wrapf(ErrLengthMismatch, "ra has %d entries, dec has %d", len(data.RA), len(data.Dec))
		}
		if data.Z != nil {
			return "", 0, errors.Wrap(ErrInvalidCoords, "z is only valid with x,y")
		}
		if data.R != nil {
			return CoordsThreeD, len(data.RA), nil
		}
		return CoordsSphere, len(data.RA), nil
	}
	return "", 0, errors.Wrap(ErrInvalidCoords, "no positions given")
}

// weightedVariance returns Σw²(x-m)²/Σw about the weighted mean m, the shape
// noise estimate used to propagate variances into correlation functions.
func weightedVariance(x, w []float64) float64 {
	var sumW float64
	for _, v := range w {
		sumW += v
	}
	if sumW == 0 {
		return 0
	}
	m := stat.Mean(x, w)
	var s float64
	for i, v := range x {
		d := v - m
		s += w[i] * w[i] * d * d
	}
	return s / sumW
}

func (c *Catalog) Name() string   { return c.name }
func (c *Catalog) Coords() Coords { return c.coords }
func (c *Catalog) NumPoints() int { return len(c.pos) }
func (c *Catalog) SumW() float64  { return c.sumW }
func (c *Catalog) HasKappa() bool { return c.k != nil }
func (c *Catalog) HasShear() bool { return c.g != nil }

// VarK returns the kappa variance, or 0 when the catalog has no kappa.
func (c *Catalog) VarK() float64 { return c.vark }

// VarG returns the per-component shear variance, or 0 without shear.
func (c *Catalog) VarG() float64 { return c.varg }

// Position returns the Cartesian position of point i.
func (c *Catalog) Position(i int) r3.Vec { return c.pos[i] }

// Weight returns the weight of point i.
func (c *Catalog) Weight(i int) float64 { return c.w[i] }

// Positions returns the positions. The slice must not be modified.
func (c *Catalog) Positions() []r3.Vec { return c.pos }

// Weights returns the weights. The slice must not be modified.
func (c *Catalog) Weights() []float64 { return c.w }

// CalculateVarK combines the kappa variances of several catalogs, weighting
// each by its total weight.
func CalculateVarK(cats []*Catalog) (float64, error) {
	return combineVariances(cats, "kappa", (*Catalog).HasKappa, (*Catalog).VarK)
}

// CalculateVarG combines the per-component shear variances of several
// catalogs, weighting each by its total weight.
func CalculateVarG(cats []*Catalog) (float64, error) {
	return combineVariances(cats, "shear", (*Catalog).HasShear, (*Catalog).VarG)
}

func combineVariances(cats []*Catalog, what string, has func(*Catalog) bool, v func(*Catalog) float64) (float64, error) {
	if len(cats) == 0 {
		return 0, ErrNoCatalogs
	}
	var sum, sumW float64
	for _, c := range cats {
		if !has(c) {
			return 0, errors.Wrapf(ErrMissingObservable, "catalog %q has no %s", c.name, what)
		}
		sum += v(c) * c.sumW
		sumW += c.sumW
	}
	if sumW == 0 {
		return 0, nil
	}
	return sum / sumW, nil
}

// Field returns a Field built over the catalog with opts, reusing a
// previously built field when the options describe the same tree.
func (c *Catalog) Field(opts BuildOptions) (*Field, error) {
	key := opts.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fields[key]; ok {
		return f, nil
	}
	f, err := BuildField(c, opts)
	if err != nil {
		return nil, err
	}
	if c.fields == nil {
		c.fields = make(map[fieldKey]*Field)
	}
	c.fields[key] = f
	return f, nil
}
