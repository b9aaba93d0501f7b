package treecorr

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// Metric selects the separation measure used when binning pairs.
type Metric string

const (
	// MetricEuclidean is the straight-line distance. On the sphere this is
	// the chord length between unit vectors.
	MetricEuclidean Metric = "Euclidean"
	// MetricArc is the great-circle distance in radians. Spherical only.
	MetricArc Metric = "Arc"
	// MetricRperp is the component of the 3-D separation perpendicular to the
	// line of sight: Rperp² = d² - (r2-r1)². 3-D only.
	MetricRperp Metric = "Rperp"
	// MetricRlens is the distance from the first point (the lens) to the line
	// of sight toward the second point. 3-D only.
	MetricRlens Metric = "Rlens"
)

// ParseMetric converts a metric name (case-insensitive) into a Metric.
func ParseMetric(s string) (Metric, error) {
	for _, m := range []Metric{MetricEuclidean, MetricArc, MetricRperp, MetricRlens} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidMetric, "unknown metric %q", s)
}

// HasRpar reports whether the metric defines a line-of-sight separation that
// can be restricted with CorrConfig.MinRpar and MaxRpar.
func (m Metric) HasRpar() bool {
	return m == MetricRperp || m == MetricRlens
}

// metricHelper computes the separation of two positions for one metric.
type metricHelper interface {
	// DistSq returns the squared separation of p1 and p2. s1 and s2 are the
	// sizes of cells centered at p1 and p2; they are rescaled in place into
	// the units of the returned separation.
	DistSq(p1, p2 r3.Vec, s1, s2 *float64) float64
}

// newMetricHelper returns the helper for m, checking that m is meaningful
// for the coordinate system.
func newMetricHelper(m Metric, coords Coords) (metricHelper, error) {
	switch m {
	case MetricEuclidean:
		return euclideanMetric{}, nil
	case MetricArc:
		if coords != CoordsSphere {
			return nil, errors.Wrapf(ErrInvalidMetric, "%s requires %s coordinates, got %s", m, CoordsSphere, coords)
		}
		return arcMetric{}, nil
	case MetricRperp, MetricRlens:
		if coords != CoordsThreeD {
			return nil, errors.Wrapf(ErrInvalidMetric, "%s requires %s coordinates, got %s", m, CoordsThreeD, coords)
		}
		if m == MetricRperp {
			return rperpMetric{}, nil
		}
		return rlensMetric{}, nil
	}
	return nil, errors.Wrapf(ErrInvalidMetric, "unknown metric %q", m)
}

// rpar returns the signed line-of-sight separation r2 - r1.
func rpar(p1, p2 r3.Vec) float64 {
	return r3.Norm(p2) - r3.Norm(p1)
}

// euclideanMetric is the straight-line distance.
type euclideanMetric struct{}

func (euclideanMetric) DistSq(p1, p2 r3.Vec, _, _ *float64) float64 {
	return r3.Norm2(r3.Sub(p1, p2))
}

// arcMetric is the great-circle distance between unit vectors. Sizes are
// chord lengths and are converted to the arcs they subtend.
type arcMetric struct{}

func (arcMetric) DistSq(p1, p2 r3.Vec, s1, s2 *float64) float64 {
	*s1 = chordToArc(*s1)
	*s2 = chordToArc(*s2)
	theta := chordToArc(r3.Norm(r3.Sub(p1, p2)))
	return theta * theta
}

func chordToArc(c float64) float64 {
	if c >= 2 {
		return math.Pi
	}
	return 2 * math.Asin(c/2)
}

// rperpMetric removes the line-of-sight component from the 3-D separation.
// Rperp² = d² - (r2-r1)² = r1·r2·c², with c the chord between the unit
// directions, which gives the size bound: moving a point by s changes its
// distance by at most s and its unit direction by at most 2s/r.
type rperpMetric struct{}

func (rperpMetric) DistSq(p1, p2 r3.Vec, s1, s2 *float64) float64 {
	r1, r2 := r3.Norm(p1), r3.Norm(p2)
	par := r2 - r1
	v := r3.Norm2(r3.Sub(p1, p2)) - par*par
	if v < 0 {
		v = 0
	}
	total := *s1 + *s2
	if total == 0 || r1 == 0 || r2 == 0 {
		return v
	}
	d := math.Sqrt(v)
	chord := d / math.Sqrt(r1*r2)
	dc := 2 * (*s1/r1 + *s2/r2)
	hi := math.Sqrt((r1+*s1)*(r2+*s2)) * (chord + dc)
	lo := math.Sqrt(max(r1-*s1, 0)*max(r2-*s2, 0)) * max(chord-dc, 0)
	scale := max(hi-d, d-lo) / total
	*s1 *= scale
	*s2 *= scale
	return v
}

// rlensMetric is the distance from p1 to the line of sight toward p2. The
// second cell's size becomes the largest shift of that line at the lens.
type rlensMetric struct{}

func (rlensMetric) DistSq(p1, p2 r3.Vec, s1, s2 *float64) float64 {
	r2sq := r3.Norm2(p2)
	if r2sq == 0 {
		return r3.Norm2(p1)
	}
	if *s2 > 0 {
		*s2 = (r3.Norm(p1) + *s1) * math.Asin(math.Min(*s2/math.Sqrt(r2sq), 1))
	}
	return r3.Norm2(r3.Cross(p1, p2)) / r2sq
}
