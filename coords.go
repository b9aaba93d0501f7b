package treecorr

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// Coords identifies the coordinate system of a catalog. Positions are always
// stored as Cartesian vectors; Coords records how they were produced and
// which metrics and projections apply.
type Coords string

const (
	// CoordsFlat is a 2-D Euclidean plane. Positions have Z == 0.
	CoordsFlat Coords = "flat"
	// CoordsThreeD is 3-D Euclidean space, either given directly as x,y,z or
	// as ra,dec plus a radial distance.
	CoordsThreeD Coords = "3d"
	// CoordsSphere is the unit sphere, built from ra,dec without distances.
	CoordsSphere Coords = "spherical"
)

// ParseCoords converts a coordinate system name into a Coords value.
func ParseCoords(s string) (Coords, error) {
	switch Coords(s) {
	case CoordsFlat, CoordsThreeD, CoordsSphere:
		return Coords(s), nil
	}
	return "", errors.Wrapf(ErrInvalidCoords, "unknown coordinate system %q", s)
}

// Dims returns the number of meaningful Cartesian components.
func (c Coords) Dims() int {
	if c == CoordsFlat {
		return 2
	}
	return 3
}

// RaDecToXYZ returns the unit vector pointing at (ra, dec), both in radians.
func RaDecToXYZ(ra, dec float64) r3.Vec {
	cosdec := math.Cos(dec)
	return r3.Vec{
		X: cosdec * math.Cos(ra),
		Y: cosdec * math.Sin(ra),
		Z: math.Sin(dec),
	}
}

// XYZToRaDec is the inverse of RaDecToXYZ. p need not be normalized.
// The returned ra is in [0, 2π).
func XYZToRaDec(p r3.Vec) (ra, dec float64) {
	ra = math.Atan2(p.Y, p.X)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec = math.Atan2(p.Z, math.Hypot(p.X, p.Y))
	return ra, dec
}

// localFrame returns the unit east (increasing ra) and north vectors tangent
// to the sphere at the direction of p. At the poles east is taken along +Y.
func localFrame(p r3.Vec) (east, north r3.Vec) {
	u := r3.Unit(p)
	east = r3.Cross(r3.Vec{Z: 1}, u)
	if r3.Norm2(east) < 1e-24 {
		east = r3.Vec{Y: 1}
	}
	east = r3.Unit(east)
	north = r3.Cross(u, east)
	return east, north
}

// direction returns e^{iφ}, where φ is the position angle at from of the
// direction toward to. On the plane φ is measured from +x toward +y; on the
// sphere (and for the sky directions of 3-D points) from east toward north.
// Coincident points return 1.
func direction(coords Coords, from, to r3.Vec) complex128 {
	var x, y float64
	if coords == CoordsFlat {
		x, y = to.X-from.X, to.Y-from.Y
	} else {
		u := r3.Unit(from)
		t := r3.Sub(to, r3.Scale(r3.Dot(to, u), u))
		east, north := localFrame(u)
		x, y = r3.Dot(t, east), r3.Dot(t, north)
	}
	n := math.Hypot(x, y)
	if n == 0 {
		return 1
	}
	return complex(x/n, y/n)
}

// transportShear expresses a spin-2 value measured in the local frame at from
// in the local frame at to, parallel transporting along the great circle
// joining them. It is the identity on the plane.
func transportShear(coords Coords, from, to r3.Vec, g complex128) complex128 {
	if coords == CoordsFlat || g == 0 {
		return g
	}
	alpha := direction(coords, from, to)
	beta := direction(coords, to, from)
	rot := beta * cmplx.Conj(alpha)
	return g * rot * rot
}
