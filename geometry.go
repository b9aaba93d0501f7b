package treecorr

// Both tree traversals rest on one bound: if every point of a cell lies within
// s of the cell centroid, and the centroid is at distance d from some target,
// then every point of the cell is at a distance in [d-s, d+s] from that target.
// The helpers below apply the bound in squared-distance form so callers can
// avoid square roots on the hot path.

// allCloser reports whether every point within s of a centroid at squared
// distance dsq from the target is strictly closer than r.
func allCloser(dsq, s, r float64) bool {
	return s < r && dsq < (r-s)*(r-s)
}

// allFarther reports whether every point within s of a centroid at squared
// distance dsq from the target is at least r away.
func allFarther(dsq, s, r float64) bool {
	return dsq >= (r+s)*(r+s)
}

// prefers reports whether every point within s of a centroid is strictly
// closer to target A than to target B, given the centroid's distance dA to A
// and squared distance dsqB to B. It is the nearest-center pruning rule:
// hi(A) = dA+s must be below lo(B) = dB-s.
func prefers(dA, dsqB, s float64) bool {
	ub := dA + 2*s
	return dsqB > ub*ub
}

// openingOK reports whether a pair of cells whose sizes sum to s, at squared
// separation dsq, is small enough relative to the separation to be treated
// as a single pair of points. bsq is the squared opening-angle tolerance.
func openingOK(dsq, s, bsq float64) bool {
	return s == 0 || s*s <= bsq*dsq
}
