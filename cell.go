package treecorr

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
)

// Cell is one node of a Field's tree: a ball around the weighted centroid of
// its points holding their aggregated weight and observables.
type Cell struct {
	// Pos is the weighted centroid. On the sphere it is normalized to unit
	// length.
	Pos r3.Vec
	// W is the total weight and N the number of points.
	W float64
	N int
	// Size is the largest distance from Pos to any contained point.
	Size float64
	// Left and Right index the children in the field's cell arena, or are -1
	// for a leaf.
	Left, Right int
	// Start and End delimit the contained points in the field's index
	// permutation.
	Start, End int
	// WK is Σ w·k. WG is Σ w·g expressed in the local frame at Pos.
	WK float64
	WG complex128
}

// IsLeaf reports whether the cell has no children.
func (c *Cell) IsLeaf() bool { return c.Left < 0 }

// cellBuilder accumulates one subtree into a private arena so that top-level
// cells can be built concurrently.
type cellBuilder struct {
	cat     *Catalog
	idx     []int // shared permutation; each builder touches only its own range
	minSize float64
	method  SplitMethod
	rng     *rand.Rand // only used by SplitRandom
	cells   []Cell
}

// centroid returns the weighted centroid, total weight and size of the points
// in idx[start:end]. Zero total weight falls back to the unweighted mean.
func (b *cellBuilder) centroid(start, end int) (pos r3.Vec, w float64, size float64) {
	var unweighted r3.Vec
	for _, i := range b.idx[start:end] {
		p := b.cat.pos[i]
		pos = r3.Add(pos, r3.Scale(b.cat.w[i], p))
		unweighted = r3.Add(unweighted, p)
		w += b.cat.w[i]
	}
	if w > 0 {
		pos = r3.Scale(1/w, pos)
	} else {
		pos = r3.Scale(1/float64(end-start), unweighted)
	}
	if b.cat.coords == CoordsSphere {
		if n := r3.Norm(pos); n > 0 {
			pos = r3.Scale(1/n, pos)
		}
	}
	var sizeSq float64
	for _, i := range b.idx[start:end] {
		sizeSq = math.Max(sizeSq, r3.Norm2(r3.Sub(b.cat.pos[i], pos)))
	}
	return pos, w, math.Sqrt(sizeSq)
}

// build constructs the cell for idx[start:end] and its descendants,
// returning the cell's index in the builder's arena.
func (b *cellBuilder) build(start, end int) int {
	pos, w, size := b.centroid(start, end)
	id := len(b.cells)
	b.cells = append(b.cells, Cell{
		Pos: pos, W: w, N: end - start, Size: size,
		Left: -1, Right: -1, Start: start, End: end,
	})

	if end-start > 1 && size > b.minSize {
		if mid, ok := partition(b.idx[start:end], b.cat.pos, b.cat.w, b.cat.coords.Dims(), b.method, b.rng); ok {
			left := b.build(start, start+mid)
			right := b.build(start+mid, end)
			c := &b.cells[id]
			c.Left, c.Right = left, right
			b.aggregateChildren(id)
			return id
		}
	}
	b.aggregateLeaf(id)
	return id
}

func (b *cellBuilder) aggregateLeaf(id int) {
	c := &b.cells[id]
	if b.cat.k != nil {
		for _, i := range b.idx[c.Start:c.End] {
			c.WK += b.cat.w[i] * b.cat.k[i]
		}
	}
	if b.cat.g != nil {
		for _, i := range b.idx[c.Start:c.End] {
			g := complex(b.cat.w[i], 0) * b.cat.g[i]
			c.WG += transportShear(b.cat.coords, b.cat.pos[i], c.Pos, g)
		}
	}
}

func (b *cellBuilder) aggregateChildren(id int) {
	c := &b.cells[id]
	l, r := &b.cells[c.Left], &b.cells[c.Right]
	c.WK = l.WK + r.WK
	if b.cat.g != nil {
		c.WG = transportShear(b.cat.coords, l.Pos, c.Pos, l.WG) +
			transportShear(b.cat.coords, r.Pos, c.Pos, r.WG)
	}
}
