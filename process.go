package treecorr

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/spatial/r3"
)

// splitFactor decides when two cells are of comparable size: the smaller
// cell is split along with the larger one when its size exceeds
// splitFactor times the larger size.
const splitFactor = 0.5

// pairEnd is one side of a deposited pair, either a whole cell or a single
// point.
type pairEnd struct {
	pos r3.Vec
	w   float64
	n   float64
	wk  float64
	wg  complex128
}

func cellEnd(c *Cell) pairEnd {
	return pairEnd{pos: c.Pos, w: c.W, n: float64(c.N), wk: c.WK, wg: c.WG}
}

func pointEnd(cat *Catalog, i int) pairEnd {
	e := pairEnd{pos: cat.pos[i], w: cat.w[i], n: 1}
	if cat.k != nil {
		e.wk = cat.w[i] * cat.k[i]
	}
	if cat.g != nil {
		e.wg = complex(cat.w[i], 0) * cat.g[i]
	}
	return e
}

// pairProcessor walks cell pairs for one worker and deposits into private
// bins.
type pairProcessor struct {
	kind   Kind
	coords Coords
	m      metricHelper
	arc    bool
	f1, f2 *Field
	bins   *BinArrays

	minSep, maxSep     float64
	minSepSq, maxSepSq float64
	logMinSep, binSize float64
	bsq                float64

	useRpar          bool
	minRpar, maxRpar float64

	deposits int64
}

func newPairProcessor(cfg *CorrConfig, m metricHelper, coords Coords, f1, f2 *Field) *pairProcessor {
	_, arc := m.(arcMetric)
	b := cfg.b()
	return &pairProcessor{
		kind:      cfg.Kind,
		coords:    coords,
		m:         m,
		arc:       arc,
		f1:        f1,
		f2:        f2,
		bins:      NewBinArrays(cfg.Kind, cfg.MinSep, cfg.MaxSep, cfg.BinSize, cfg.NBins),
		minSep:    cfg.MinSep,
		maxSep:    cfg.MaxSep,
		minSepSq:  cfg.MinSep * cfg.MinSep,
		maxSepSq:  cfg.MaxSep * cfg.MaxSep,
		logMinSep: math.Log(cfg.MinSep),
		binSize:   cfg.BinSize,
		bsq:       b * b,
		useRpar:   cfg.Metric.HasRpar() && (!math.IsInf(cfg.MinRpar, -1) || !math.IsInf(cfg.MaxRpar, 1)),
		minRpar:   cfg.MinRpar,
		maxRpar:   cfg.MaxRpar,
	}
}

// process2 accumulates the pairs of points that both lie in c.
func (p *pairProcessor) process2(c *Cell) {
	if c.W == 0 || c.N < 2 {
		return
	}
	// No two points of c are further apart than 2·Size.
	span := 2 * c.Size
	if p.arc {
		span = chordToArc(span)
	}
	if span < p.minSep {
		return
	}
	if c.IsLeaf() {
		pts := p.f1.Points(c)
		for a := range pts {
			for b := a + 1; b < len(pts); b++ {
				p.pointPair(p.f1.cat, pts[a], p.f1.cat, pts[b])
			}
		}
		return
	}
	left, right := p.f1.Cell(c.Left), p.f1.Cell(c.Right)
	p.process2(left)
	p.process2(right)
	p.process11(left, right)
}

// process11 accumulates the pairs with one point in c1 (from f1) and one in
// c2 (from f2).
func (p *pairProcessor) process11(c1, c2 *Cell) {
	if c1.W == 0 || c2.W == 0 {
		return
	}
	s1, s2 := c1.Size, c2.Size
	dsq := p.m.DistSq(c1.Pos, c2.Pos, &s1, &s2)
	s := s1 + s2
	if allCloser(dsq, s, p.minSep) || allFarther(dsq, s, p.maxSep) {
		return
	}

	rparInside := true
	if p.useRpar {
		rp := rpar(c1.Pos, c2.Pos)
		rs := c1.Size + c2.Size
		if rp+rs < p.minRpar || rp-rs >= p.maxRpar {
			return
		}
		rparInside = rp-rs >= p.minRpar && rp+rs < p.maxRpar
	}

	if rparInside && openingOK(dsq, s, p.bsq) {
		p.deposit(cellEnd(c1), cellEnd(c2), dsq)
		return
	}

	split1, split2 := chooseSplit(c1, c2, s1, s2)
	switch {
	case split1 && split2:
		l1, r1 := p.f1.Cell(c1.Left), p.f1.Cell(c1.Right)
		l2, r2 := p.f2.Cell(c2.Left), p.f2.Cell(c2.Right)
		p.process11(l1, l2)
		p.process11(l1, r2)
		p.process11(r1, l2)
		p.process11(r1, r2)
	case split1:
		p.process11(p.f1.Cell(c1.Left), c2)
		p.process11(p.f1.Cell(c1.Right), c2)
	case split2:
		p.process11(c1, p.f2.Cell(c2.Left))
		p.process11(c1, p.f2.Cell(c2.Right))
	default:
		// Two leaves that are too large to treat as one pair.
		for _, i := range p.f1.Points(c1) {
			for _, j := range p.f2.Points(c2) {
				p.pointPair(p.f1.cat, i, p.f2.cat, j)
			}
		}
	}
}

// chooseSplit picks which cells to open: the larger one, and the smaller
// one too when the sizes are comparable. Leaves cannot be opened.
func chooseSplit(c1, c2 *Cell, s1, s2 float64) (split1, split2 bool) {
	can1, can2 := !c1.IsLeaf(), !c2.IsLeaf()
	if s1 >= s2 {
		split1 = can1
		split2 = can2 && s2 > splitFactor*s1
	} else {
		split2 = can2
		split1 = can1 && s1 > splitFactor*s2
	}
	if !split1 && !split2 {
		split1 = can1
		split2 = !can1 && can2
	}
	return split1, split2
}

// pointPair accumulates the single pair (cat1[i], cat2[j]) exactly.
func (p *pairProcessor) pointPair(cat1 *Catalog, i int, cat2 *Catalog, j int) {
	e1, e2 := pointEnd(cat1, i), pointEnd(cat2, j)
	if e1.w == 0 || e2.w == 0 {
		return
	}
	var s1, s2 float64
	dsq := p.m.DistSq(e1.pos, e2.pos, &s1, &s2)
	if p.useRpar {
		if rp := rpar(e1.pos, e2.pos); rp < p.minRpar || rp >= p.maxRpar {
			return
		}
	}
	p.deposit(e1, e2, dsq)
}

// deposit adds one pair at squared separation dsq to its bin. Pairs outside
// [MinSep, MaxSep) are dropped.
func (p *pairProcessor) deposit(e1, e2 pairEnd, dsq float64) {
	if dsq < p.minSepSq || dsq >= p.maxSepSq {
		return
	}
	logr := 0.5 * math.Log(dsq)
	k := int((logr - p.logMinSep) / p.binSize)
	k = max(0, min(k, p.bins.NBins-1))

	b := p.bins
	ww := e1.w * e2.w
	b.Weight[k] += ww
	b.NPairs[k] += e1.n * e2.n
	b.MeanR[k] += ww * math.Sqrt(dsq)
	b.MeanLogR[k] += ww * logr

	switch p.kind {
	case KindNK:
		b.Xi[k] += e1.w * e2.wk
	case KindKK:
		b.Xi[k] += e1.wk * e2.wk
	case KindNG, KindKG:
		lens := e1.w
		if p.kind == KindKG {
			lens = e1.wk
		}
		// Rotate the source shear into the frame of the separation vector;
		// tangential shear is the negative real part.
		r := direction(p.coords, e2.pos, e1.pos)
		g := complex(lens, 0) * e2.wg * cmplx.Conj(r*r)
		b.Xi[k] -= real(g)
		b.XiIm[k] -= imag(g)
	case KindGG:
		r1 := direction(p.coords, e1.pos, e2.pos)
		r2 := direction(p.coords, e2.pos, e1.pos)
		g1 := e1.wg * cmplx.Conj(r1*r1)
		g2 := e2.wg * cmplx.Conj(r2*r2)
		xip := g1 * cmplx.Conj(g2)
		xim := g1 * g2
		b.Xi[k] += real(xip)
		b.XiIm[k] += imag(xip)
		b.Xi2[k] += real(xim)
		b.Xi2Im[k] += imag(xim)
	}
	p.deposits++
}
