package treecorr

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// exactConfig returns a validated config that computes every pair exactly.
func exactConfig(t *testing.T, kind Kind, minSep, maxSep float64, nbins int) CorrConfig {
	t.Helper()
	cfg := DefaultCorrConfig()
	cfg.Kind = kind
	cfg.MinSep, cfg.MaxSep, cfg.NBins = minSep, maxSep, nbins
	cfg.BinSlop = 0
	cfg.Workers = 2
	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)
	return acc.Config()
}

// bruteForce computes the bins with a direct double loop. Separations and
// shear projections are computed independently of the tree code on the
// plane; on the sphere the local-frame directions are shared.
func bruteForce(cfg CorrConfig, c1, c2 *Catalog, auto bool) *BinArrays {
	b := NewBinArrays(cfg.Kind, cfg.MinSep, cfg.MaxSep, cfg.BinSize, cfg.NBins)
	for i := 0; i < c1.NumPoints(); i++ {
		j0 := 0
		if auto {
			j0 = i + 1
		}
		for j := j0; j < c2.NumPoints(); j++ {
			w1, w2 := c1.w[i], c2.w[j]
			if w1 == 0 || w2 == 0 {
				continue
			}
			p1, p2 := c1.pos[i], c2.pos[j]
			r := r3.Norm(r3.Sub(p1, p2))
			switch cfg.Metric {
			case MetricArc:
				r = 2 * math.Asin(r/2)
			case MetricRperp:
				par := r3.Norm(p2) - r3.Norm(p1)
				if par < cfg.MinRpar || par >= cfg.MaxRpar {
					continue
				}
				r = math.Sqrt(math.Max(r*r-par*par, 0))
			}
			if r < cfg.MinSep || r >= cfg.MaxSep {
				continue
			}
			k := int((math.Log(r) - math.Log(cfg.MinSep)) / cfg.BinSize)
			k = max(0, min(k, cfg.NBins-1))
			ww := w1 * w2
			b.Weight[k] += ww
			b.NPairs[k]++
			b.MeanR[k] += ww * r
			b.MeanLogR[k] += ww * math.Log(r)

			var expm2 complex128 // e^{-2iφ} of the separation p1 → p2
			var a1, a2 complex128
			if c1.coords == CoordsFlat {
				phi := math.Atan2(p2.Y-p1.Y, p2.X-p1.X)
				expm2 = cmplx.Exp(complex(0, -2*phi))
				a1, a2 = expm2, expm2
			} else {
				d1 := direction(c1.coords, p1, p2)
				d2 := direction(c1.coords, p2, p1)
				expm2 = cmplx.Conj(d2 * d2)
				a1, a2 = cmplx.Conj(d1*d1), expm2
			}
			switch cfg.Kind {
			case KindNK:
				b.Xi[k] += ww * c2.k[j]
			case KindKK:
				b.Xi[k] += ww * c1.k[i] * c2.k[j]
			case KindNG, KindKG:
				lens := 1.0
				if cfg.Kind == KindKG {
					lens = c1.k[i]
				}
				g := complex(ww*lens, 0) * c2.g[j] * expm2
				b.Xi[k] -= real(g)
				b.XiIm[k] -= imag(g)
			case KindGG:
				g1 := c1.g[i] * a1
				g2 := c2.g[j] * a2
				xip := complex(ww, 0) * g1 * cmplx.Conj(g2)
				xim := complex(ww, 0) * g1 * g2
				b.Xi[k] += real(xip)
				b.XiIm[k] += imag(xip)
				b.Xi2[k] += real(xim)
				b.Xi2Im[k] += imag(xim)
			}
		}
	}
	return b
}

func assertBinsClose(t *testing.T, want, got *BinArrays, tol float64) {
	t.Helper()
	names := []string{"Xi", "XiIm", "Xi2", "Xi2Im", "MeanR", "MeanLogR", "Weight", "NPairs"}
	wa, ga := want.arrays(), got.arrays()
	for a := range wa {
		for k := range wa[a] {
			assert.InDelta(t, wa[a][k], ga[a][k], tol*(1+math.Abs(wa[a][k])), "%s[%d]", names[a], k)
		}
	}
}

func TestProcessAuto_MatchesBruteForce(t *testing.T) {
	cat := mustCatalog(t, withObservables(generateData(400, 2, 10, 21), 21))
	for _, kind := range []Kind{KindNN, KindKK, KindGG} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := exactConfig(t, kind, 0.3, 6, 8)
			f := mustField(t, cat, cfg.BuildOptions())
			got, err := Accumulate(context.Background(), f, nil, cfg)
			require.NoError(t, err)
			assertBinsClose(t, bruteForce(cfg, cat, cat, true), got, 1e-9)
		})
	}
}

func TestProcessCross_MatchesBruteForce(t *testing.T) {
	c1 := mustCatalog(t, withObservables(generateData(250, 2, 10, 22), 22))
	c2 := mustCatalog(t, withObservables(generateData(300, 2, 10, 23), 23))
	for _, kind := range []Kind{KindNN, KindNK, KindKK, KindNG, KindKG, KindGG} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := exactConfig(t, kind, 0.3, 6, 8)
			f1 := mustField(t, c1, cfg.BuildOptions())
			f2 := mustField(t, c2, cfg.BuildOptions())
			got, err := Accumulate(context.Background(), f1, f2, cfg)
			require.NoError(t, err)
			assertBinsClose(t, bruteForce(cfg, c1, c2, false), got, 1e-9)
		})
	}
}

func TestProcessCross_ThreeD(t *testing.T) {
	c1 := mustCatalog(t, generateData(300, 3, 10, 24))
	c2 := mustCatalog(t, generateData(300, 3, 10, 25))
	cfg := exactConfig(t, KindNN, 0.5, 8, 6)
	got, err := Accumulate(context.Background(), mustField(t, c1, cfg.BuildOptions()), mustField(t, c2, cfg.BuildOptions()), cfg)
	require.NoError(t, err)
	assertBinsClose(t, bruteForce(cfg, c1, c2, false), got, 1e-9)
}

func TestProcessCross_SphereShear(t *testing.T) {
	c1 := mustCatalog(t, withObservables(generateSky(250, 0.05, 26), 26))
	c2 := mustCatalog(t, withObservables(generateSky(250, 0.05, 27), 27))
	for _, metric := range []Metric{MetricEuclidean, MetricArc} {
		t.Run(string(metric), func(t *testing.T) {
			cfg := exactConfig(t, KindGG, 0.002, 0.08, 6)
			cfg.Metric = metric
			f1 := mustField(t, c1, cfg.BuildOptions())
			f2 := mustField(t, c2, cfg.BuildOptions())
			got, err := Accumulate(context.Background(), f1, f2, cfg)
			require.NoError(t, err)
			assertBinsClose(t, bruteForce(cfg, c1, c2, false), got, 1e-8)
		})
	}
}

func TestProcessCross_RperpWithRparRange(t *testing.T) {
	shift := func(d CatalogData) CatalogData {
		for i := range d.Z {
			d.Z[i] += 50
		}
		return d
	}
	c1 := mustCatalog(t, shift(generateData(250, 3, 10, 28)))
	c2 := mustCatalog(t, shift(generateData(250, 3, 10, 29)))
	cfg := exactConfig(t, KindNN, 0.5, 8, 6)
	cfg.Metric = MetricRperp
	cfg.MinRpar, cfg.MaxRpar = -3, 3

	got, err := Accumulate(context.Background(), mustField(t, c1, cfg.BuildOptions()), mustField(t, c2, cfg.BuildOptions()), cfg)
	require.NoError(t, err)
	want := bruteForce(cfg, c1, c2, false)
	require.Positive(t, floats.Sum(want.NPairs))
	assertBinsClose(t, want, got, 1e-9)
}

func TestProcessCross_SplitIsAssociative(t *testing.T) {
	data := withObservables(generateData(600, 2, 10, 30), 30)
	half := func(lo, hi int) CatalogData {
		return CatalogData{X: data.X[lo:hi], Y: data.Y[lo:hi], W: data.W[lo:hi], K: data.K[lo:hi]}
	}
	all := mustCatalog(t, half(0, 600))
	a := mustCatalog(t, half(0, 300))
	b := mustCatalog(t, half(300, 600))
	lens := mustCatalog(t, withObservables(generateData(200, 2, 10, 31), 31))

	cfg := exactConfig(t, KindNK, 0.3, 6, 8)
	ctx := context.Background()
	fl := mustField(t, lens, cfg.BuildOptions())

	whole, err := NewAccumulator(cfg)
	require.NoError(t, err)
	require.NoError(t, whole.ProcessCross(ctx, fl, mustField(t, all, cfg.BuildOptions())))

	parts, err := NewAccumulator(cfg)
	require.NoError(t, err)
	require.NoError(t, parts.ProcessCross(ctx, fl, mustField(t, a, cfg.BuildOptions())))
	other, err := NewAccumulator(cfg)
	require.NoError(t, err)
	require.NoError(t, other.ProcessCross(ctx, fl, mustField(t, b, cfg.BuildOptions())))
	require.NoError(t, parts.Add(other))

	assertBinsClose(t, whole.Bins(), parts.Bins(), 1e-9)
}

func TestProcessAuto_WorkersAgree(t *testing.T) {
	cat := mustCatalog(t, withObservables(generateData(3000, 2, 20, 32), 32))
	cfg := DefaultCorrConfig()
	cfg.Kind = KindKK
	cfg.MinSep, cfg.MaxSep, cfg.NBins = 0.5, 10, 10

	f := mustField(t, cat, BuildOptions{MinTopCells: 32, MinSize: 0.05})
	cfg.Workers = 1
	seq, err := Accumulate(context.Background(), f, nil, cfg)
	require.NoError(t, err)
	cfg.Workers = 4
	par, err := Accumulate(context.Background(), f, nil, cfg)
	require.NoError(t, err)
	assertBinsClose(t, seq, par, 1e-9)
}

func TestProcessAuto_BinSlopApproximatesExact(t *testing.T) {
	cat := mustCatalog(t, generateData(2000, 2, 10, 33))
	exact := exactConfig(t, KindNN, 0.5, 5, 10)
	want := bruteForce(exact, cat, cat, true)

	cfg := exact
	cfg.BinSlop = 1
	got, err := Accumulate(context.Background(), mustField(t, cat, cfg.BuildOptions()), nil, cfg)
	require.NoError(t, err)
	assert.InEpsilon(t, floats.Sum(want.NPairs), floats.Sum(got.NPairs), 0.05)
	assert.Less(t, got.TotalPairs(), float64(2000*1999/2))
}

func TestProcessPairwise(t *testing.T) {
	c1 := mustCatalog(t, withObservables(generateData(100, 2, 10, 34), 34))
	c2 := mustCatalog(t, withObservables(generateData(100, 2, 10, 35), 35))
	cfg := exactConfig(t, KindKK, 0.5, 12, 5)
	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)
	require.NoError(t, acc.ProcessPairwise(context.Background(), c1, c2))

	want := NewBinArrays(KindKK, cfg.MinSep, cfg.MaxSep, cfg.BinSize, cfg.NBins)
	for i := 0; i < 100; i++ {
		r := r3.Norm(r3.Sub(c1.pos[i], c2.pos[i]))
		if r < cfg.MinSep || r >= cfg.MaxSep {
			continue
		}
		k := int((math.Log(r) - math.Log(cfg.MinSep)) / cfg.BinSize)
		k = max(0, min(k, cfg.NBins-1))
		ww := c1.w[i] * c2.w[i]
		want.Weight[k] += ww
		want.NPairs[k]++
		want.MeanR[k] += ww * r
		want.MeanLogR[k] += ww * math.Log(r)
		want.Xi[k] += ww * c1.k[i] * c2.k[i]
	}
	assertBinsClose(t, want, acc.Bins(), 1e-9)

	short := mustCatalog(t, withObservables(generateData(50, 2, 10, 36), 36))
	assert.ErrorIs(t, acc.ProcessPairwise(context.Background(), c1, short), ErrLengthMismatch)
}

func TestProcess_CatalogListsMatchConcatenation(t *testing.T) {
	data := generateData(500, 2, 10, 37)
	part := func(lo, hi int) CatalogData {
		return CatalogData{X: data.X[lo:hi], Y: data.Y[lo:hi]}
	}
	a := mustCatalog(t, part(0, 200))
	b := mustCatalog(t, part(200, 500))
	all := mustCatalog(t, data)

	cfg := exactConfig(t, KindNN, 0.3, 6, 8)
	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	split, err := acc.Process(ctx, []*Catalog{a, b}, nil)
	require.NoError(t, err)
	whole, err := acc.ProcessCatalogs(ctx, all, nil)
	require.NoError(t, err)

	for k := range whole.NPairs {
		assert.InDelta(t, whole.NPairs[k], split.NPairs[k], 1e-9)
		assert.InDelta(t, whole.MeanR[k], split.MeanR[k], 1e-9)
	}

	_, err = acc.Process(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNoCatalogs)
	_, err = acc.Process(ctx, []*Catalog{a}, []*Catalog{})
	assert.ErrorIs(t, err, ErrNoCatalogs)
}

func TestProcess_VariancesFromCatalogs(t *testing.T) {
	lens := mustCatalog(t, generateData(200, 2, 10, 38))
	src := mustCatalog(t, withObservables(generateData(300, 2, 10, 39), 39))
	cfg := exactConfig(t, KindNG, 0.3, 6, 4)
	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)

	res, err := acc.ProcessCatalogs(context.Background(), lens, src)
	require.NoError(t, err)
	for k := range res.Weight {
		if res.Weight[k] > 0 {
			assert.InDelta(t, src.VarG()/res.Weight[k], res.VarXi[k], 1e-12)
		}
	}
}

func TestProcess_Errors(t *testing.T) {
	ctx := context.Background()
	flat := mustCatalog(t, generateData(50, 2, 1, 40))
	sky := mustCatalog(t, generateSky(50, 0.1, 41))
	ff := mustField(t, flat, BuildOptions{})
	fs := mustField(t, sky, BuildOptions{})

	cfg := DefaultCorrConfig()
	cfg.MinSep, cfg.MaxSep, cfg.NBins = 0.01, 1, 5

	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, acc.ProcessCross(ctx, ff, fs), ErrCoordsMismatch)

	kk := cfg
	kk.Kind = KindKK
	acc, err = NewAccumulator(kk)
	require.NoError(t, err)
	assert.ErrorIs(t, acc.ProcessAuto(ctx, ff), ErrMissingObservable)

	nk := cfg
	nk.Kind = KindNK
	acc, err = NewAccumulator(nk)
	require.NoError(t, err)
	assert.ErrorIs(t, acc.ProcessAuto(ctx, ff), ErrInvalidKind)

	arc := cfg
	arc.Metric = MetricArc
	acc, err = NewAccumulator(arc)
	require.NoError(t, err)
	assert.ErrorIs(t, acc.ProcessAuto(ctx, ff), ErrInvalidMetric)

	acc, err = NewAccumulator(cfg)
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, acc.ProcessAuto(cancelled, ff), context.Canceled)
	assert.Zero(t, acc.Bins().TotalPairs(), "nothing accumulated on error")
}

func TestCorrConfig_Binning(t *testing.T) {
	cfg := DefaultCorrConfig()
	cfg.MinSep, cfg.MaxSep, cfg.BinSize = 1, 10, 0.5
	acc, err := NewAccumulator(cfg)
	require.NoError(t, err)
	got := acc.Config()
	assert.Equal(t, 5, got.NBins)
	assert.InDelta(t, math.Exp(2.5), got.MaxSep, 1e-12)

	cfg.BinSize, cfg.NBins = 0, 10
	acc, err = NewAccumulator(cfg)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(10)/10, acc.Config().BinSize, 1e-15)

	tests := []struct {
		name   string
		mutate func(*CorrConfig)
		want   error
	}{
		{"no bins", func(c *CorrConfig) { c.NBins = 0 }, ErrInvalidBinning},
		{"inconsistent", func(c *CorrConfig) { c.BinSize = 1 }, ErrInvalidBinning},
		{"min sep zero", func(c *CorrConfig) { c.MinSep = 0 }, ErrInvalidBinning},
		{"max below min", func(c *CorrConfig) { c.MaxSep = 0.5 }, ErrInvalidBinning},
		{"negative slop", func(c *CorrConfig) { c.BinSlop = -1 }, ErrInvalidBinning},
		{"bad kind", func(c *CorrConfig) { c.Kind = "NQ" }, ErrInvalidKind},
		{"bad metric", func(c *CorrConfig) { c.Metric = "taxicab" }, ErrInvalidMetric},
		{"rpar without rperp", func(c *CorrConfig) { c.MinRpar = -1; c.MaxRpar = 1 }, ErrInvalidMetric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			tt.mutate(&c)
			_, err := NewAccumulator(c)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAccumulator_ClearAndAdd(t *testing.T) {
	cat := mustCatalog(t, generateData(200, 2, 10, 42))
	cfg := exactConfig(t, KindNN, 0.3, 6, 8)
	f := mustField(t, cat, cfg.BuildOptions())
	ctx := context.Background()

	a, err := NewAccumulator(cfg)
	require.NoError(t, err)
	require.NoError(t, a.ProcessAuto(ctx, f))
	once := a.Bins()
	require.NoError(t, a.ProcessAuto(ctx, f))
	for k := range once.NPairs {
		assert.InDelta(t, 2*once.NPairs[k], a.Bins().NPairs[k], 1e-9)
	}
	a.Clear()
	assert.Zero(t, a.Bins().TotalPairs())

	other := cfg
	other.NBins, other.BinSize = 4, 0
	b, err := NewAccumulator(other)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Add(b), ErrIncompatibleBins)
}
