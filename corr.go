package treecorr

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
)

// Kind selects which observables are correlated. The first letter describes
// the first field, the second letter the second: N counts, K scalars, G
// shears.
type Kind string

const (
	KindNN Kind = "NN"
	KindNK Kind = "NK"
	KindKK Kind = "KK"
	KindNG Kind = "NG"
	KindKG Kind = "KG"
	KindGG Kind = "GG"
)

// ParseKind converts a kind name (case-insensitive) into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(s))
	switch k {
	case KindNN, KindNK, KindKK, KindNG, KindKG, KindGG:
		return k, nil
	}
	return "", errors.Wrapf(ErrInvalidKind, "unknown kind %q", s)
}

// symmetric reports whether both sides carry the same observable, which is
// required for auto-correlations.
func (k Kind) symmetric() bool { return k[0] == k[1] }

func sideNeeds(side byte, cat *Catalog) error {
	switch side {
	case 'K':
		if !cat.HasKappa() {
			return errors.Wrapf(ErrMissingObservable, "catalog %q has no kappa", cat.name)
		}
	case 'G':
		if !cat.HasShear() {
			return errors.Wrapf(ErrMissingObservable, "catalog %q has no shear", cat.name)
		}
	}
	return nil
}

// sideVariance is the variance used by Finalize for one side of kind.
func sideVariance(side byte, cats []*Catalog) (float64, error) {
	switch side {
	case 'K':
		return CalculateVarK(cats)
	case 'G':
		return CalculateVarG(cats)
	}
	return 1, nil
}

// CorrConfig controls binning and traversal for an Accumulator.
// Start with [DefaultCorrConfig] and override the fields you need.
type CorrConfig struct {
	// Kind selects the correlated observables. Default: "NN".
	Kind Kind

	// MinSep and MaxSep bound the separations that are binned. Pairs outside
	// [MinSep, MaxSep) are ignored. Must satisfy 0 < MinSep < MaxSep.
	MinSep float64
	MaxSep float64

	// NBins and BinSize describe the logarithmic bins. Give either one, or
	// both when consistent. With only BinSize, NBins is rounded up and MaxSep
	// is moved out to the edge of the last bin.
	NBins   int
	BinSize float64

	// BinSlop scales the opening-angle tolerance: cell pairs whose sizes sum
	// to at most BinSlop·BinSize times their separation are deposited as one
	// pair. 0 computes every pair exactly. Default: 1.
	BinSlop float64

	// Metric is the separation measure. Default: "Euclidean".
	Metric Metric

	// MinRpar and MaxRpar restrict the line-of-sight separation for metrics
	// that define one. Leaving both 0 means no restriction.
	MinRpar float64
	MaxRpar float64

	// Workers is the number of goroutines processing top-level cells.
	// 0 means runtime.NumCPU().
	Workers int

	// Logger receives diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultCorrConfig returns a CorrConfig with reasonable defaults. MinSep,
// MaxSep and one of NBins or BinSize still have to be set.
func DefaultCorrConfig() CorrConfig {
	return CorrConfig{
		Kind:    KindNN,
		BinSlop: 1,
		Metric:  MetricEuclidean,
		MinRpar: math.Inf(-1),
		MaxRpar: math.Inf(1),
	}
}

func (c *CorrConfig) applyDefaults() {
	if c.Kind == "" {
		c.Kind = KindNN
	}
	if c.Metric == "" {
		c.Metric = MetricEuclidean
	}
	if c.MinRpar == 0 && c.MaxRpar == 0 {
		c.MinRpar, c.MaxRpar = math.Inf(-1), math.Inf(1)
	}
}

// validate checks the config and fills in whichever of NBins and BinSize
// was omitted.
func (c *CorrConfig) validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	m, err := ParseMetric(string(c.Metric))
	if err != nil {
		return err
	}
	c.Metric = m
	if !(c.MinSep > 0) {
		return errors.Wrapf(ErrInvalidBinning, "MinSep must be > 0, got %v", c.MinSep)
	}
	if !(c.MaxSep > c.MinSep) || math.IsInf(c.MaxSep, 1) {
		return errors.Wrapf(ErrInvalidBinning, "MaxSep must be finite and > MinSep, got [%v, %v)", c.MinSep, c.MaxSep)
	}
	if c.BinSlop < 0 || math.IsNaN(c.BinSlop) {
		return errors.Wrapf(ErrInvalidBinning, "BinSlop must be >= 0, got %v", c.BinSlop)
	}
	if c.NBins < 0 || c.BinSize < 0 {
		return errors.Wrapf(ErrInvalidBinning, "NBins and BinSize must be >= 0, got %d and %v", c.NBins, c.BinSize)
	}
	span := math.Log(c.MaxSep / c.MinSep)
	switch {
	case c.NBins > 0 && c.BinSize > 0:
		if math.Abs(float64(c.NBins)*c.BinSize-span) > 1e-8*span {
			return errors.Wrapf(ErrInvalidBinning, "NBins=%d and BinSize=%v do not cover [%v, %v)", c.NBins, c.BinSize, c.MinSep, c.MaxSep)
		}
	case c.NBins > 0:
		c.BinSize = span / float64(c.NBins)
	case c.BinSize > 0:
		c.NBins = int(math.Ceil(span / c.BinSize))
		c.MaxSep = c.MinSep * math.Exp(float64(c.NBins)*c.BinSize)
	default:
		return errors.Wrap(ErrInvalidBinning, "one of NBins or BinSize is required")
	}
	if c.MinRpar > c.MaxRpar {
		return errors.Wrapf(ErrInvalidBinning, "MinRpar %v exceeds MaxRpar %v", c.MinRpar, c.MaxRpar)
	}
	if !c.Metric.HasRpar() && (!math.IsInf(c.MinRpar, -1) || !math.IsInf(c.MaxRpar, 1)) {
		return errors.Wrapf(ErrInvalidMetric, "MinRpar/MaxRpar require Rperp or Rlens, got %s", c.Metric)
	}
	return nil
}

// b returns the opening-angle tolerance BinSlop·BinSize.
func (c *CorrConfig) b() float64 { return c.BinSlop * c.BinSize }

// BuildOptions returns the tree options suited to this binning: cells
// smaller than MinSep·b/(2+3b) are never opened and top-level cells are no
// larger than MaxSep·b.
func (c *CorrConfig) BuildOptions() BuildOptions {
	opts := DefaultBuildOptions()
	if b := c.b(); b > 0 {
		opts.MinSize = c.MinSep * b / (2 + 3*b)
		opts.MaxSize = c.MaxSep * b
	}
	opts.MinTopCells = resolveWorkers(c.Workers) * chunksPerWorker
	opts.Workers = c.Workers
	opts.Logger = c.Logger
	return opts
}

// Accumulator sums pair products over logarithmic separation bins. The sums
// persist across Process calls until Clear, so several field pairs can be
// accumulated into one result. An Accumulator is safe for concurrent use.
type Accumulator struct {
	cfg    CorrConfig
	logger *slog.Logger

	mu   sync.Mutex
	bins *BinArrays
}

// NewAccumulator validates cfg and returns an empty Accumulator.
func NewAccumulator(cfg CorrConfig) (*Accumulator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Accumulator{
		cfg:    cfg,
		logger: loggerOrDefault(cfg.Logger),
		bins:   NewBinArrays(cfg.Kind, cfg.MinSep, cfg.MaxSep, cfg.BinSize, cfg.NBins),
	}, nil
}

// Config returns the validated configuration, with NBins, BinSize and
// MaxSep filled in.
func (a *Accumulator) Config() CorrConfig { return a.cfg }

// Clear zeroes the accumulated sums.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bins.Clear()
}

// Add merges the sums of o into a. Both must have the same kind and binning.
func (a *Accumulator) Add(o *Accumulator) error {
	other := o.Bins()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bins.Add(other)
}

// Bins returns a copy of the accumulated sums.
func (a *Accumulator) Bins() *BinArrays {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bins.Clone()
}

// Finalize returns the normalized correlation. The accumulator is not
// modified.
func (a *Accumulator) Finalize(varA, varB float64) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bins.Finalize(varA, varB)
}

// ProcessCross accumulates all pairs with one point from f1 and one from f2.
func (a *Accumulator) ProcessCross(ctx context.Context, f1, f2 *Field) (err error) {
	ctx, span := startSpan(ctx, "treecorr.ProcessCross",
		attribute.String("corr.kind", string(a.cfg.Kind)),
		attribute.Int("corr.points1", f1.NumPoints()),
		attribute.Int("corr.points2", f2.NumPoints()),
	)
	defer func() { endSpan(span, err) }()

	if f1.Coords() != f2.Coords() {
		return errors.Wrapf(ErrCoordsMismatch, "%s vs %s", f1.Coords(), f2.Coords())
	}
	if err := sideNeeds(a.cfg.Kind[0], f1.cat); err != nil {
		return err
	}
	if err := sideNeeds(a.cfg.Kind[1], f2.cat); err != nil {
		return err
	}
	m, err := newMetricHelper(a.cfg.Metric, f1.Coords())
	if err != nil {
		return err
	}
	return a.run(ctx, "cross", f1.NumTopCells(), func(p *pairProcessor, i int) {
		c1 := f1.Cell(f1.top[i])
		for _, j := range f2.top {
			p.process11(c1, f2.Cell(j))
		}
	}, m, f1.Coords(), f1, f2)
}

// ProcessAuto accumulates all distinct pairs of points within f. Each pair
// is counted once.
func (a *Accumulator) ProcessAuto(ctx context.Context, f *Field) (err error) {
	ctx, span := startSpan(ctx, "treecorr.ProcessAuto",
		attribute.String("corr.kind", string(a.cfg.Kind)),
		attribute.Int("corr.points", f.NumPoints()),
	)
	defer func() { endSpan(span, err) }()

	if !a.cfg.Kind.symmetric() {
		return errors.Wrapf(ErrInvalidKind, "%s has no auto-correlation", a.cfg.Kind)
	}
	if err := sideNeeds(a.cfg.Kind[0], f.cat); err != nil {
		return err
	}
	m, err := newMetricHelper(a.cfg.Metric, f.Coords())
	if err != nil {
		return err
	}
	return a.run(ctx, "auto", f.NumTopCells(), func(p *pairProcessor, i int) {
		c1 := f.Cell(f.top[i])
		p.process2(c1)
		for _, j := range f.top[i+1:] {
			p.process11(c1, f.Cell(j))
		}
	}, m, f.Coords(), f, f)
}

// ProcessPairwise accumulates only the pairs (i, i) of two catalogs of equal
// length.
func (a *Accumulator) ProcessPairwise(ctx context.Context, c1, c2 *Catalog) (err error) {
	ctx, span := startSpan(ctx, "treecorr.ProcessPairwise",
		attribute.String("corr.kind", string(a.cfg.Kind)),
		attribute.Int("corr.points", c1.NumPoints()),
	)
	defer func() { endSpan(span, err) }()

	if c1.NumPoints() != c2.NumPoints() {
		return errors.Wrapf(ErrLengthMismatch, "pairwise catalogs have %d and %d points", c1.NumPoints(), c2.NumPoints())
	}
	if c1.Coords() != c2.Coords() {
		return errors.Wrapf(ErrCoordsMismatch, "%s vs %s", c1.Coords(), c2.Coords())
	}
	if err := sideNeeds(a.cfg.Kind[0], c1); err != nil {
		return err
	}
	if err := sideNeeds(a.cfg.Kind[1], c2); err != nil {
		return err
	}
	m, err := newMetricHelper(a.cfg.Metric, c1.Coords())
	if err != nil {
		return err
	}
	n := c1.NumPoints()
	return a.run(ctx, "pairwise", n, func(p *pairProcessor, i int) {
		p.pointPair(c1, i, c2, i)
	}, m, c1.Coords(), nil, nil)
}

// run fans the rows [0, n) out to workers, each with a private processor,
// then merges their bins in chunk order.
func (a *Accumulator) run(ctx context.Context, mode string, n int, row func(p *pairProcessor, i int), m metricHelper, coords Coords, f1, f2 *Field) error {
	started := time.Now()
	workers := resolveWorkers(a.cfg.Workers)
	chunks := splitChunks(n, workers)
	procs := make([]*pairProcessor, len(chunks))

	err := runChunks(ctx, chunks, workers, func(ctx context.Context, c int, r chunkRange) error {
		p := newPairProcessor(&a.cfg, m, coords, f1, f2)
		for i := r.lo; i < r.hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			row(p, i)
		}
		procs[c] = p
		return nil
	})
	if err != nil {
		return err
	}

	var deposits int64
	a.mu.Lock()
	for _, p := range procs {
		// Same config on both sides, so the bins are always compatible.
		_ = a.bins.Add(p.bins)
		deposits += p.deposits
	}
	a.mu.Unlock()

	recordProcess(ctx, time.Since(started), a.cfg.Kind, deposits)
	a.logger.Debug("processed pairs",
		slog.String("mode", mode),
		slog.String("kind", string(a.cfg.Kind)),
		slog.Int("rows", n),
		slog.Int64("deposits", deposits),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// Process clears the accumulator, then correlates every catalog of cats1
// with every catalog of cats2 and returns the finalized result with
// variances computed from the catalogs. A nil cats2 computes the
// auto-correlation of cats1, including the cross pairs between its
// catalogs.
func (a *Accumulator) Process(ctx context.Context, cats1, cats2 []*Catalog) (*Result, error) {
	if len(cats1) == 0 {
		return nil, errors.Wrap(ErrNoCatalogs, "first catalog list is empty")
	}
	if cats2 != nil && len(cats2) == 0 {
		return nil, errors.Wrap(ErrNoCatalogs, "second catalog list is empty")
	}
	a.Clear()

	opts := a.cfg.BuildOptions()
	fields := func(cats []*Catalog) ([]*Field, error) {
		out := make([]*Field, len(cats))
		for i, c := range cats {
			f, err := c.Field(opts)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	}

	f1, err := fields(cats1)
	if err != nil {
		return nil, err
	}
	if cats2 == nil {
		for i := range f1 {
			if err := a.ProcessAuto(ctx, f1[i]); err != nil {
				return nil, err
			}
			for j := i + 1; j < len(f1); j++ {
				if err := a.ProcessCross(ctx, f1[i], f1[j]); err != nil {
					return nil, err
				}
			}
		}
		cats2 = cats1
	} else {
		f2, err := fields(cats2)
		if err != nil {
			return nil, err
		}
		for _, x := range f1 {
			for _, y := range f2 {
				if err := a.ProcessCross(ctx, x, y); err != nil {
					return nil, err
				}
			}
		}
	}

	varA, err := sideVariance(a.cfg.Kind[0], cats1)
	if err != nil {
		return nil, err
	}
	varB, err := sideVariance(a.cfg.Kind[1], cats2)
	if err != nil {
		return nil, err
	}
	res := a.Finalize(varA, varB)
	a.logger.Info("correlation complete",
		slog.String("kind", string(a.cfg.Kind)),
		slog.Int("nbins", a.cfg.NBins),
		slog.Float64("npairs", floats.Sum(res.NPairs)),
	)
	return res, nil
}

// ProcessCatalogs is Process for single catalogs. A nil cat2 computes the
// auto-correlation of cat1.
func (a *Accumulator) ProcessCatalogs(ctx context.Context, cat1, cat2 *Catalog) (*Result, error) {
	if cat2 == nil {
		return a.Process(ctx, []*Catalog{cat1}, nil)
	}
	return a.Process(ctx, []*Catalog{cat1}, []*Catalog{cat2})
}

// Accumulate correlates f1 with f2 (or f1 with itself when f2 is nil) and
// returns the raw bin sums.
func Accumulate(ctx context.Context, f1, f2 *Field, cfg CorrConfig) (*BinArrays, error) {
	a, err := NewAccumulator(cfg)
	if err != nil {
		return nil, err
	}
	if f2 == nil {
		err = a.ProcessAuto(ctx, f1)
	} else {
		err = a.ProcessCross(ctx, f1, f2)
	}
	if err != nil {
		return nil, err
	}
	return a.bins, nil
}
