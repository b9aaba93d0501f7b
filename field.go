package treecorr

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxTop is the default depth limit for top-level splitting.
const DefaultMaxTop = 10

// BuildOptions controls how a Field's tree is built.
// Start with [DefaultBuildOptions] and override the fields you need.
type BuildOptions struct {
	// MinSize stops splitting below the top level once a cell's size is at or
	// below it. 0 splits down to single points. Must be >= 0.
	MinSize float64

	// MaxSize is the largest size a top-level cell may have. Ranges larger
	// than MaxSize keep splitting until they fit or MaxTop is reached.
	// 0 means +Inf.
	MaxSize float64

	// SplitMethod chooses the split position along the widest axis.
	// Default: "mean".
	SplitMethod SplitMethod

	// MinTopCells asks for at least this many top-level cells when the points
	// allow it. Splitting continues to depth ceil(log2(MinTopCells)).
	MinTopCells int

	// MaxTop bounds the depth of top-level splitting. Default: 10.
	MaxTop int

	// KeepZeroWeight keeps points with zero weight in the tree. They are
	// dropped by default since they contribute nothing to correlations.
	KeepZeroWeight bool

	// Seed drives the random split method.
	Seed uint64

	// Workers is the number of goroutines building top-level subtrees.
	// 0 means runtime.NumCPU().
	Workers int

	// Logger receives build diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultBuildOptions returns BuildOptions with reasonable defaults.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		MaxSize:     math.Inf(1),
		SplitMethod: SplitMean,
		MaxTop:      DefaultMaxTop,
	}
}

func (o *BuildOptions) applyDefaults() {
	if o.MaxSize == 0 {
		o.MaxSize = math.Inf(1)
	}
	if o.SplitMethod == "" {
		o.SplitMethod = SplitMean
	}
	if o.MaxTop == 0 {
		o.MaxTop = DefaultMaxTop
	}
	o.MaxTop = max(o.MaxTop, o.minTopDepth())
}

func (o *BuildOptions) validate() error {
	if o.MinSize < 0 || math.IsNaN(o.MinSize) {
		return errors.Wrapf(ErrInvalidBinning, "MinSize must be >= 0, got %v", o.MinSize)
	}
	if o.MaxSize < 0 || math.IsNaN(o.MaxSize) {
		return errors.Wrapf(ErrInvalidBinning, "MaxSize must be >= 0, got %v", o.MaxSize)
	}
	if o.MinTopCells < 0 {
		return errors.Wrapf(ErrInvalidNPatch, "MinTopCells must be >= 0, got %d", o.MinTopCells)
	}
	if o.MaxTop < 0 {
		return errors.Errorf("treecorr: MaxTop must be >= 0, got %d", o.MaxTop)
	}
	_, err := ParseSplitMethod(string(o.SplitMethod))
	return err
}

// minTopDepth is the shallowest depth at which a range may become a
// top-level cell.
func (o *BuildOptions) minTopDepth() int {
	if o.MinTopCells <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(o.MinTopCells))))
}

// fieldKey identifies the options that determine a field's structure.
type fieldKey struct {
	minSize, maxSize float64
	split            SplitMethod
	minTop, maxTop   int
	keepZero         bool
	seed             uint64
}

func (o BuildOptions) key() fieldKey {
	o.applyDefaults()
	return fieldKey{
		minSize:  o.MinSize,
		maxSize:  o.MaxSize,
		split:    o.SplitMethod,
		minTop:   o.minTopDepth(),
		maxTop:   o.MaxTop,
		keepZero: o.KeepZeroWeight,
		seed:     o.Seed,
	}
}

// Field is a balanced binary tree of cells over a catalog's points. The
// roots of the tree are the top-level cells; every cell is stored in one
// arena and refers to its children by index. A Field is read-only after
// construction and safe for concurrent use.
type Field struct {
	cat      *Catalog
	cells    []Cell
	top      []int
	index    []int // tree order → catalog index
	excluded []int // catalog indices dropped for zero weight
	minSize  float64
	maxSize  float64
	totalW   float64
}

// BuildField builds a Field over cat.
func BuildField(cat *Catalog, opts BuildOptions) (*Field, error) {
	return BuildFieldContext(context.Background(), cat, opts)
}

// BuildFieldContext is BuildField with a context for cancellation and
// tracing.
func BuildFieldContext(ctx context.Context, cat *Catalog, opts BuildOptions) (f *Field, err error) {
	ctx, span := startSpan(ctx, "treecorr.BuildField",
		attribute.Int("field.points", cat.NumPoints()),
		attribute.String("field.coords", string(cat.coords)),
	)
	defer func() { endSpan(span, err) }()
	started := time.Now()

	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := loggerOrDefault(opts.Logger)

	f = &Field{
		cat:     cat,
		minSize: opts.MinSize,
		maxSize: opts.MaxSize,
	}
	f.index = make([]int, 0, cat.NumPoints())
	for i, w := range cat.w {
		if w > 0 || opts.KeepZeroWeight {
			f.index = append(f.index, i)
		} else {
			f.excluded = append(f.excluded, i)
		}
	}
	if len(f.index) == 0 {
		return nil, errors.Wrapf(ErrEmptyCatalog, "catalog %q has no points with positive weight", cat.name)
	}

	// Top-level ranges are found sequentially; they are cheap compared with
	// the subtrees below them.
	setup := &cellBuilder{
		cat:    cat,
		idx:    f.index,
		method: opts.SplitMethod,
		rng:    rand.New(rand.NewPCG(opts.Seed, 0)),
	}
	var ranges []chunkRange
	setup.topRanges(0, len(f.index), 0, &opts, &ranges)

	builders := make([]*cellBuilder, len(ranges))
	workers := resolveWorkers(opts.Workers)
	err = runChunks(ctx, splitChunks(len(ranges), workers), workers, func(ctx context.Context, _ int, r chunkRange) error {
		for t := r.lo; t < r.hi; t++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := &cellBuilder{
				cat:     cat,
				idx:     f.index,
				minSize: opts.MinSize,
				method:  opts.SplitMethod,
				rng:     rand.New(rand.NewPCG(opts.Seed, uint64(t)+1)),
			}
			b.build(ranges[t].lo, ranges[t].hi)
			builders[t] = b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := 0
	for _, b := range builders {
		total += len(b.cells)
	}
	f.cells = make([]Cell, 0, total)
	f.top = make([]int, len(builders))
	for t, b := range builders {
		offset := len(f.cells)
		for _, c := range b.cells {
			if c.Left >= 0 {
				c.Left += offset
				c.Right += offset
			}
			f.cells = append(f.cells, c)
		}
		f.top[t] = offset
		f.totalW += b.cells[0].W
	}

	span.SetAttributes(
		attribute.Int("field.top_cells", len(f.top)),
		attribute.Int("field.cells", len(f.cells)),
	)
	recordBuild(ctx, time.Since(started), cat.coords)
	logger.Debug("built field",
		slog.String("catalog", cat.name),
		slog.Int("points", len(f.index)),
		slog.Int("excluded", len(f.excluded)),
		slog.Int("top_cells", len(f.top)),
		slog.Int("cells", len(f.cells)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return f, nil
}

// topRanges appends the index ranges of the top-level cells below
// idx[start:end], splitting until each range is small enough and deep
// enough, cannot be split, or has reached MaxTop.
func (b *cellBuilder) topRanges(start, end, depth int, opts *BuildOptions, out *[]chunkRange) {
	if end-start > 1 && depth < opts.MaxTop {
		_, _, size := b.centroid(start, end)
		if size > opts.MaxSize || depth < opts.minTopDepth() {
			if mid, ok := partition(b.idx[start:end], b.cat.pos, b.cat.w, b.cat.coords.Dims(), b.method, b.rng); ok {
				b.topRanges(start, start+mid, depth+1, opts, out)
				b.topRanges(start+mid, end, depth+1, opts, out)
				return
			}
		}
	}
	*out = append(*out, chunkRange{lo: start, hi: end})
}

// Catalog returns the catalog the field was built from.
func (f *Field) Catalog() *Catalog { return f.cat }

// Coords returns the coordinate system of the catalog.
func (f *Field) Coords() Coords { return f.cat.coords }

// Dims returns the number of coordinates per position: 2 for flat, 3 for
// 3d and spherical catalogs.
func (f *Field) Dims() int { return f.cat.coords.Dims() }

// NumPoints returns the number of points in the tree, excluding dropped
// zero-weight points.
func (f *Field) NumPoints() int { return len(f.index) }

// NumTopCells returns the number of top-level cells.
func (f *Field) NumTopCells() int { return len(f.top) }

// NumCells returns the number of cells in the tree, top-level cells and
// their descendants.
func (f *Field) NumCells() int { return len(f.cells) }

// TotalWeight returns the summed weight of the points in the tree.
func (f *Field) TotalWeight() float64 { return f.totalW }

// MinSize is the size below which cells are not split further.
func (f *Field) MinSize() float64 { return f.minSize }

// MaxSize is the largest size a top-level cell may have unless MaxTop
// stopped the splitting first.
func (f *Field) MaxSize() float64 { return f.maxSize }

// TopCells returns the arena indices of the top-level cells.
func (f *Field) TopCells() []int {
	return append([]int(nil), f.top...)
}

// Cell returns the cell at arena index i. The cell must not be modified.
func (f *Field) Cell(i int) *Cell { return &f.cells[i] }

// Points returns the catalog indices of the points in c. The slice must not
// be modified.
func (f *Field) Points(c *Cell) []int { return f.index[c.Start:c.End] }

// Excluded returns the catalog indices of points left out of the tree.
func (f *Field) Excluded() []int { return f.excluded }
