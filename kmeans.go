package treecorr

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/spatial/r3"
)

// InitMethod selects how k-means centers are seeded.
type InitMethod string

const (
	// InitTree seeds centers from the field's cells so they start spread
	// evenly through the tree.
	InitTree InitMethod = "tree"
	// InitRandom picks distinct points uniformly at random.
	InitRandom InitMethod = "random"
	// InitKMeansPP picks points with probability proportional to w·d², where
	// d is the distance to the nearest center chosen so far.
	InitKMeansPP InitMethod = "kmeans++"
)

// ParseInitMethod converts an init method name into an InitMethod.
func ParseInitMethod(s string) (InitMethod, error) {
	switch InitMethod(s) {
	case InitTree, InitRandom, InitKMeansPP:
		return InitMethod(s), nil
	}
	return "", errors.Wrapf(ErrInvalidInit, "unknown init method %q", s)
}

// KMeansStatus is the final state of a k-means run.
type KMeansStatus string

const (
	KMeansConverged       KMeansStatus = "converged"
	KMeansBudgetExhausted KMeansStatus = "iteration_budget_exhausted"
)

// KMeansConfig controls a k-means run over a Field.
// Start with [DefaultKMeansConfig] and override the fields you need.
type KMeansConfig struct {
	// NPatch is the number of patches. Must satisfy 0 < NPatch <= points.
	NPatch int

	// Init selects the seeding method. Default: "tree".
	Init InitMethod

	// MaxIter bounds the Lloyd iterations and alt sweeps together. Alt
	// sweeps only get what the Lloyd phase leaves over. Default: 200.
	MaxIter int

	// Tol stops iterating once the rms shift of the centers drops below it.
	// Default: 1e-5.
	Tol float64

	// Alt refines the standard result with single-point moves that even
	// out the inertia of the patches. The total inertia never rises above
	// that of the standard run it starts from.
	Alt bool

	// Seed drives every random choice of the run.
	Seed uint64

	// Workers is the number of goroutines used for assignment.
	// 0 means runtime.NumCPU().
	Workers int

	// Logger receives progress messages. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultKMeansConfig returns a KMeansConfig with reasonable defaults for
// npatch patches.
func DefaultKMeansConfig(npatch int) KMeansConfig {
	return KMeansConfig{
		NPatch:  npatch,
		Init:    InitTree,
		MaxIter: 200,
		Tol:     1e-5,
	}
}

func (c *KMeansConfig) applyDefaults() {
	if c.Init == "" {
		c.Init = InitTree
	}
	if c.MaxIter == 0 {
		c.MaxIter = 200
	}
	if c.Tol == 0 {
		c.Tol = 1e-5
	}
}

func (c *KMeansConfig) validate(npoints int) error {
	if err := validateNPatch(c.NPatch, npoints); err != nil {
		return err
	}
	if _, err := ParseInitMethod(string(c.Init)); err != nil {
		return err
	}
	if c.MaxIter < 0 {
		return errors.Errorf("treecorr: MaxIter must be >= 0, got %d", c.MaxIter)
	}
	if c.Tol < 0 || math.IsNaN(c.Tol) {
		return errors.Errorf("treecorr: Tol must be >= 0, got %v", c.Tol)
	}
	return nil
}

func validateNPatch(npatch, npoints int) error {
	if npatch <= 0 || npatch > npoints {
		return errors.Wrapf(ErrInvalidNPatch, "npatch must be in [1, %d], got %d", npoints, npatch)
	}
	return nil
}

// KMeansResult is the outcome of a k-means run.
type KMeansResult struct {
	// Labels holds the patch of every catalog point, in [0, NPatch).
	Labels []int
	// Centers holds one row of Dims coordinates per patch.
	Centers [][]float64
	// Iterations counts Lloyd iterations plus alt sweeps, at most MaxIter.
	Iterations int
	Converged  bool
	Status     KMeansStatus
	// Inertia is Σ w·|x - c|² over all points, about each patch's weighted
	// centroid.
	Inertia float64
	// PatchInertia is the inertia of each of the NPatch patches; empty
	// patches report zero.
	PatchInertia []float64
}

// RunKMeans partitions the field's catalog into npatch patches and returns
// the label of every point.
func RunKMeans(ctx context.Context, f *Field, npatch int, init InitMethod, maxIter int, alt bool) ([]int, error) {
	cfg := DefaultKMeansConfig(npatch)
	cfg.Init = init
	cfg.MaxIter = maxIter
	cfg.Alt = alt
	res, err := f.RunKMeans(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return res.Labels, nil
}

// RunKMeans runs k-means over the field: seeding, then Lloyd iterations
// until the labels stop changing, the centers move less than Tol, or MaxIter
// iterations have run. Points left out of the tree are labelled with their
// nearest center.
func (f *Field) RunKMeans(ctx context.Context, cfg KMeansConfig) (res *KMeansResult, err error) {
	cfg.applyDefaults()
	if err := cfg.validate(f.NumPoints()); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "treecorr.RunKMeans",
		attribute.Int("kmeans.npatch", cfg.NPatch),
		attribute.String("kmeans.init", string(cfg.Init)),
		attribute.Bool("kmeans.alt", cfg.Alt),
		attribute.Int("kmeans.points", f.NumPoints()),
	)
	defer func() { endSpan(span, err) }()

	logger := loggerOrDefault(cfg.Logger)
	started := time.Now()
	rng := newKMeansRand(cfg.Seed)

	centers := f.initCenters(cfg.NPatch, cfg.Init, rng)
	logger.Debug("kmeans centers initialized",
		slog.Int("npatch", cfg.NPatch),
		slog.String("init", string(cfg.Init)),
	)

	e := newKMeansEngine(f, cfg.NPatch, cfg.Workers)
	labels := make([]int, f.cat.NumPoints())
	prev := make([]int, len(labels))

	iterations := 0
	converged := false
	for iterations < cfg.MaxIter {
		if err := e.assign(ctx, centers, labels); err != nil {
			return nil, err
		}
		iterations++
		shift := e.updateCenters(centers)
		changed := countChanged(prev, labels)
		copy(prev, labels)
		logger.Debug("kmeans iteration",
			slog.Int("iteration", iterations),
			slog.Int("changed", changed),
			slog.Float64("rms_shift", shift),
		)
		if (iterations > 1 && changed == 0) || shift < cfg.Tol {
			converged = true
			break
		}
	}
	if err := e.assign(ctx, centers, labels); err != nil {
		return nil, err
	}

	if cfg.Alt {
		n, ok, err := e.refine(ctx, centers, labels, cfg.MaxIter-iterations)
		if err != nil {
			return nil, err
		}
		iterations += n
		converged = converged && ok
	}

	total, perPatch := f.inertia(labels, cfg.NPatch)
	res = &KMeansResult{
		Labels:       labels,
		Centers:      centerRows(centers, f.Dims()),
		Iterations:   iterations,
		Converged:    converged,
		Status:       KMeansBudgetExhausted,
		Inertia:      total,
		PatchInertia: perPatch,
	}
	if converged {
		res.Status = KMeansConverged
	}

	span.SetAttributes(
		attribute.Int("kmeans.iterations", iterations),
		attribute.Float64("kmeans.inertia", total),
	)
	recordKMeans(ctx, iterations, cfg.Alt)
	logger.Info("kmeans complete",
		slog.Int("npatch", cfg.NPatch),
		slog.Int("iterations", iterations),
		slog.Bool("converged", converged),
		slog.Float64("inertia", total),
		slog.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// Inertia returns Σ w·|x - c|² over all catalog points, where c is the
// weighted centroid of the point's patch, along with the per-patch totals.
// labels must hold one non-negative label per catalog point.
func (f *Field) Inertia(labels []int) (total float64, perPatch []float64) {
	npatch := 0
	for _, l := range labels {
		npatch = max(npatch, l+1)
	}
	return f.inertia(labels, npatch)
}

// inertia is Inertia over npatch patches, which must exceed every label.
func (f *Field) inertia(labels []int, npatch int) (total float64, perPatch []float64) {
	sumWP := make([]r3.Vec, npatch)
	sumW := make([]float64, npatch)
	for i, l := range labels {
		w := f.cat.w[i]
		sumWP[l] = r3.Add(sumWP[l], r3.Scale(w, f.cat.pos[i]))
		sumW[l] += w
	}
	centroids := make([]r3.Vec, npatch)
	for k := range centroids {
		if sumW[k] > 0 {
			centroids[k] = r3.Scale(1/sumW[k], sumWP[k])
		}
	}
	perPatch = make([]float64, npatch)
	for i, l := range labels {
		perPatch[l] += f.cat.w[i] * r3.Norm2(r3.Sub(f.cat.pos[i], centroids[l]))
	}
	for _, v := range perPatch {
		total += v
	}
	return total, perPatch
}

func countChanged(prev, labels []int) int {
	n := 0
	for i := range labels {
		if prev[i] != labels[i] {
			n++
		}
	}
	return n
}

func newKMeansRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
}

// centerRows converts centers to rows of dims coordinates.
func centerRows(centers []r3.Vec, dims int) [][]float64 {
	rows := make([][]float64, len(centers))
	for k, c := range centers {
		rows[k] = []float64{c.X, c.Y, c.Z}[:dims]
	}
	return rows
}

// centerVecs converts rows of dims coordinates into centers.
func centerVecs(rows [][]float64, dims int) ([]r3.Vec, error) {
	centers := make([]r3.Vec, len(rows))
	for k, row := range rows {
		if len(row) != dims {
			return nil, errors.Wrapf(ErrInvalidCoords, "center %d has %d coordinates, want %d", k, len(row), dims)
		}
		centers[k] = r3.Vec{X: row[0], Y: row[1]}
		if dims == 3 {
			centers[k].Z = row[2]
		}
	}
	return centers, nil
}
