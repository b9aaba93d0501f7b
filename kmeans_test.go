package treecorr

import (
	"context"
	"math"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

func runKMeans(t testing.TB, f *Field, cfg KMeansConfig) *KMeansResult {
	t.Helper()
	res, err := f.RunKMeans(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, res.Labels, f.Catalog().NumPoints())
	return res
}

// relativeSpread is the standard deviation of the patch inertias over their
// mean.
func relativeSpread(patchInertia []float64) float64 {
	mean, std := stat.MeanStdDev(patchInertia, nil)
	return std / mean
}

func TestParseInitMethod(t *testing.T) {
	for _, s := range []string{"tree", "random", "kmeans++"} {
		m, err := ParseInitMethod(s)
		require.NoError(t, err)
		assert.Equal(t, InitMethod(s), m)
	}
	_, err := ParseInitMethod("forgy")
	assert.ErrorIs(t, err, ErrInvalidInit)
}

func TestRunKMeans_SinglePatch(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(300, 2, 10, 50)), BuildOptions{})
	labels, err := RunKMeans(context.Background(), f, 1, InitTree, 50, false)
	require.NoError(t, err)
	for _, l := range labels {
		assert.Equal(t, 0, l)
	}
}

func TestRunKMeans_OnePatchPerPoint(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(64, 2, 10, 51)), BuildOptions{KeepZeroWeight: true})
	for _, init := range []InitMethod{InitTree, InitRandom, InitKMeansPP} {
		t.Run(string(init), func(t *testing.T) {
			cfg := DefaultKMeansConfig(64)
			cfg.Init = init
			cfg.Seed = 3
			res := runKMeans(t, f, cfg)

			labels := append([]int(nil), res.Labels...)
			sort.Ints(labels)
			for i, l := range labels {
				require.Equal(t, i, l, "labels form a permutation")
			}
			assert.InDelta(t, 0.0, res.Inertia, 1e-9)
			assert.True(t, res.Converged)
		})
	}
}

func TestRunKMeans_Validation(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(20, 2, 1, 52)), BuildOptions{})
	ctx := context.Background()

	_, err := RunKMeans(ctx, f, 0, InitTree, 10, false)
	assert.ErrorIs(t, err, ErrInvalidNPatch)
	_, err = RunKMeans(ctx, f, 21, InitTree, 10, false)
	assert.ErrorIs(t, err, ErrInvalidNPatch)
	_, err = RunKMeans(ctx, f, 4, "lloyd", 10, false)
	assert.ErrorIs(t, err, ErrInvalidInit)

	_, err = f.KMeansInitializeCenters(0, InitRandom, 1)
	assert.ErrorIs(t, err, ErrInvalidNPatch)
	_, err = f.KMeansInitializeCenters(3, "lloyd", 1)
	assert.ErrorIs(t, err, ErrInvalidInit)
}

func TestRunKMeans_ImprovesOnInitialization(t *testing.T) {
	cat := mustCatalog(t, withObservables(generateData(2000, 2, 10, 53), 53))
	f := mustField(t, cat, BuildOptions{})
	for _, init := range []InitMethod{InitRandom, InitKMeansPP, InitTree} {
		t.Run(string(init), func(t *testing.T) {
			centers, err := f.KMeansInitializeCenters(12, init, 8)
			require.NoError(t, err)
			require.Len(t, centers, 12)
			initial, err := f.KMeansAssignPatches(centers)
			require.NoError(t, err)
			before, _ := f.Inertia(initial)

			cfg := DefaultKMeansConfig(12)
			cfg.Init = init
			cfg.Seed = 8
			res := runKMeans(t, f, cfg)
			assert.Less(t, res.Inertia, before)
			assert.Len(t, res.PatchInertia, 12)

			var sum float64
			for _, v := range res.PatchInertia {
				sum += v
			}
			assert.InDelta(t, res.Inertia, sum, 1e-9*res.Inertia)
		})
	}
}

func TestKMeansInitializeCenters_Deterministic(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(500, 3, 10, 54)), BuildOptions{})
	for _, init := range []InitMethod{InitTree, InitRandom, InitKMeansPP} {
		a, err := f.KMeansInitializeCenters(7, init, 99)
		require.NoError(t, err)
		b, err := f.KMeansInitializeCenters(7, init, 99)
		require.NoError(t, err)
		assert.Equal(t, a, b, "%s", init)
		for _, row := range a {
			assert.Len(t, row, 3)
		}
	}
}

func TestKMeansInitializeCenters_TreeBranches(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(1000, 2, 10, 55)), BuildOptions{MinTopCells: 16})
	require.GreaterOrEqual(t, f.NumTopCells(), 16)

	// Fewer patches than top cells: every center is a top-cell centroid.
	tops := map[r3.Vec]bool{}
	for _, ci := range f.TopCells() {
		tops[f.Cell(ci).Pos] = true
	}
	few, err := f.KMeansInitializeCenters(5, InitTree, 1)
	require.NoError(t, err)
	for _, c := range few {
		assert.True(t, tops[r3.Vec{X: c[0], Y: c[1]}])
	}

	// More patches than top cells: centers come from deeper in the tree and
	// are distinct.
	many, err := f.KMeansInitializeCenters(200, InitTree, 1)
	require.NoError(t, err)
	seen := map[[2]float64]bool{}
	for _, c := range many {
		key := [2]float64{c[0], c[1]}
		assert.False(t, seen[key], "duplicate center %v", c)
		seen[key] = true
	}
	assert.Len(t, seen, 200)
}

func TestRunKMeans_SphereCentersAreUnit(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateSky(1500, 0.2, 56)), BuildOptions{})
	for _, alt := range []bool{false, true} {
		cfg := DefaultKMeansConfig(10)
		cfg.Alt = alt
		res := runKMeans(t, f, cfg)
		for _, c := range res.Centers {
			require.Len(t, c, 3)
			assert.InDelta(t, 1.0, math.Sqrt(c[0]*c[0]+c[1]*c[1]+c[2]*c[2]), 1e-12)
		}
	}
}

func TestRunKMeans_ExcludedPointsLabelled(t *testing.T) {
	data := generateData(400, 2, 10, 57)
	data.W = make([]float64, 400)
	for i := range data.W {
		if i%5 != 0 {
			data.W[i] = 1
		}
	}
	cat := mustCatalog(t, data)
	f := mustField(t, cat, BuildOptions{})
	require.Len(t, f.Excluded(), 80)

	for _, alt := range []bool{false, true} {
		cfg := DefaultKMeansConfig(6)
		cfg.Alt = alt
		res := runKMeans(t, f, cfg)
		for _, i := range f.Excluded() {
			l := res.Labels[i]
			require.GreaterOrEqual(t, l, 0)
			p := cat.Position(i)
			d := r3.Norm2(r3.Sub(p, r3.Vec{X: res.Centers[l][0], Y: res.Centers[l][1]}))
			for _, c := range res.Centers {
				assert.LessOrEqual(t, d, r3.Norm2(r3.Sub(p, r3.Vec{X: c[0], Y: c[1]}))+1e-12, "alt=%v", alt)
			}
		}
	}
}

func TestKMeansAssignPatches(t *testing.T) {
	data := CatalogData{X: []float64{0, 1, 2, 3, 10}, Y: []float64{0, 0, 0, 0, 0}}
	f := mustField(t, mustCatalog(t, data), BuildOptions{})

	labels, err := f.KMeansAssignPatches([][]float64{{0.5, 0}, {2.5, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 1}, labels)

	// Identical centers: the lower index wins.
	labels, err = f.KMeansAssignPatches([][]float64{{5, 0}, {5, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, labels)

	_, err = f.KMeansAssignPatches([][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrInvalidCoords)
	_, err = f.KMeansAssignPatches(nil)
	assert.ErrorIs(t, err, ErrInvalidNPatch)
}

func TestKMeansAssignPatches_MatchesBruteForce(t *testing.T) {
	cat := mustCatalog(t, withObservables(generateData(3000, 3, 10, 58), 58))
	f := mustField(t, cat, BuildOptions{MinTopCells: 8})
	centers, err := f.KMeansInitializeCenters(40, InitRandom, 4)
	require.NoError(t, err)
	labels, err := f.KMeansAssignPatches(centers)
	require.NoError(t, err)

	cs, err := centerVecs(centers, 3)
	require.NoError(t, err)
	all := make([]int, len(cs))
	for k := range all {
		all[k] = k
	}
	for i := 0; i < cat.NumPoints(); i++ {
		assert.Equal(t, nearestCenter(cat.Position(i), cs, all), labels[i], "point %d", i)
	}
}

func TestRunKMeans_WorkersAgree(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(5000, 2, 10, 59)), BuildOptions{MinTopCells: 16})
	cfg := DefaultKMeansConfig(20)
	cfg.Seed = 2
	cfg.Workers = 1
	seq := runKMeans(t, f, cfg)
	cfg.Workers = 4
	par := runKMeans(t, f, cfg)
	assert.Equal(t, seq.Labels, par.Labels)
	assert.Equal(t, seq.Iterations, par.Iterations)
}

func TestRunKMeans_IterationBudget(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(3000, 2, 10, 60)), BuildOptions{})
	cfg := DefaultKMeansConfig(30)
	cfg.Init = InitRandom
	cfg.MaxIter = 1
	cfg.Tol = 1e-300
	res := runKMeans(t, f, cfg)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, KMeansBudgetExhausted, res.Status)

	// Alt sweeps share the budget with the Lloyd iterations.
	cfg.Alt = true
	res = runKMeans(t, f, cfg)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)

	cfg.MaxIter, cfg.Tol = 12, DefaultKMeansConfig(30).Tol
	res = runKMeans(t, f, cfg)
	assert.LessOrEqual(t, res.Iterations, 12)
}

func TestRunKMeans_Cancelled(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(200, 2, 10, 61)), BuildOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.RunKMeans(ctx, DefaultKMeansConfig(5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunKMeans_AltNeverWorse(t *testing.T) {
	f := mustField(t, mustCatalog(t, withObservables(generateData(3000, 2, 10, 62), 62)), BuildOptions{})
	for _, init := range []InitMethod{InitTree, InitRandom, InitKMeansPP} {
		cfg := DefaultKMeansConfig(25)
		cfg.Init = init
		cfg.Seed = 11
		std := runKMeans(t, f, cfg)
		cfg.Alt = true
		alt := runKMeans(t, f, cfg)
		assert.LessOrEqual(t, alt.Inertia, std.Inertia, "%s", init)
		assert.GreaterOrEqual(t, alt.Iterations, std.Iterations)
		assert.LessOrEqual(t, alt.Iterations, cfg.MaxIter)
		assert.LessOrEqual(t, relativeSpread(alt.PatchInertia), relativeSpread(std.PatchInertia)+1e-9, "%s", init)
	}
}

func TestRunKMeans_AltEvensPatchInertia(t *testing.T) {
	f := mustField(t, mustCatalog(t, generateData(20000, 3, 1, 64)), BuildOptions{})
	cfg := DefaultKMeansConfig(40)
	cfg.Seed = 1
	std := runKMeans(t, f, cfg)
	cfg.Alt = true
	alt := runKMeans(t, f, cfg)

	assert.Less(t, relativeSpread(alt.PatchInertia), relativeSpread(std.PatchInertia))
	assert.LessOrEqual(t, alt.Inertia, std.Inertia)
	for k, v := range alt.PatchInertia {
		assert.Positive(t, v, "patch %d", k)
	}
}

func TestRunKMeans_UniformCube(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 100k-point k-means in short mode")
	}
	cat := mustCatalog(t, generateData(100000, 3, 1, 63))
	f := mustField(t, cat, BuildOptions{})

	cfg := DefaultKMeansConfig(111)
	cfg.Seed = 1
	std := runKMeans(t, f, cfg)
	assert.Less(t, std.Inertia, 1100.0)
	assert.Equal(t, 0, slices.Min(std.Labels))
	assert.Equal(t, 110, slices.Max(std.Labels))

	cfg.Alt = true
	alt := runKMeans(t, f, cfg)
	assert.LessOrEqual(t, alt.Inertia, std.Inertia)
	assert.Less(t, relativeSpread(alt.PatchInertia), relativeSpread(std.PatchInertia))
	assert.Equal(t, 0, slices.Min(alt.Labels))
	assert.Equal(t, 110, slices.Max(alt.Labels))
}
