package main

import (
	"math"
	"math/rand/v2"

	"github.com/TrevorS/treecorr"
)

const (
	shapeUniform  = "uniform"
	shapeGaussian = "gaussian"
)

// synthCatalog generates a seeded catalog as described by cfg. With
// observables set it also draws kappa and shear values.
func synthCatalog(cfg Config, seed uint64, name string, observables bool) (*treecorr.Catalog, error) {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	n := cfg.NPoints
	data := treecorr.CatalogData{Name: name}

	switch treecorr.Coords(cfg.Coords) {
	case treecorr.CoordsSphere:
		data.RA, data.Dec = make([]float64, n), make([]float64, n)
		// Uniform in area over the cap of radius Size around the north pole.
		cosMax := math.Cos(math.Min(cfg.Size, math.Pi))
		for i := 0; i < n; i++ {
			cosTheta := 1 - rng.Float64()*(1-cosMax)
			data.RA[i] = 2 * math.Pi * rng.Float64()
			data.Dec[i] = math.Pi/2 - math.Acos(cosTheta)
		}
	default:
		draw := func() float64 { return rng.Float64() * cfg.Size }
		if cfg.Shape == shapeGaussian {
			draw = func() float64 { return rng.NormFloat64() * cfg.Size }
		}
		data.X, data.Y = make([]float64, n), make([]float64, n)
		if cfg.Coords == string(treecorr.CoordsThreeD) {
			data.Z = make([]float64, n)
		}
		for i := 0; i < n; i++ {
			data.X[i] = draw()
			data.Y[i] = draw()
			if data.Z != nil {
				data.Z[i] = draw()
			}
		}
	}

	if observables {
		data.K, data.G1, data.G2 = make([]float64, n), make([]float64, n), make([]float64, n)
		for i := 0; i < n; i++ {
			data.K[i] = 0.1 * rng.NormFloat64()
			data.G1[i] = 0.2 * rng.NormFloat64()
			data.G2[i] = 0.2 * rng.NormFloat64()
		}
	}
	return treecorr.NewCatalog(data)
}
