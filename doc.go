// Package treecorr computes two-point correlation functions over large point
// catalogs and partitions catalogs into compact patches with k-means.
//
// Points live in a plane, on the unit sphere (ra, dec) or in 3-D space, and
// may carry a scalar (kappa) or spin-2 (shear) observable. A Field is a
// balanced binary tree of cells built over a catalog; each cell stores its
// weighted centroid, size and aggregated observables. The correlation
// accumulator walks pairs of cells and deposits whole cell pairs into
// logarithmic separation bins once they are small compared with their
// separation, which makes the cost far below O(n²).
//
// Basic usage:
//
//	cat, err := treecorr.NewCatalog(treecorr.CatalogData{RA: ra, Dec: dec, G1: g1, G2: g2})
//	cfg := treecorr.DefaultCorrConfig()
//	cfg.Kind = treecorr.KindGG
//	cfg.MinSep, cfg.MaxSep, cfg.NBins = 0.001, 0.05, 20
//	acc, err := treecorr.NewAccumulator(cfg)
//	res, err := acc.ProcessCatalogs(ctx, cat, nil)
//	// res.Xi[i] is xi+ in bin i, res.Xi2[i] is xi-
//
// # Patches
//
// Jackknife and bootstrap errors need the catalog split into patches of
// similar size. Build a field with KeepZeroWeight and run k-means on it:
//
//	f, err := treecorr.BuildField(cat, treecorr.BuildOptions{MinTopCells: 100, KeepZeroWeight: true})
//	res, err := f.RunKMeans(ctx, treecorr.DefaultKMeansConfig(100))
//	// res.Labels[i] is the patch of point i
//
// Assignment prunes candidate centers per cell, so each iteration touches
// far fewer than n·npatch point-center pairs.
package treecorr
