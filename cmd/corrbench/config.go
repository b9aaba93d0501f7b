package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TrevorS/treecorr"
)

// Config is the full run configuration. It is read from an optional YAML
// file and then overlaid with any flags given on the command line.
type Config struct {
	NPoints int    `yaml:"npoints"`
	Coords  string `yaml:"coords"`
	// Shape is "uniform" or "gaussian" for flat and 3d catalogs. Spherical
	// catalogs are always a uniform cap.
	Shape string `yaml:"shape"`
	// Size is the box side, the blob sigma, or the cap radius in radians.
	Size    float64 `yaml:"size"`
	Seed    uint64  `yaml:"seed"`
	Workers int     `yaml:"workers"`
	Output  string  `yaml:"output"`
	Verbose int     `yaml:"verbose"`

	KMeans KMeansSection `yaml:"kmeans"`
	Corr   CorrSection   `yaml:"corr"`
}

type KMeansSection struct {
	NPatch  int    `yaml:"npatch"`
	Init    string `yaml:"init"`
	MaxIter int    `yaml:"max_iter"`
	Alt     bool   `yaml:"alt"`
}

type CorrSection struct {
	Kind    string  `yaml:"kind"`
	Metric  string  `yaml:"metric"`
	MinSep  float64 `yaml:"min_sep"`
	MaxSep  float64 `yaml:"max_sep"`
	NBins   int     `yaml:"nbins"`
	BinSlop float64 `yaml:"bin_slop"`
}

func defaultConfig() Config {
	return Config{
		NPoints: 100000,
		Coords:  string(treecorr.CoordsThreeD),
		Shape:   shapeUniform,
		Size:    1,
		Seed:    1,
		KMeans: KMeansSection{
			NPatch:  111,
			Init:    string(treecorr.InitTree),
			MaxIter: 200,
		},
		Corr: CorrSection{
			Kind:    string(treecorr.KindNN),
			Metric:  string(treecorr.MetricEuclidean),
			MinSep:  0.01,
			MaxSep:  0.5,
			NBins:   20,
			BinSlop: 1,
		},
	}
}

// loadConfig returns the defaults overlaid with the YAML file at path.
// Keys missing from the file keep their defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NPoints <= 0 {
		return errors.Errorf("npoints must be > 0, got %d", c.NPoints)
	}
	coords, err := treecorr.ParseCoords(c.Coords)
	if err != nil {
		return err
	}
	if coords != treecorr.CoordsSphere && c.Shape != shapeUniform && c.Shape != shapeGaussian {
		return errors.Errorf("shape must be %q or %q, got %q", shapeUniform, shapeGaussian, c.Shape)
	}
	if !(c.Size > 0) {
		return errors.Errorf("size must be > 0, got %v", c.Size)
	}
	if c.Verbose < 0 || c.Verbose > 3 {
		return errors.Errorf("verbose must be in [0, 3], got %d", c.Verbose)
	}
	return nil
}

// bindFlags registers every overridable setting on cmd, writing into dst.
// Persistent flags are shared by all subcommands.
func bindFlags(cmd *cobra.Command, dst *Config) {
	def := defaultConfig()
	pf := cmd.PersistentFlags()
	pf.IntVarP(&dst.NPoints, "npoints", "n", def.NPoints, "number of synthetic points")
	pf.StringVar(&dst.Coords, "coords", def.Coords, "coordinate system: flat, 3d or spherical")
	pf.StringVar(&dst.Shape, "shape", def.Shape, "point distribution: uniform or gaussian")
	pf.Float64Var(&dst.Size, "size", def.Size, "box side, blob sigma, or cap radius in radians")
	pf.Uint64Var(&dst.Seed, "seed", def.Seed, "random seed")
	pf.IntVarP(&dst.Workers, "workers", "j", def.Workers, "worker goroutines (0 = all CPUs)")
	pf.StringVarP(&dst.Output, "output", "o", def.Output, "summary file (.zst to compress); stdout when empty")
	pf.CountVarP(&dst.Verbose, "verbose", "v", "log verbosity, repeat up to 3 times")

	pf.IntVar(&dst.KMeans.NPatch, "npatch", def.KMeans.NPatch, "number of k-means patches")
	pf.StringVar(&dst.KMeans.Init, "init", def.KMeans.Init, "k-means init: tree, random or kmeans++")
	pf.IntVar(&dst.KMeans.MaxIter, "max-iter", def.KMeans.MaxIter, "k-means iteration budget")
	pf.BoolVar(&dst.KMeans.Alt, "alt", def.KMeans.Alt, "refine with single-point moves")

	pf.StringVar(&dst.Corr.Kind, "kind", def.Corr.Kind, "correlation kind: NN, NK, KK, NG, KG or GG")
	pf.StringVar(&dst.Corr.Metric, "metric", def.Corr.Metric, "separation metric: Euclidean, Arc, Rperp or Rlens")
	pf.Float64Var(&dst.Corr.MinSep, "min-sep", def.Corr.MinSep, "smallest binned separation")
	pf.Float64Var(&dst.Corr.MaxSep, "max-sep", def.Corr.MaxSep, "largest binned separation")
	pf.IntVar(&dst.Corr.NBins, "nbins", def.Corr.NBins, "number of log bins")
	pf.Float64Var(&dst.Corr.BinSlop, "bin-slop", def.Corr.BinSlop, "opening tolerance in units of the bin size")
}

var overlays = map[string]func(dst, src *Config){
	"npoints":  func(d, s *Config) { d.NPoints = s.NPoints },
	"coords":   func(d, s *Config) { d.Coords = s.Coords },
	"shape":    func(d, s *Config) { d.Shape = s.Shape },
	"size":     func(d, s *Config) { d.Size = s.Size },
	"seed":     func(d, s *Config) { d.Seed = s.Seed },
	"workers":  func(d, s *Config) { d.Workers = s.Workers },
	"output":   func(d, s *Config) { d.Output = s.Output },
	"verbose":  func(d, s *Config) { d.Verbose = s.Verbose },
	"npatch":   func(d, s *Config) { d.KMeans.NPatch = s.KMeans.NPatch },
	"init":     func(d, s *Config) { d.KMeans.Init = s.KMeans.Init },
	"max-iter": func(d, s *Config) { d.KMeans.MaxIter = s.KMeans.MaxIter },
	"alt":      func(d, s *Config) { d.KMeans.Alt = s.KMeans.Alt },
	"kind":     func(d, s *Config) { d.Corr.Kind = s.Corr.Kind },
	"metric":   func(d, s *Config) { d.Corr.Metric = s.Corr.Metric },
	"min-sep":  func(d, s *Config) { d.Corr.MinSep = s.Corr.MinSep },
	"max-sep":  func(d, s *Config) { d.Corr.MaxSep = s.Corr.MaxSep },
	"nbins":    func(d, s *Config) { d.Corr.NBins = s.Corr.NBins },
	"bin-slop": func(d, s *Config) { d.Corr.BinSlop = s.Corr.BinSlop },
}

// overlayFlags copies into dst every setting whose flag was given on the
// command line.
func overlayFlags(cmd *cobra.Command, dst, flags *Config) {
	for name, set := range overlays {
		if cmd.Flags().Changed(name) {
			set(dst, flags)
		}
	}
}
