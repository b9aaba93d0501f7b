package main

import (
	"bufio"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/TrevorS/treecorr"
)

// Summary is the YAML document written at the end of a run.
type Summary struct {
	RunID   string    `yaml:"run_id"`
	Command string    `yaml:"command"`
	Started time.Time `yaml:"started"`
	Config  Config    `yaml:"config"`
	Timings Timings   `yaml:"timings"`

	KMeans *KMeansSummary `yaml:"kmeans,omitempty"`
	Corr   *CorrSummary   `yaml:"corr,omitempty"`
}

type Timings struct {
	SynthSeconds float64 `yaml:"synth_seconds"`
	BuildSeconds float64 `yaml:"build_seconds"`
	RunSeconds   float64 `yaml:"run_seconds"`
}

type KMeansSummary struct {
	NPatch     int     `yaml:"npatch"`
	Iterations int     `yaml:"iterations"`
	Status     string  `yaml:"status"`
	Inertia    float64 `yaml:"inertia"`
	// Spread of the per-patch inertia and population.
	PatchInertiaMean float64 `yaml:"patch_inertia_mean"`
	PatchInertiaStd  float64 `yaml:"patch_inertia_std"`
	PatchSizeMin     int     `yaml:"patch_size_min"`
	PatchSizeMax     int     `yaml:"patch_size_max"`
}

type CorrSummary struct {
	Kind   string   `yaml:"kind"`
	NPairs float64  `yaml:"npairs"`
	Bins   []BinRow `yaml:"bins"`
}

type BinRow struct {
	RNom    float64 `yaml:"r_nom"`
	MeanR   float64 `yaml:"meanr"`
	Xi      float64 `yaml:"xi"`
	XiIm    float64 `yaml:"xi_im,omitempty"`
	Xi2     float64 `yaml:"xi2,omitempty"`
	Xi2Im   float64 `yaml:"xi2_im,omitempty"`
	SigmaXi float64 `yaml:"sigma_xi,omitempty"`
	Weight  float64 `yaml:"weight"`
	NPairs  float64 `yaml:"npairs"`
}

func newSummary(command string, cfg Config, started time.Time) *Summary {
	return &Summary{
		RunID:   uuid.NewString(),
		Command: command,
		Started: started.UTC(),
		Config:  cfg,
	}
}

func summarizeKMeans(res *treecorr.KMeansResult) *KMeansSummary {
	npatch := len(res.PatchInertia)
	sizes := make([]int, npatch)
	for _, l := range res.Labels {
		sizes[l]++
	}
	mean, std := stat.MeanStdDev(res.PatchInertia, nil)
	s := &KMeansSummary{
		NPatch:           npatch,
		Iterations:       res.Iterations,
		Status:           string(res.Status),
		Inertia:          res.Inertia,
		PatchInertiaMean: mean,
		PatchInertiaStd:  std,
		PatchSizeMin:     math.MaxInt,
	}
	for _, n := range sizes {
		s.PatchSizeMin = min(s.PatchSizeMin, n)
		s.PatchSizeMax = max(s.PatchSizeMax, n)
	}
	return s
}

func summarizeCorr(res *treecorr.Result) *CorrSummary {
	s := &CorrSummary{
		Kind:   string(res.Kind),
		NPairs: floats.Sum(res.NPairs),
		Bins:   make([]BinRow, len(res.RNom)),
	}
	for i := range s.Bins {
		s.Bins[i] = BinRow{
			RNom:    res.RNom[i],
			MeanR:   res.MeanR[i],
			Xi:      res.Xi[i],
			XiIm:    res.XiIm[i],
			Xi2:     res.Xi2[i],
			Xi2Im:   res.Xi2Im[i],
			SigmaXi: math.Sqrt(res.VarXi[i]),
			Weight:  res.Weight[i],
			NPairs:  res.NPairs[i],
		}
	}
	return s
}

// writeSummary encodes s as YAML to stdout when path is empty, otherwise to
// path, zstd-compressed when path ends in ".zst".
func writeSummary(s *Summary, path string, stdout io.Writer) (err error) {
	if path == "" || path == "-" {
		return encodeSummary(s, stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create summary file")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	buf := bufio.NewWriter(f)
	var w io.Writer = buf
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		enc, err = zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return errors.Wrap(err, "create zstd writer")
		}
		w = enc
	}
	if err := encodeSummary(s, w); err != nil {
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return errors.Wrap(err, "flush zstd stream")
		}
	}
	return buf.Flush()
}

func encodeSummary(s *Summary, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encode summary")
	}
	return enc.Close()
}

// readSummary decodes a summary written by writeSummary.
func readSummary(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open summary")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		defer dec.Close()
		r = dec
	}
	var s Summary
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode summary")
	}
	return &s, nil
}
