package treecorr

import "github.com/pkg/errors"

// Validation errors. Functions return these wrapped with context; test for
// them with errors.Is.
var (
	ErrEmptyCatalog       = errors.New("treecorr: catalog has no points")
	ErrNoCatalogs         = errors.New("treecorr: no catalogs provided")
	ErrLengthMismatch     = errors.New("treecorr: input arrays differ in length")
	ErrNegativeWeight     = errors.New("treecorr: weights must be >= 0")
	ErrInvalidCoords      = errors.New("treecorr: invalid coordinates")
	ErrCoordsMismatch     = errors.New("treecorr: cannot correlate fields with different coordinate systems")
	ErrInvalidMetric      = errors.New("treecorr: invalid metric")
	ErrMissingObservable  = errors.New("treecorr: catalog lacks an observable required by the correlation kind")
	ErrInvalidBinning     = errors.New("treecorr: invalid binning")
	ErrIncompatibleBins   = errors.New("treecorr: bin arrays are not compatible")
	ErrInvalidNPatch      = errors.New("treecorr: invalid npatch")
	ErrInvalidInit        = errors.New("treecorr: invalid k-means init method")
	ErrInvalidSplitMethod = errors.New("treecorr: invalid split method")
	ErrInvalidKind        = errors.New("treecorr: invalid correlation kind")
)
