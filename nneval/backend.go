package nneval

// ModelInfo describes the loaded model's input and output geometry.
type ModelInfo struct {
	Name    string
	Version int

	NumSpatialChannels int
	NumGlobalChannels  int
	BoardXSize         int
	BoardYSize         int

	// SupportsShorttermError reports whether the model carries a
	// short-term value-error head. Uncertainty weighting is disabled
	// without it.
	SupportsShorttermError bool
}

// PolicySize is the length of the policy vector: every board location plus
// the pass move.
func (m ModelInfo) PolicySize() int {
	return m.BoardXSize*m.BoardYSize + 1
}

// SpatialLen is the per-position length of the spatial input planes.
func (m ModelInfo) SpatialLen() int {
	return m.NumSpatialChannels * m.BoardXSize * m.BoardYSize
}

// Rules is the minimal rules surface the evaluator needs to agree on with
// the backend. Models are trained under particular rule sets; the backend
// resolves a desired rule set to the nearest supported one.
type Rules struct {
	Name           string
	AllowsNoResult bool
}

// Batch is a dense batch of encoded positions, row-major by request index.
type Batch struct {
	N       int
	Spatial []float32 // N * C_spatial * H * W
	Global  []float32 // N * C_global
}

// BatchResult carries per-request outputs in request order. Policies are
// raw probabilities over the full policy surface in the orientation the
// inputs were given in; the evaluator untransforms and masks them.
type BatchResult struct {
	Policies [][]float32

	// Values holds (winProb, lossProb, noResultProb) triples.
	Values [][3]float32

	// ShorttermWinlossErrors is nil when the model has no error head.
	ShorttermWinlossErrors []float32

	// EstimatedTimeLefts is nil when the model has no such head.
	EstimatedTimeLefts []float32
}

// Backend is the neural-net inference engine the evaluator drives. A
// backend is called from the evaluator's single server goroutine only, so
// implementations need not be safe for concurrent EvaluateBatch calls.
type Backend interface {
	Info() ModelInfo

	// EvaluateBatch runs inference. On error the whole batch is failed;
	// the evaluator does not retry.
	EvaluateBatch(batch *Batch) (*BatchResult, error)

	// SupportedRules resolves desired to the nearest rule set the model
	// supports, and reports whether the match was exact.
	SupportedRules(desired Rules) (Rules, bool)

	Close() error
}
