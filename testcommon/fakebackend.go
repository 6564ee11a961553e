package testcommon

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/quetzal-engine/quetzal/nneval"
)

// ErrFakeBackend is returned by a FakeBackend told to fail.
var ErrFakeBackend = errors.New("testcommon: fake backend failure")

// EvalFn computes the output row for one batch item: a raw policy over the
// full policy surface, the (win, loss, noResult) triple, and a short-term
// winloss error estimate.
type EvalFn func(spatial, global []float32) (policy []float32, value [3]float32, shorttermErr float32)

// FakeBackend is a deterministic nneval.Backend for tests. The zero value
// is not usable; construct with NewFakeBackend or NewUniformBackend.
type FakeBackend struct {
	info   nneval.ModelInfo
	evalFn EvalFn

	// Delay, if set, is slept per batch, to simulate inference latency.
	Delay time.Duration

	// FailRequests makes EvaluateBatch fail while positive, decrementing
	// per call.
	FailRequests atomic.Int64

	batches atomic.Int64
	items   atomic.Int64
}

func NewFakeBackend(info nneval.ModelInfo, evalFn EvalFn) *FakeBackend {
	return &FakeBackend{info: info, evalFn: evalFn}
}

// NewUniformBackend returns a backend producing a uniform policy and the
// fixed value triple for every position on an xSize-by-ySize board.
func NewUniformBackend(xSize, ySize int, value [3]float32) *FakeBackend {
	info := nneval.ModelInfo{
		Name:               "fake-uniform",
		Version:            1,
		NumSpatialChannels: 2,
		NumGlobalChannels:  1,
		BoardXSize:         xSize,
		BoardYSize:         ySize,
	}
	policySize := info.PolicySize()
	return NewFakeBackend(info, func(spatial, global []float32) ([]float32, [3]float32, float32) {
		policy := make([]float32, policySize)
		for i := range policy {
			policy[i] = 1.0 / float32(policySize)
		}
		return policy, value, 0
	})
}

// WithShorttermError marks the model as supporting the short-term error
// head, for uncertainty-weighting tests.
func (f *FakeBackend) WithShorttermError() *FakeBackend {
	f.info.SupportsShorttermError = true
	return f
}

func (f *FakeBackend) Info() nneval.ModelInfo { return f.info }

func (f *FakeBackend) SupportedRules(desired nneval.Rules) (nneval.Rules, bool) {
	return desired, true
}

func (f *FakeBackend) Close() error { return nil }

// Batches reports how many backend calls were made, for batching and cache
// coalescing assertions.
func (f *FakeBackend) Batches() int64 { return f.batches.Load() }

// Items reports the total positions evaluated across all batches.
func (f *FakeBackend) Items() int64 { return f.items.Load() }

func (f *FakeBackend) EvaluateBatch(batch *nneval.Batch) (*nneval.BatchResult, error) {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if f.FailRequests.Load() > 0 {
		f.FailRequests.Add(-1)
		return nil, ErrFakeBackend
	}
	f.batches.Add(1)
	f.items.Add(int64(batch.N))

	spatialLen := f.info.SpatialLen()
	globalLen := f.info.NumGlobalChannels
	res := &nneval.BatchResult{
		Policies:               make([][]float32, batch.N),
		Values:                 make([][3]float32, batch.N),
		ShorttermWinlossErrors: nil,
	}
	if f.info.SupportsShorttermError {
		res.ShorttermWinlossErrors = make([]float32, batch.N)
	}
	for i := 0; i < batch.N; i++ {
		spatial := batch.Spatial[i*spatialLen : (i+1)*spatialLen]
		global := batch.Global[i*globalLen : (i+1)*globalLen]
		policy, value, sterr := f.evalFn(spatial, global)
		res.Policies[i] = policy
		res.Values[i] = value
		if res.ShorttermWinlossErrors != nil {
			res.ShorttermWinlossErrors[i] = sterr
		}
	}
	return res, nil
}

var _ nneval.Backend = (*FakeBackend)(nil)
