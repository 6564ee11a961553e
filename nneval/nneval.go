package nneval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/quetzal-engine/quetzal/common"
)

// ErrEvalFailed is returned to every waiter of a batch whose backend call
// failed. It is retryable from the caller's point of view; the evaluator
// itself never retries.
var ErrEvalFailed = errors.New("nneval: batch evaluation failed")

// ErrClosed is returned for requests arriving after Close.
var ErrClosed = errors.New("nneval: evaluator closed")

const (
	defaultMaxBatchSize = 32
	defaultBatchWait    = 200 * time.Microsecond
	defaultCacheSize    = 1 << 16
	defaultQueueDepth   = 4
)

// Config holds the evaluator's batching and caching knobs.
type Config struct {
	// MaxBatchSize is the largest batch submitted to the backend.
	MaxBatchSize int
	// BatchWait is the window the server waits for stragglers before
	// submitting a non-full batch. Zero uses a default (200µs); a negative
	// value submits as soon as the queue has no immediately-available
	// requests.
	BatchWait time.Duration
	// CacheSize is the total number of cached outputs across all shards.
	// Zero uses a default; negative disables the cache.
	CacheSize int
	// CacheShardsPowerOfTwo selects 2^n cache shards.
	CacheShardsPowerOfTwo int
	// QueueDepth scales the request queue: MaxBatchSize * QueueDepth.
	QueueDepth int
}

type evalRequest struct {
	spatial []float32
	global  []float32
	legal   []common.Loc
	params  InputParams
	sym     int
	result  chan evalResult
}

type evalResult struct {
	out *NNOutput
	err error
}

// Evaluator batches per-position requests into backend calls and caches
// the outputs. Evaluate is safe for concurrent use from any number of
// search workers; a single server goroutine owns the backend.
type Evaluator struct {
	backend Backend
	info    ModelInfo
	cfg     Config

	queue chan *evalRequest
	done  chan struct{}
	ended chan struct{}

	shards    []*lru.Cache[uint64, *NNOutput]
	shardMask uint64
	sf        singleflight.Group

	totalItems   atomic.Int64
	totalBatches atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	closed       atomic.Bool
}

// NewEvaluator starts the server goroutine and returns a ready evaluator.
func NewEvaluator(backend Backend, cfg Config) (*Evaluator, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.BatchWait == 0 {
		cfg.BatchWait = defaultBatchWait
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.CacheShardsPowerOfTwo < 0 || cfg.CacheShardsPowerOfTwo > 10 {
		return nil, fmt.Errorf("nneval: cache shards power of two out of range: %d", cfg.CacheShardsPowerOfTwo)
	}

	e := &Evaluator{
		backend: backend,
		info:    backend.Info(),
		cfg:     cfg,
		queue:   make(chan *evalRequest, cfg.MaxBatchSize*cfg.QueueDepth),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}

	if cfg.CacheSize > 0 {
		numShards := 1 << cfg.CacheShardsPowerOfTwo
		perShard := max(1, cfg.CacheSize/numShards)
		e.shards = make([]*lru.Cache[uint64, *NNOutput], numShards)
		e.shardMask = uint64(numShards - 1)
		for i := range e.shards {
			c, err := lru.New[uint64, *NNOutput](perShard)
			if err != nil {
				return nil, fmt.Errorf("nneval: creating cache shard: %w", err)
			}
			e.shards[i] = c
		}
	}

	go e.serve()
	log.Debug().Str("model", e.info.Name).Int("maxBatch", cfg.MaxBatchSize).
		Int("cacheSize", cfg.CacheSize).Msg("nn-evaluator-started")
	return e, nil
}

func (e *Evaluator) Info() ModelInfo { return e.info }

// SupportsShorttermError reports the backend capability; uncertainty
// weighting in the search keys off this.
func (e *Evaluator) SupportsShorttermError() bool {
	return e.info.SupportsShorttermError
}

// SupportedRules passes the rules query through to the backend.
func (e *Evaluator) SupportedRules(desired Rules) (Rules, bool) {
	return e.backend.SupportedRules(desired)
}

// Close stops the server goroutine, failing any queued requests. The
// backend is closed afterwards.
func (e *Evaluator) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	<-e.ended
	log.Debug().Int64("batches", e.totalBatches.Load()).
		Int64("items", e.totalItems.Load()).
		Int64("cacheHits", e.cacheHits.Load()).Msg("nn-evaluator-closed")
	return e.backend.Close()
}

// CacheStats returns cumulative hit and miss counts.
func (e *Evaluator) CacheStats() (hits, misses int64) {
	return e.cacheHits.Load(), e.cacheMisses.Load()
}

// ClearCache drops every cached output, for position-independent param
// changes that invalidate evaluations.
func (e *Evaluator) ClearCache() {
	for _, s := range e.shards {
		s.Purge()
	}
}

// AvgBatchSize reports the mean formed batch size so far.
func (e *Evaluator) AvgBatchSize() float64 {
	b := e.totalBatches.Load()
	if b == 0 {
		return 0
	}
	return float64(e.totalItems.Load()) / float64(b)
}

// Evaluate blocks until the position has been evaluated. With
// Symmetry == SymmetryAll the result is the mean over every symmetry the
// board shape allows (eight on square boards, four otherwise). On cache hit (skipCache false) the stored output is returned;
// concurrent misses on the same key coalesce into a single network call.
func (e *Evaluator) Evaluate(pos Position, params InputParams, skipCache bool) (*NNOutput, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if params.Symmetry != SymmetryAll {
		if !symmetryAllowed(params.Symmetry, e.info.BoardXSize, e.info.BoardYSize) {
			return nil, fmt.Errorf("nneval: symmetry %d not allowed for %dx%d board",
				params.Symmetry, e.info.BoardXSize, e.info.BoardYSize)
		}
		return e.evaluateSym(pos, params, params.Symmetry, skipCache)
	}

	key := cacheKey(e.info.Name, pos.PositionHash(), pos.NextPlayer(), params, SymmetryAll)
	if !skipCache {
		if out, ok := e.cacheGet(key); ok {
			e.cacheHits.Add(1)
			return out, nil
		}
		e.cacheMisses.Add(1)
	}

	numSyms := numAllowedSymmetries(e.info.BoardXSize, e.info.BoardYSize)
	outs := make([]*NNOutput, 0, numSyms)
	for sym := 0; sym < numSyms; sym++ {
		out, err := e.evaluateSym(pos, params, sym, skipCache)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	avg := averageOutputs(outs, e.info.PolicySize())
	e.cachePut(key, avg)
	return avg, nil
}

func (e *Evaluator) evaluateSym(pos Position, params InputParams, sym int, skipCache bool) (*NNOutput, error) {
	key := cacheKey(e.info.Name, pos.PositionHash(), pos.NextPlayer(), params, sym)
	if !skipCache {
		if out, ok := e.cacheGet(key); ok {
			e.cacheHits.Add(1)
			return out, nil
		}
		e.cacheMisses.Add(1)
	}

	v, err, _ := e.sf.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		if !skipCache {
			if out, ok := e.cacheGet(key); ok {
				return out, nil
			}
		}
		out, err := e.requestEval(pos, params, sym)
		if err != nil {
			return nil, err
		}
		if !skipCache {
			e.cachePut(key, out)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NNOutput), nil
}

// requestEval encodes the position in the caller's goroutine, enqueues the
// request, and waits for the server to complete it.
func (e *Evaluator) requestEval(pos Position, params InputParams, sym int) (*NNOutput, error) {
	spatial := make([]float32, e.info.SpatialLen())
	global := make([]float32, e.info.NumGlobalChannels)
	if sym == 0 {
		pos.EncodeInputs(spatial, global, params)
	} else {
		canonical := make([]float32, e.info.SpatialLen())
		pos.EncodeInputs(canonical, global, params)
		transformSpatial(spatial, canonical, e.info.NumSpatialChannels,
			e.info.BoardXSize, e.info.BoardYSize, sym)
	}

	req := &evalRequest{
		spatial: spatial,
		global:  global,
		legal:   pos.LegalMoves(),
		params:  params,
		sym:     sym,
		result:  make(chan evalResult, 1),
	}
	select {
	case e.queue <- req:
	case <-e.done:
		return nil, ErrClosed
	}
	select {
	case res := <-req.result:
		return res.out, res.err
	case <-e.done:
		// The server drains and fails queued requests on shutdown, but
		// if our request was never picked up, give up here.
		select {
		case res := <-req.result:
			return res.out, res.err
		default:
			return nil, ErrClosed
		}
	}
}

func (e *Evaluator) cacheGet(key uint64) (*NNOutput, bool) {
	if e.shards == nil {
		return nil, false
	}
	return e.shards[key&e.shardMask].Get(key)
}

func (e *Evaluator) cachePut(key uint64, out *NNOutput) {
	if e.shards == nil {
		return
	}
	e.shards[key&e.shardMask].Add(key, out)
}

// serve is the batching server loop. It aggregates pending requests and
// forms a batch when the batch is full, when the wait window elapses, or
// when no more requests are immediately available.
func (e *Evaluator) serve() {
	defer close(e.ended)

	spatialBuf := make([]float32, e.cfg.MaxBatchSize*e.info.SpatialLen())
	globalBuf := make([]float32, e.cfg.MaxBatchSize*e.info.NumGlobalChannels)
	batch := make([]*evalRequest, 0, e.cfg.MaxBatchSize)

	for {
		batch = batch[:0]
		select {
		case req := <-e.queue:
			batch = append(batch, req)
		case <-e.done:
			e.drainAndFail()
			return
		}

		// Drain whatever is immediately available.
	drain:
		for len(batch) < e.cfg.MaxBatchSize {
			select {
			case req := <-e.queue:
				batch = append(batch, req)
			default:
				break drain
			}
		}

		// Wait briefly for stragglers to improve batch occupancy.
		if len(batch) < e.cfg.MaxBatchSize && e.cfg.BatchWait > 0 {
			timer := time.NewTimer(e.cfg.BatchWait)
		collect:
			for len(batch) < e.cfg.MaxBatchSize {
				select {
				case req := <-e.queue:
					batch = append(batch, req)
				case <-timer.C:
					break collect
				}
			}
			timer.Stop()
		}

		e.runBatch(batch, spatialBuf, globalBuf)
	}
}

func (e *Evaluator) drainAndFail() {
	for {
		select {
		case req := <-e.queue:
			req.result <- evalResult{err: ErrClosed}
		default:
			return
		}
	}
}

func (e *Evaluator) runBatch(batch []*evalRequest, spatialBuf, globalBuf []float32) {
	n := len(batch)
	spatialLen := e.info.SpatialLen()
	globalLen := e.info.NumGlobalChannels
	for i, req := range batch {
		copy(spatialBuf[i*spatialLen:(i+1)*spatialLen], req.spatial)
		copy(globalBuf[i*globalLen:(i+1)*globalLen], req.global)
	}

	result, err := e.backend.EvaluateBatch(&Batch{
		N:       n,
		Spatial: spatialBuf[:n*spatialLen],
		Global:  globalBuf[:n*globalLen],
	})
	if err != nil {
		log.Warn().Err(err).Int("batchSize", n).Msg("nn-batch-failed")
		for _, req := range batch {
			req.result <- evalResult{err: fmt.Errorf("%w: %v", ErrEvalFailed, err)}
		}
		return
	}
	e.totalBatches.Add(1)
	e.totalItems.Add(int64(n))

	for i, req := range batch {
		out, perr := e.postprocess(result, i, req)
		if perr != nil {
			log.Warn().Err(perr).Msg("nn-output-invalid")
			req.result <- evalResult{err: fmt.Errorf("%w: %v", ErrEvalFailed, perr)}
			continue
		}
		req.result <- evalResult{out: out}
	}
}

// postprocess maps one backend row back to the canonical orientation,
// masks it to the legal moves, and applies the policy temperature.
func (e *Evaluator) postprocess(result *BatchResult, i int, req *evalRequest) (*NNOutput, error) {
	vals := result.Values[i]
	for _, v := range vals {
		if math.IsNaN(float64(v)) || v < -0.0001 || v > 1.0001 {
			return nil, fmt.Errorf("value head out of range: %v", vals)
		}
	}

	policySize := e.info.PolicySize()
	rawPolicy := result.Policies[i]
	if len(rawPolicy) != policySize {
		return nil, fmt.Errorf("policy size mismatch: got %d want %d", len(rawPolicy), policySize)
	}

	canonical := make([]float32, policySize)
	if req.sym == 0 {
		copy(canonical, rawPolicy)
	} else {
		untransformPolicy(canonical, rawPolicy, e.info.BoardXSize, e.info.BoardYSize, req.sym)
	}

	out := &NNOutput{
		WinProb:      vals[0],
		LossProb:     vals[1],
		NoResultProb: vals[2],
		Policy:       make([]float32, policySize),
	}
	if result.ShorttermWinlossErrors != nil {
		out.ShorttermWinlossError = result.ShorttermWinlossErrors[i]
	}
	if result.EstimatedTimeLefts != nil {
		out.EstimatedTimeLeft = result.EstimatedTimeLefts[i]
	}

	// Mask to legal moves and renormalize, optionally through the policy
	// temperature.
	for j := range out.Policy {
		out.Policy[j] = -1
	}
	temp := req.params.PolicyTemperature
	if temp == 0 {
		temp = 1.0
	}
	var sum float64
	for _, loc := range req.legal {
		p := math.Max(1e-30, float64(rawPolicyAt(canonical, loc)))
		if temp != 1.0 {
			p = math.Pow(p, 1.0/temp)
		}
		out.Policy[loc] = float32(p)
		sum += p
	}
	if sum <= 0 || math.IsNaN(sum) {
		return nil, fmt.Errorf("policy mass invalid: %v", sum)
	}
	for _, loc := range req.legal {
		out.Policy[loc] = float32(float64(out.Policy[loc]) / sum)
	}
	return out, nil
}

func rawPolicyAt(policy []float32, loc common.Loc) float32 {
	if int(loc) < 0 || int(loc) >= len(policy) {
		return 0
	}
	return policy[loc]
}

func averageOutputs(outs []*NNOutput, policySize int) *NNOutput {
	avg := &NNOutput{Policy: make([]float32, policySize)}
	for i := range avg.Policy {
		avg.Policy[i] = -1
	}
	n := float32(len(outs))
	polSums := make([]float64, policySize)
	polSeen := make([]bool, policySize)
	for _, out := range outs {
		avg.WinProb += out.WinProb / n
		avg.LossProb += out.LossProb / n
		avg.NoResultProb += out.NoResultProb / n
		avg.ShorttermWinlossError += out.ShorttermWinlossError / n
		avg.EstimatedTimeLeft += out.EstimatedTimeLeft / n
		for j, p := range out.Policy {
			if p >= 0 {
				polSums[j] += float64(p)
				polSeen[j] = true
			}
		}
	}
	for j := range polSums {
		if polSeen[j] {
			avg.Policy[j] = float32(polSums[j] / float64(n))
		}
	}
	return avg
}
