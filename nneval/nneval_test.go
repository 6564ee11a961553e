package nneval_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/testcommon"
)

func newEvaluator(t *testing.T, backend nneval.Backend, cfg nneval.Config) *nneval.Evaluator {
	t.Helper()
	ev, err := nneval.NewEvaluator(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })
	return ev
}

func TestCacheReturnsIdenticalOutputs(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.6, 0.4, 0})
	ev := newEvaluator(t, backend, nneval.Config{})

	pos := testcommon.NewTwoActionGame().NewPosition()
	params := nneval.InputParams{Symmetry: 0}

	first, err := ev.Evaluate(pos, params, false)
	is.NoErr(err)
	second, err := ev.Evaluate(pos, params, false)
	is.NoErr(err)

	// Identical key, skipCache false: the very same cached output.
	is.True(first == second)
	is.Equal(backend.Items(), int64(1))

	hits, _ := ev.CacheStats()
	is.True(hits >= 1)

	// skipCache forces a fresh network call.
	_, err = ev.Evaluate(pos, params, true)
	is.NoErr(err)
	is.Equal(backend.Items(), int64(2))
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0})
	backend.Delay = 5 * time.Millisecond
	ev := newEvaluator(t, backend, nneval.Config{MaxBatchSize: 8})

	pos := testcommon.NewTwoActionGame().NewPosition()
	params := nneval.InputParams{Symmetry: 0}

	var wg sync.WaitGroup
	outs := make([]*nneval.NNOutput, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ev.Evaluate(pos, params, false)
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	// All callers on the same key coalesced into a single network call.
	is.Equal(backend.Items(), int64(1))
	for _, out := range outs {
		is.True(out == outs[0])
	}
}

func TestPolicyMaskedToLegalMoves(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0})
	ev := newEvaluator(t, backend, nneval.Config{})

	pos := testcommon.NewTwoActionGame().NewPosition()
	out, err := ev.Evaluate(pos, nneval.InputParams{Symmetry: 0}, false)
	is.NoErr(err)

	// Legal moves 0 and 1 renormalize to probability 1; the pass slot is
	// illegal here and must be negative.
	is.True(out.Policy[0] > 0)
	is.True(out.Policy[1] > 0)
	is.True(out.Policy[2] < 0)
	assert.InDelta(t, 1.0, float64(out.Policy[0]+out.Policy[1]), 1e-5)
}

func TestSymmetryAllAveragesTheGroup(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(3, 3, [3]float32{0.5, 0.5, 0})
	ev := newEvaluator(t, backend, nneval.Config{})

	game := &testcommon.ToyGame{
		XSize: 3, YSize: 3,
		Start:    "root",
		StartPla: common.White,
		States: map[string]*testcommon.ToyStateDef{
			"root": {Moves: map[common.Loc]string{0: "end", 4: "end", 8: "end"}},
			"end":  {Terminal: true},
		},
	}
	pos := game.NewPosition()

	out, err := ev.Evaluate(pos, nneval.InputParams{Symmetry: nneval.SymmetryAll}, false)
	is.NoErr(err)

	// A uniform net is symmetry-invariant: averaging the full group keeps
	// the uniform legal-move distribution.
	assert.InDelta(t, 1.0/3.0, float64(out.Policy[0]), 1e-5)
	assert.InDelta(t, 1.0/3.0, float64(out.Policy[4]), 1e-5)
	assert.InDelta(t, 1.0/3.0, float64(out.Policy[8]), 1e-5)
	assert.InDelta(t, 0.5, float64(out.WinProb), 1e-5)
}

func TestBatchFailureFailsAllWaitersThenRecovers(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0})
	backend.FailRequests.Store(1)
	ev := newEvaluator(t, backend, nneval.Config{})

	pos := testcommon.NewTwoActionGame().NewPosition()

	_, err := ev.Evaluate(pos, nneval.InputParams{Symmetry: 0}, false)
	is.True(err != nil)

	// The evaluator does not retry on its own, but the next request goes
	// through cleanly.
	out, err := ev.Evaluate(pos, nneval.InputParams{Symmetry: 0}, false)
	is.NoErr(err)
	is.True(out != nil)
}

func TestBatchingAggregatesRequests(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(4, 4, [3]float32{0.5, 0.5, 0})
	backend.Delay = 2 * time.Millisecond
	ev := newEvaluator(t, backend, nneval.Config{MaxBatchSize: 16, BatchWait: 2 * time.Millisecond})

	// Distinct positions so nothing coalesces through the cache or the
	// in-flight deduplication.
	game := &testcommon.ToyGame{
		XSize: 4, YSize: 4,
		Start:    "root",
		StartPla: common.White,
		States: map[string]*testcommon.ToyStateDef{
			"root": {Moves: map[common.Loc]string{}},
		},
	}
	for loc := common.Loc(0); loc < 16; loc++ {
		name := fmt.Sprintf("mid-%d", loc)
		game.States["root"].Moves[loc] = name
		game.States[name] = &testcommon.ToyStateDef{Moves: map[common.Loc]string{0: "end"}}
	}
	game.States["end"] = &testcommon.ToyStateDef{Terminal: true}

	var wg sync.WaitGroup
	for loc := common.Loc(0); loc < 16; loc++ {
		pos := game.NewPosition()
		require.NoError(t, pos.PlayMove(loc, pos.NextPlayer()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ev.Evaluate(pos, nneval.InputParams{Symmetry: 0}, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Fewer backend calls than requests: batches actually formed.
	is.True(backend.Batches() < 16)
	is.True(ev.AvgBatchSize() > 1.0)
}

func TestClosedEvaluatorRejectsRequests(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0})
	ev, err := nneval.NewEvaluator(backend, nneval.Config{})
	is.NoErr(err)
	is.NoErr(ev.Close())

	_, err = ev.Evaluate(testcommon.NewTwoActionGame().NewPosition(), nneval.InputParams{}, false)
	is.True(err != nil)
}
