package search_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/search"
	"github.com/quetzal-engine/quetzal/testcommon"
)

func newUniformEvaluator(t *testing.T, xSize, ySize int) (*nneval.Evaluator, *testcommon.FakeBackend) {
	t.Helper()
	backend := testcommon.NewUniformBackend(xSize, ySize, [3]float32{0.5, 0.5, 0})
	ev, err := nneval.NewEvaluator(backend, nneval.Config{MaxBatchSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })
	return ev, backend
}

func runSearch(t *testing.T, s *search.Search) {
	t.Helper()
	var stop atomic.Bool
	err := s.RunWholeSearch(context.Background(), &stop, search.RunOptions{})
	require.NoError(t, err)
}

func TestTwoActionTerminalGame(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 8
	s, err := search.NewSearch(params, ev, testcommon.NewTwoActionGame().NewPosition(), 7)
	is.NoErr(err)

	runSearch(t, s)

	root := s.RootNode()
	is.True(root != nil)
	is.Equal(root.Stats().Visits.Load(), int64(8))

	data := s.GetAnalysisData(2)
	is.True(len(data) >= 1)
	// The winning move soaks up nearly all the visits.
	is.Equal(data[0].Move, common.Loc(0))
	is.True(data[0].NumVisits >= 6)

	// The root value is pulled strongly toward the win.
	values, err := s.GetRootValues()
	is.NoErr(err)
	is.True(values.WinProb > 0.6)

	move, err := s.GetChosenMoveLoc()
	is.NoErr(err)
	is.Equal(move, common.Loc(0))
}

func TestStatsInvariantsAfterSearch(t *testing.T) {
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 200
	params.NumThreads = 4
	s, err := search.NewSearch(params, ev, testcommon.NewDeepGame(12).NewPosition(), 11)
	require.NoError(t, err)

	runSearch(t, s)

	var walk func(n *search.SearchNode)
	walk = func(n *search.SearchNode) {
		visits := n.Stats().Visits.Load()
		if visits <= 0 {
			return
		}
		winLoss := n.Stats().WinLossValueAvg.Load()
		noResult := n.Stats().NoResultValueAvg.Load()
		assert.LessOrEqual(t, winLoss, 1.0+1e-9)
		assert.GreaterOrEqual(t, winLoss, -1.0-1e-9)
		assert.GreaterOrEqual(t, noResult, -1e-9)
		assert.LessOrEqual(t, noResult, 1.0+1e-9)
		assert.Greater(t, n.Stats().WeightSum.Load(), 0.0)

		children, _ := n.Children()
		var edgeSum int64
		for i := range children {
			if children[i].MoveLoc() == common.NullLoc {
				break
			}
			edgeSum += children[i].EdgeVisits()
			if c := children[i].Child(); c != nil {
				walk(c)
			}
		}
		assert.LessOrEqual(t, edgeSum, visits)
	}
	walk(s.RootNode())
}

func TestTranspositionSharing(t *testing.T) {
	is := is.New(t)

	run := func(useGraph bool) *search.Search {
		ev, _ := newUniformEvaluator(t, 2, 2)
		params := search.DefaultParams()
		params.MaxVisits = 60
		params.UseGraphSearch = useGraph
		params.NodeTableShardsPowerOfTwo = 2
		s, err := search.NewSearch(params, ev, testcommon.NewTranspositionGame().NewPosition(), 3)
		is.NoErr(err)
		runSearch(t, s)
		return s
	}

	// With graph search, both root moves into s share one node: their
	// child pointers are identical.
	s := run(true)
	root := s.RootNode()
	children, _ := root.Children()
	var intoS []*search.SearchNode
	for i := range children {
		loc := children[i].MoveLoc()
		if loc == common.NullLoc {
			break
		}
		if loc == 0 || loc == 1 {
			intoS = append(intoS, children[i].Child())
		}
	}
	is.Equal(len(intoS), 2)
	is.True(intoS[0] == intoS[1])

	// Without graph search the two edges hold distinct nodes with
	// independent stats.
	s = run(false)
	root = s.RootNode()
	children, _ = root.Children()
	intoS = intoS[:0]
	for i := range children {
		loc := children[i].MoveLoc()
		if loc == common.NullLoc {
			break
		}
		if loc == 0 || loc == 1 {
			intoS = append(intoS, children[i].Child())
		}
	}
	is.Equal(len(intoS), 2)
	is.True(intoS[0] != intoS[1])
}

func TestMaxVisitsOneEvaluatesOnlyRoot(t *testing.T) {
	is := is.New(t)
	ev, backend := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 1
	s, err := search.NewSearch(params, ev, testcommon.NewTwoActionGame().NewPosition(), 5)
	is.NoErr(err)

	runSearch(t, s)

	is.Equal(backend.Items(), int64(1))
	is.Equal(s.RootNode().Stats().Visits.Load(), int64(1))
	is.Equal(s.RootNode().NumChildren(), 0)

	// With no children expanded the chosen move is the policy argmax.
	move, err := s.GetChosenMoveLoc()
	is.NoErr(err)
	is.True(move != common.NullLoc)
}

func TestSingleThreadDeterminism(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 120
	params.RootNoiseEnabled = false
	params.WideRootNoise = 0
	s, err := search.NewSearch(params, ev, testcommon.NewDeepGame(12).NewPosition(), 99)
	is.NoErr(err)

	runSearch(t, s)
	first := s.GetAnalysisData(4)

	s.ClearSearch()
	runSearch(t, s)
	second := s.GetAnalysisData(4)

	is.Equal(len(first), len(second))
	for i := range first {
		is.Equal(first[i].Move, second[i].Move)
		is.Equal(first[i].NumVisits, second[i].NumVisits)
		is.Equal(first[i].WinLossValue, second[i].WinLossValue)
		is.Equal(first[i].WeightSum, second[i].WeightSum)
	}
}

func TestSetPositionIdempotent(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 50
	pos := testcommon.NewDeepGame(10).NewPosition()
	s, err := search.NewSearch(params, ev, pos, 17)
	is.NoErr(err)

	runSearch(t, s)
	visitsBefore := s.RootVisits()
	is.True(visitsBefore > 0)

	// Re-setting the identical position must not drop the tree.
	s.SetPosition(pos.Clone())
	is.Equal(s.RootVisits(), visitsBefore)

	// A genuinely different position does.
	moved := pos.Clone()
	is.NoErr(moved.PlayMove(0, moved.NextPlayer()))
	s.SetPosition(moved)
	is.Equal(s.RootVisits(), int64(0))
}

func TestMakeMovePreservesSubtree(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 100
	s, err := search.NewSearch(params, ev, testcommon.NewDeepGame(12).NewPosition(), 23)
	is.NoErr(err)

	runSearch(t, s)

	data := s.GetAnalysisData(1)
	is.True(len(data) > 0)
	best := data[0]

	err = s.MakeMove(best.Move, s.RootState().NextPlayer())
	is.NoErr(err)

	// The chosen child became the root with its stats intact.
	is.True(s.RootNode() != nil)
	is.True(s.RootNode().Stats().Visits.Load() > 0)
}

func TestMakeMoveIllegal(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	s, err := search.NewSearch(search.DefaultParams(), ev, testcommon.NewTwoActionGame().NewPosition(), 1)
	is.NoErr(err)

	err = s.MakeMove(common.Loc(5), s.RootState().NextPlayer())
	is.True(err != nil)
}

func TestRepetitionBoundTerminates(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 1)

	params := search.DefaultParams()
	params.MaxVisits = 60
	params.SimpleRepetitionBoundGt = 2
	s, err := search.NewSearch(params, ev, testcommon.NewLoopGame().NewPosition(), 4)
	is.NoErr(err)

	done := make(chan struct{})
	go func() {
		runSearch(t, s)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("search did not terminate under the repetition bound")
	}
	is.True(s.RootVisits() > 0)
}

func TestDirichletNoisePerturbsRootPolicy(t *testing.T) {
	wideGame := &testcommon.ToyGame{
		XSize: 5, YSize: 2,
		Start:    "root",
		StartPla: common.White,
		States: map[string]*testcommon.ToyStateDef{
			"root": {Moves: map[common.Loc]string{}},
		},
	}
	for loc := common.Loc(0); loc < 10; loc++ {
		name := string(rune('a' + loc))
		wideGame.States["root"].Moves[loc] = name
		wideGame.States[name] = &testcommon.ToyStateDef{Terminal: true, NoResult: 1.0}
	}

	const numSeeds = 100
	var l1Sum float64
	for seed := uint64(1); seed <= numSeeds; seed++ {
		ev, _ := newUniformEvaluator(t, 5, 2)
		params := search.DefaultParams()
		params.MaxVisits = 30
		params.RootNoiseEnabled = true
		params.RootDirichletNoiseTotalConcentration = 10.83
		params.RootDirichletNoiseWeight = 0.25
		s, err := search.NewSearch(params, ev, wideGame.NewPosition(), seed)
		require.NoError(t, err)
		runSearch(t, s)

		// The raw policy is uniform over the 10 legal moves.
		raw := 1.0 / 10.0
		var l1 float64
		var reported float64
		for _, d := range s.GetAnalysisData(1) {
			l1 += absFloat(d.PolicyPrior - raw)
			reported += d.PolicyPrior
		}
		// Moves never expanded still carry noise mass; account for them
		// as the remainder.
		l1 += absFloat((1.0 - reported) - raw*float64(10-len(s.GetAnalysisData(1))))
		l1Sum += l1
	}
	mean := l1Sum / numSeeds
	assert.Greater(t, mean, 0.1)
	assert.Less(t, mean, 0.4)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestCancellationLatency(t *testing.T) {
	is := is.New(t)
	backend := testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0})
	backend.Delay = time.Millisecond
	ev, err := nneval.NewEvaluator(backend, nneval.Config{MaxBatchSize: 8})
	is.NoErr(err)
	defer ev.Close()

	params := search.DefaultParams()
	params.MaxVisits = 10000
	params.NumThreads = 2
	s, err := search.NewSearch(params, ev, testcommon.NewDeepGame(20).NewPosition(), 8)
	is.NoErr(err)

	var stop atomic.Bool
	done := make(chan struct{})
	start := time.Now()
	go func() {
		_ = s.RunWholeSearch(context.Background(), &stop, search.RunOptions{})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	stop.Store(true)
	<-done
	elapsed := time.Since(start)

	// Termination costs at most the stop point plus one playout's worth
	// of latency.
	is.True(elapsed < 2*time.Second)
	is.True(s.RootVisits() < 10000)

	_, err = s.GetChosenMoveLoc()
	is.NoErr(err)
}

func TestGraphSearchTableClearedOnClearSearch(t *testing.T) {
	is := is.New(t)
	ev, _ := newUniformEvaluator(t, 2, 2)

	params := search.DefaultParams()
	params.MaxVisits = 40
	params.UseGraphSearch = true
	params.NodeTableShardsPowerOfTwo = 2
	s, err := search.NewSearch(params, ev, testcommon.NewTranspositionGame().NewPosition(), 6)
	is.NoErr(err)

	runSearch(t, s)
	is.True(s.RootVisits() > 0)

	s.ClearSearch()
	is.Equal(s.RootVisits(), int64(0))

	// A fresh run over the cleared tree works and reconverges.
	runSearch(t, s)
	is.True(s.RootVisits() > 0)
}
