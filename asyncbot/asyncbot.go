// Package asyncbot provides the single-client façade over a search: a
// background goroutine that runs one search at a time, driven by genmove,
// ponder and analyze requests, with cooperative stop and kill semantics.
// Unless noted otherwise the methods here are NOT safe for concurrent use;
// usage of this API should be single-threaded. StopWithoutWait and
// SetKilled may be called from anywhere, including from inside callbacks.
package asyncbot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/search"
	"github.com/quetzal-engine/quetzal/stats"
	"github.com/quetzal-engine/quetzal/timecontrol"
)

// ErrKilled is returned for any request after SetKilled.
var ErrKilled = errors.New("asyncbot: bot has been killed")

// ErrNothingToUndo is returned by Undo with an empty move history.
var ErrNothingToUndo = errors.New("asyncbot: no move to undo")

// State describes the bot's lifecycle for observers.
type State int

const (
	// Idle: no search running.
	Idle State = iota
	// Searching: the background goroutine is running playouts.
	Searching
	// Stopping: a stop was requested and workers are draining.
	Stopping
	// Killed: terminal; no further searches will start.
	Killed
)

// MoveCallback receives the chosen move and the caller-supplied search id.
// It must return quickly and must NOT call back into the bot, except for
// StopWithoutWait and SetKilled.
type MoveCallback func(loc common.Loc, searchID int)

// AnalyzeCallback periodically receives a read-only view of the running
// search. Same re-entrancy contract as MoveCallback.
type AnalyzeCallback func(s *search.Search)

// SearchBegunCallback fires once the search tree is initialized, after
// which read-only queries against the search are safe.
type SearchBegunCallback func()

type queuedSearch struct {
	searchID     int
	onMove       MoveCallback
	onBegun      SearchBegunCallback
	tc           timecontrol.TimeControls
	searchFactor float64
	pondering    bool

	analyzeCallback   AnalyzeCallback
	analyzePeriod     time.Duration
	analyzeFirstAfter time.Duration
}

// AsyncBot owns one Search and one background search goroutine. Exactly
// one search is in flight at a time.
type AsyncBot struct {
	search *search.Search

	mu                    sync.Mutex
	threadWaitingToSearch *sync.Cond
	userWaitingForStop    *sync.Cond

	isRunning  bool
	isStopping bool
	isKilled   bool
	queued     queuedSearch

	shouldStopNow atomic.Bool

	// undoStack holds the pre-move position for each move made through
	// MakeMove, newest last.
	undoStack []search.GameState

	lastSearchTime  time.Duration
	searchTimeStats stats.Statistic

	// lastPolicySurprise is how much the previous genmove's chosen move
	// deviated from the raw policy, in nats; +Inf before the first move.
	lastPolicySurprise float64
}

// New creates a bot over the given position and starts its background
// goroutine. Fails on invalid params; whether the model supports the
// position's rules is not checked here.
func New(params search.SearchParams, nnEval *nneval.Evaluator, state search.GameState, seed uint64) (*AsyncBot, error) {
	s, err := search.NewSearch(params, nnEval, state, seed)
	if err != nil {
		return nil, fmt.Errorf("asyncbot: %w", err)
	}
	b := &AsyncBot{search: s, lastPolicySurprise: math.Inf(1)}
	b.threadWaitingToSearch = sync.NewCond(&b.mu)
	b.userWaitingForStop = sync.NewCond(&b.mu)
	go b.internalSearchThreadLoop()
	return b, nil
}

// Search returns the underlying search. If the bot is doing anything
// asynchronous, the search may still be running; prefer
// SearchStopAndWait unless called from an analyze callback.
func (b *AsyncBot) Search() *search.Search { return b.search }

// SearchStopAndWait stops and awaits any running search, then returns the
// search for direct inspection.
func (b *AsyncBot) SearchStopAndWait() *search.Search {
	b.StopAndWait()
	return b.search
}

// CurrentState reports the lifecycle state.
func (b *AsyncBot) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.isKilled:
		return Killed
	case b.isStopping:
		return Stopping
	case b.isRunning:
		return Searching
	}
	return Idle
}

func (b *AsyncBot) Params() search.SearchParams {
	return b.search.Params()
}

// SetPosition stops any running search and replaces the root position.
// Clears the undo history.
func (b *AsyncBot) SetPosition(state search.GameState) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	b.search.SetPosition(state)
	b.undoStack = nil
	return nil
}

// SetPlayerIfNew switches the player to move if it differs from the
// current one, clearing the search. The position must support player
// substitution.
func (b *AsyncBot) SetPlayerIfNew(pla common.Player) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	if b.search.RootState().NextPlayer() == pla {
		return nil
	}
	return b.setPlayer(pla)
}

// SetPlayerAndClearHistory forces the player to move and clears the search
// and undo history.
func (b *AsyncBot) SetPlayerAndClearHistory(pla common.Player) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	if err := b.setPlayer(pla); err != nil {
		return err
	}
	b.search.ClearSearch()
	return nil
}

// playerSettable is the optional surface a game state can offer to let the
// side to move be swapped in place.
type playerSettable interface {
	SetNextPlayer(pla common.Player)
}

func (b *AsyncBot) setPlayer(pla common.Player) error {
	state, ok := b.search.RootState().Clone().(playerSettable)
	if !ok {
		return fmt.Errorf("asyncbot: position does not support setting the player to move")
	}
	state.SetNextPlayer(pla)
	b.search.SetPosition(state.(search.GameState))
	b.undoStack = nil
	return nil
}

// SetParams stops any running search, replaces the parameters, and clears
// the tree.
func (b *AsyncBot) SetParams(params search.SearchParams) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	return b.search.SetParams(params)
}

// SetParamsNoClearing replaces the parameters while preserving the tree.
func (b *AsyncBot) SetParamsNoClearing(params search.SearchParams) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	return b.search.SetParamsNoClearing(params)
}

// SetRootHintLoc biases the next search's first root visits.
func (b *AsyncBot) SetRootHintLoc(loc common.Loc) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	b.search.SetRootHintLoc(loc)
	return nil
}

// SetAvoidMoveUntilByLoc installs the per-player avoid-move maps.
func (b *AsyncBot) SetAvoidMoveUntilByLoc(black, white map[common.Loc]int) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	b.search.SetAvoidMoveUntilByLoc(black, white)
	return nil
}

// ClearSearch stops any running search and releases the tree.
func (b *AsyncBot) ClearSearch() error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	b.search.ClearSearch()
	return nil
}

// IsLegalTolerant reports whether MakeMove would accept the move, allowing
// either side to move.
func (b *AsyncBot) IsLegalTolerant(loc common.Loc, pla common.Player) bool {
	return b.search.IsLegalTolerant(loc, pla)
}

// IsLegalStrict additionally requires pla to be on turn.
func (b *AsyncBot) IsLegalStrict(loc common.Loc, pla common.Player) bool {
	return b.search.IsLegalStrict(loc, pla)
}

// MakeMove stops any running search and advances the root, preserving the
// subtree under the move. Returns search.ErrIllegalMove for a move the
// rules reject; the state is unchanged in that case.
func (b *AsyncBot) MakeMove(loc common.Loc, pla common.Player) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	prev := b.search.RootState().Clone()
	if err := b.search.MakeMove(loc, pla); err != nil {
		return err
	}
	b.undoStack = append(b.undoStack, prev)
	return nil
}

// Undo steps back one move made through MakeMove. The restored root's NN
// output is served from the evaluator cache, so an immediate re-search
// resumes where the pre-move search began.
func (b *AsyncBot) Undo() error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	if len(b.undoStack) == 0 {
		return ErrNothingToUndo
	}
	prev := b.undoStack[len(b.undoStack)-1]
	b.undoStack = b.undoStack[:len(b.undoStack)-1]
	b.search.SetPosition(prev)
	return nil
}

// GenMoveAsync begins a search and returns immediately. onMove is invoked
// from the search goroutine with the chosen move and searchID once the
// search terminates. Stops and awaits any ongoing search first.
func (b *AsyncBot) GenMoveAsync(pla common.Player, searchID int, tc timecontrol.TimeControls, searchFactor float64, onMove MoveCallback, onBegun SearchBegunCallback) error {
	return b.GenMoveAsyncAnalyze(pla, searchID, tc, searchFactor, onMove, 0, 0, nil, onBegun)
}

// GenMoveAsyncAnalyze is GenMoveAsync with a periodic analyze callback
// every period, first after firstAfter.
func (b *AsyncBot) GenMoveAsyncAnalyze(
	pla common.Player,
	searchID int,
	tc timecontrol.TimeControls,
	searchFactor float64,
	onMove MoveCallback,
	period time.Duration,
	firstAfter time.Duration,
	callback AnalyzeCallback,
	onBegun SearchBegunCallback,
) error {
	if onMove == nil {
		return errors.New("asyncbot: genmove requires an onMove callback")
	}
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	if err := b.SetPlayerIfNew(pla); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isKilled {
		return ErrKilled
	}
	b.queued = queuedSearch{
		searchID:          searchID,
		onMove:            onMove,
		onBegun:           onBegun,
		tc:                tc,
		searchFactor:      searchFactor,
		pondering:         false,
		analyzeCallback:   callback,
		analyzePeriod:     period,
		analyzeFirstAfter: firstAfter,
	}
	// A stop requested while idle must not cancel this fresh search.
	b.shouldStopNow.Store(false)
	b.isRunning = true
	b.threadWaitingToSearch.Broadcast()
	return nil
}

// GenMoveSynchronous blocks until the search terminates and returns the
// chosen move.
func (b *AsyncBot) GenMoveSynchronous(pla common.Player, tc timecontrol.TimeControls, searchFactor float64, onBegun SearchBegunCallback) (common.Loc, error) {
	return b.GenMoveSynchronousAnalyze(pla, tc, searchFactor, 0, 0, nil, onBegun)
}

// GenMoveSynchronousAnalyze is GenMoveSynchronous with periodic analyze
// callbacks.
func (b *AsyncBot) GenMoveSynchronousAnalyze(
	pla common.Player,
	tc timecontrol.TimeControls,
	searchFactor float64,
	period time.Duration,
	firstAfter time.Duration,
	callback AnalyzeCallback,
	onBegun SearchBegunCallback,
) (common.Loc, error) {
	type result struct {
		loc common.Loc
	}
	done := make(chan result, 1)
	err := b.GenMoveAsyncAnalyze(pla, 0, tc, searchFactor, func(loc common.Loc, _ int) {
		done <- result{loc: loc}
	}, period, firstAfter, callback, onBegun)
	if err != nil {
		return common.NullLoc, err
	}
	res := <-done
	if res.loc == common.NullLoc {
		return common.NullLoc, search.ErrNoSearchRan
	}
	return res.loc, nil
}

// Ponder begins searching in ponder mode, returning immediately. Future
// genmoves may be faster. Does not stop an ongoing search; a no-op if one
// is running.
func (b *AsyncBot) Ponder(searchFactor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isKilled || b.isRunning {
		return
	}
	b.queued = queuedSearch{
		searchFactor: searchFactor,
		pondering:    true,
	}
	b.shouldStopNow.Store(false)
	b.isRunning = true
	b.threadWaitingToSearch.Broadcast()
}

// AnalyzeAsync stops any ongoing search, then ponders while calling the
// callback with a read-only view of the search every period, first after
// firstAfter.
func (b *AsyncBot) AnalyzeAsync(pla common.Player, searchFactor float64, period, firstAfter time.Duration, callback AnalyzeCallback) error {
	if err := b.stopAndWaitForSetup(); err != nil {
		return err
	}
	if err := b.SetPlayerIfNew(pla); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isKilled {
		return ErrKilled
	}
	b.queued = queuedSearch{
		searchFactor:      searchFactor,
		pondering:         true,
		analyzeCallback:   callback,
		analyzePeriod:     period,
		analyzeFirstAfter: firstAfter,
	}
	b.shouldStopNow.Store(false)
	b.isRunning = true
	b.threadWaitingToSearch.Broadcast()
	return nil
}

// StopAndWait signals an ongoing search to stop as soon as possible and
// waits for it to drain. Safe to call even when nothing is running.
func (b *AsyncBot) StopAndWait() {
	b.shouldStopNow.Store(true)
	b.mu.Lock()
	b.isStopping = b.isRunning
	for b.isRunning {
		b.userWaitingForStop.Wait()
	}
	b.isStopping = false
	b.mu.Unlock()
}

// StopWithoutWait signals the stop but does not wait. Takes no locks, so
// it is safe from inside callbacks.
func (b *AsyncBot) StopWithoutWait() {
	b.shouldStopNow.Store(true)
}

// SetKilled permanently kills the bot: the running search (if any) is
// signalled to stop, and no further search will start. Safe from inside
// callbacks.
func (b *AsyncBot) SetKilled() {
	b.shouldStopNow.Store(true)
	b.mu.Lock()
	b.isKilled = true
	b.threadWaitingToSearch.Broadcast()
	b.userWaitingForStop.Broadcast()
	b.mu.Unlock()
}

// stopAndWaitForSetup is the common preamble of every setup operation:
// stop, drain, and verify the bot is still alive.
func (b *AsyncBot) stopAndWaitForSetup() error {
	b.StopAndWait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isKilled {
		return ErrKilled
	}
	return nil
}

// internalSearchThreadLoop is the background goroutine: it waits for
// queued work, runs exactly one search at a time, and re-arms.
func (b *AsyncBot) internalSearchThreadLoop() {
	b.mu.Lock()
	for {
		for !b.isRunning && !b.isKilled {
			b.threadWaitingToSearch.Wait()
		}
		if b.isKilled {
			b.mu.Unlock()
			log.Debug().Msg("asyncbot-thread-exiting")
			return
		}
		q := b.queued
		b.mu.Unlock()

		move, err := b.runOneSearch(q)
		if err != nil {
			log.Err(err).Msg("asyncbot-search-failed")
		}

		b.mu.Lock()
		b.isRunning = false
		b.shouldStopNow.Store(false)
		b.userWaitingForStop.Broadcast()
		b.mu.Unlock()

		if q.onMove != nil {
			q.onMove(move, q.searchID)
		}

		b.mu.Lock()
	}
}

// runOneSearch executes one queued search to completion and returns the
// chosen move (NullLoc when pondering or when nothing succeeded).
func (b *AsyncBot) runOneSearch(q queuedSearch) (common.Loc, error) {
	params := b.search.Params()
	budget := b.computeTimeBudget(q, params)

	logger := log.With().
		Bool("pondering", q.pondering).
		Dur("timeBudget", budget).
		Logger()
	ctx := logger.WithContext(context.Background())

	analyzeStop := b.startAnalyzePacer(q)
	if q.onBegun != nil {
		q.onBegun()
	}

	start := time.Now()
	err := b.search.RunWholeSearch(ctx, &b.shouldStopNow, search.RunOptions{
		Pondering:    q.pondering,
		SearchFactor: q.searchFactor,
		TimeBudget:   budget,
	})
	b.lastSearchTime = time.Since(start)
	if !q.pondering {
		b.searchTimeStats.Push(b.lastSearchTime.Seconds())
	}

	if analyzeStop != nil {
		close(analyzeStop)
	}

	if q.pondering {
		return common.NullLoc, err
	}

	move, chooseErr := b.search.GetChosenMoveLoc()
	if chooseErr != nil {
		// Partial trees still yield a best-visit move; only a search with
		// zero successful playouts lands here.
		if err == nil {
			err = chooseErr
		}
		return common.NullLoc, err
	}
	b.lastPolicySurprise = b.policySurpriseOf(move)
	return move, err
}

// policySurpriseOf measures, in nats, how unlikely the chosen move was
// under the raw policy. The next move's time budget treats a low surprise
// as a sign of an obvious position.
func (b *AsyncBot) policySurpriseOf(move common.Loc) float64 {
	for _, d := range b.search.GetAnalysisData(1) {
		if d.Move == move && d.PolicyPrior > 0 {
			return -math.Log(d.PolicyPrior)
		}
	}
	return math.Inf(1)
}

// computeTimeBudget applies the time-control policy and shaping factors.
// Zero means the params' own time cap governs.
func (b *AsyncBot) computeTimeBudget(q queuedSearch, params search.SearchParams) time.Duration {
	if q.tc.Kind == timecontrol.None {
		return 0
	}
	sh := timecontrol.Shaping{
		OverallocateTimeFactor:              params.OverallocateTimeFactor,
		MidgameTimeFactor:                   params.MidgameTimeFactor,
		MidgameTurnPeakTime:                 params.MidgameTurnPeakTime,
		EndgameTurnTimeDecay:                params.EndgameTurnTimeDecay,
		ObviousMovesTimeFactor:              params.ObviousMovesTimeFactor,
		ObviousMovesPolicyEntropyTolerance:  params.ObviousMovesPolicyEntropyTolerance,
		ObviousMovesPolicySurpriseTolerance: params.ObviousMovesPolicySurpriseTolerance,
		TreeReuseCarryOverTimeFactor:        params.TreeReuseCarryOverTimeFactor,
		LagBuffer:                           params.LagBuffer,
	}
	state := b.search.RootState()
	treeReuse := time.Duration(0)
	if b.search.RootVisits() > 0 {
		// With a preserved tree, pass on the previous search's whole wall
		// time; Budget credits the carry-over factor's share of it.
		treeReuse = b.lastSearchTime
	}
	return q.tc.Budget(
		sh,
		state.TurnNumber(),
		state.BoardXSize()*state.BoardYSize(),
		b.search.RootPolicyEntropy(),
		b.lastPolicySurprise,
		treeReuse,
	)
}

// startAnalyzePacer starts the goroutine delivering periodic analyze
// callbacks, returning the channel that stops it, or nil when no callback
// was requested. Callbacks are invoked outside the bot's lock and must not
// re-enter the bot except via StopWithoutWait or SetKilled.
func (b *AsyncBot) startAnalyzePacer(q queuedSearch) chan struct{} {
	if q.analyzeCallback == nil || q.analyzePeriod <= 0 {
		return nil
	}
	stop := make(chan struct{})
	go func() {
		first := q.analyzeFirstAfter
		if first <= 0 {
			first = q.analyzePeriod
		}
		timer := time.NewTimer(first)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-stop:
			return
		}
		ticker := time.NewTicker(q.analyzePeriod)
		defer ticker.Stop()
		for {
			q.analyzeCallback(b.search)
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
	return stop
}

// SearchTimeStats reports the running statistic of genmove wall times in
// seconds, for pacing diagnostics.
func (b *AsyncBot) SearchTimeStats() (mean, stdev float64, n int) {
	return b.searchTimeStats.Mean(), b.searchTimeStats.Stdev(), b.searchTimeStats.Iterations()
}

// LogParams writes the active parameter set at debug level.
func (b *AsyncBot) LogParams(logger *zerolog.Logger) {
	b.search.Params().PrintParams(logger.Debug())
}
