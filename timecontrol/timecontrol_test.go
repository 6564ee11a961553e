package timecontrol

import (
	"math"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/stretchr/testify/assert"
)

func plainShaping() Shaping {
	return Shaping{
		OverallocateTimeFactor: 1.0,
		MidgameTimeFactor:      1.0,
		ObviousMovesTimeFactor: 1.0,
	}
}

func TestNoTimeControlsHasNoBudget(t *testing.T) {
	is := is.New(t)
	tc := NoTimeControls()
	is.Equal(tc.Budget(plainShaping(), 10, 361, math.Inf(1), math.Inf(1), 0), time.Duration(0))
}

func TestAbsoluteSplitsRemainingTime(t *testing.T) {
	is := is.New(t)
	tc := TimeControls{Kind: Absolute, MainTimeLeft: 5 * time.Minute}
	budget := tc.Budget(plainShaping(), 10, 361, math.Inf(1), math.Inf(1), 0)
	is.Equal(budget, 10*time.Second)

	// Less time left, smaller budget.
	tc.MainTimeLeft = time.Minute
	is.True(tc.Budget(plainShaping(), 10, 361, math.Inf(1), math.Inf(1), 0) < budget)
}

func TestByoyomiFloorsAtPeriodTime(t *testing.T) {
	is := is.New(t)
	tc := TimeControls{
		Kind:           Byoyomi,
		MainTimeLeft:   0,
		ByoYomiTime:    10 * time.Second,
		ByoYomiPeriods: 3,
	}
	is.Equal(tc.Budget(plainShaping(), 50, 361, math.Inf(1), math.Inf(1), 0), 10*time.Second)
}

func TestCanadianSpreadsPeriodOverStones(t *testing.T) {
	tc := TimeControls{
		Kind:           Canadian,
		MainTimeLeft:   0,
		PeriodTimeLeft: 60 * time.Second,
		StonesLeft:     20,
	}
	assert.Equal(t, 3*time.Second, tc.Budget(plainShaping(), 50, 361, math.Inf(1), math.Inf(1), 0))
}

func TestFischerCappedBoundsTheBudget(t *testing.T) {
	is := is.New(t)
	tc := TimeControls{
		Kind:         FischerCapped,
		MainTimeLeft: time.Hour,
		Increment:    5 * time.Second,
		IncrementCap: 30 * time.Second,
	}
	budget := tc.Budget(plainShaping(), 10, 361, math.Inf(1), math.Inf(1), 0)
	is.True(budget <= 30*time.Second)
	is.True(budget >= 5*time.Second)
}

func TestHardCapNeverOverrunsClock(t *testing.T) {
	is := is.New(t)
	tc := TimeControls{Kind: Absolute, MainTimeLeft: 2 * time.Second}
	sh := plainShaping()
	sh.OverallocateTimeFactor = 100.0
	sh.LagBuffer = 100 * time.Millisecond
	budget := tc.Budget(sh, 10, 361, math.Inf(1), math.Inf(1), 0)
	is.True(budget <= 2*time.Second-100*time.Millisecond)
}

func TestMidgameFactorPeaksAndDecays(t *testing.T) {
	sh := plainShaping()
	sh.MidgameTimeFactor = 2.0
	sh.MidgameTurnPeakTime = 130
	sh.EndgameTurnTimeDecay = 100

	opening := sh.midgameFactor(0, 361)
	peak := sh.midgameFactor(130, 361)
	endgame := sh.midgameFactor(500, 361)

	assert.InDelta(t, 1.0, opening, 1e-9)
	assert.InDelta(t, 2.0, peak, 1e-9)
	assert.Less(t, endgame, peak)
	assert.GreaterOrEqual(t, endgame, 1.0)
}

func TestObviousMovesShrinkBudget(t *testing.T) {
	sh := plainShaping()
	sh.ObviousMovesTimeFactor = 0.5
	sh.ObviousMovesPolicyEntropyTolerance = 0.30
	sh.ObviousMovesPolicySurpriseTolerance = 0.15

	// A near-zero-entropy policy is maximally obvious.
	obvious := sh.obviousnessFactor(0.01, math.Inf(1))
	assert.Less(t, obvious, 1.0)
	// High entropy: no reduction.
	assert.InDelta(t, 1.0, sh.obviousnessFactor(5.0, math.Inf(1)), 1e-2)
	// A low-surprise previous result shrinks the budget on its own.
	assert.Less(t, sh.obviousnessFactor(math.Inf(1), 0.01), 1.0)
	// Both signals known and obvious: strong reduction.
	both := sh.obviousnessFactor(0.01, 0.01)
	assert.Less(t, both, 0.6)
	// A surprising previous result dampens the reduction.
	assert.Greater(t, sh.obviousnessFactor(0.01, 1.0), both)
	// High surprise: no reduction from the surprise side.
	assert.InDelta(t, 1.0, sh.obviousnessFactor(math.Inf(1), 3.0), 1e-2)
	// Nothing known: no adjustment at all.
	assert.Equal(t, 1.0, sh.obviousnessFactor(math.Inf(1), math.Inf(1)))
}

func TestTreeReuseCarryOver(t *testing.T) {
	is := is.New(t)
	tc := TimeControls{Kind: Absolute, MainTimeLeft: 10 * time.Minute}
	sh := plainShaping()
	base := tc.Budget(sh, 10, 361, math.Inf(1), math.Inf(1), 0)

	sh.TreeReuseCarryOverTimeFactor = 0.5
	withReuse := tc.Budget(sh, 10, 361, math.Inf(1), math.Inf(1), 4*time.Second)
	is.Equal(withReuse, base+2*time.Second)
}
