package search

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/quetzal-engine/quetzal/common"
)

// SearchParams carries every tunable of the search. A params value is
// immutable for the duration of one running search; the async bot stops the
// search before swapping it.
type SearchParams struct {
	// Utility function.
	WinLossUtilityFactor    float64 `yaml:"winLossUtilityFactor"`
	NoResultUtilityForWhite float64 `yaml:"noResultUtilityForWhite"`

	// Tree exploration.
	CpuctExploration     float64 `yaml:"cpuctExploration"`
	CpuctExplorationLog  float64 `yaml:"cpuctExplorationLog"`
	CpuctExplorationBase float64 `yaml:"cpuctExplorationBase"`

	CpuctUtilityStdevPrior       float64 `yaml:"cpuctUtilityStdevPrior"`
	CpuctUtilityStdevPriorWeight float64 `yaml:"cpuctUtilityStdevPriorWeight"`
	CpuctUtilityStdevScale       float64 `yaml:"cpuctUtilityStdevScale"`

	FpuReductionMax float64 `yaml:"fpuReductionMax"`
	FpuLossProp     float64 `yaml:"fpuLossProp"`

	FpuParentWeightByVisitedPolicy    bool    `yaml:"fpuParentWeightByVisitedPolicy"`
	FpuParentWeightByVisitedPolicyPow float64 `yaml:"fpuParentWeightByVisitedPolicyPow"`
	FpuParentWeight                   float64 `yaml:"fpuParentWeight"`

	// Tree value aggregation.
	ValueWeightExponent    float64 `yaml:"valueWeightExponent"`
	UseNoisePruning        bool    `yaml:"useNoisePruning"`
	NoisePruneUtilityScale float64 `yaml:"noisePruneUtilityScale"`
	NoisePruningCap        float64 `yaml:"noisePruningCap"`

	// Uncertainty weighting.
	UseUncertainty       bool    `yaml:"useUncertainty"`
	UncertaintyCoeff     float64 `yaml:"uncertaintyCoeff"`
	UncertaintyExponent  float64 `yaml:"uncertaintyExponent"`
	UncertaintyMaxWeight float64 `yaml:"uncertaintyMaxWeight"`

	// Graph search.
	UseGraphSearch             bool    `yaml:"useGraphSearch"`
	GraphSearchCatchUpLeakProb float64 `yaml:"graphSearchCatchUpLeakProb"`

	// Guard against nonterminating descent through repeated states.
	SimpleRepetitionBoundGt int `yaml:"simpleRepetitionBoundGt"`

	// Root.
	RootNoiseEnabled                     bool    `yaml:"rootNoiseEnabled"`
	RootDirichletNoiseTotalConcentration float64 `yaml:"rootDirichletNoiseTotalConcentration"`
	RootDirichletNoiseWeight             float64 `yaml:"rootDirichletNoiseWeight"`

	RootPolicyTemperature          float64 `yaml:"rootPolicyTemperature"`
	RootPolicyTemperatureEarly     float64 `yaml:"rootPolicyTemperatureEarly"`
	RootFpuReductionMax            float64 `yaml:"rootFpuReductionMax"`
	RootFpuLossProp                float64 `yaml:"rootFpuLossProp"`
	RootNumSymmetriesToSample      int     `yaml:"rootNumSymmetriesToSample"`
	RootSymmetryPruning            bool    `yaml:"rootSymmetryPruning"`
	RootDesiredPerChildVisitsCoeff float64 `yaml:"rootDesiredPerChildVisitsCoeff"`

	// Choosing the move to play.
	ChosenMoveTemperature         float64 `yaml:"chosenMoveTemperature"`
	ChosenMoveTemperatureEarly    float64 `yaml:"chosenMoveTemperatureEarly"`
	ChosenMoveTemperatureHalflife float64 `yaml:"chosenMoveTemperatureHalflife"`
	ChosenMoveSubtract            float64 `yaml:"chosenMoveSubtract"`
	ChosenMovePrune               float64 `yaml:"chosenMovePrune"`

	UseLcbForSelection bool    `yaml:"useLcbForSelection"`
	LcbStdevs          float64 `yaml:"lcbStdevs"`
	MinVisitPropForLCB float64 `yaml:"minVisitPropForLCB"`
	UseNonBuggyLcb     bool    `yaml:"useNonBuggyLcb"`

	RootPruneUselessMoves bool    `yaml:"rootPruneUselessMoves"`
	WideRootNoise         float64 `yaml:"wideRootNoise"`

	PlayoutDoublingAdvantage    float64       `yaml:"playoutDoublingAdvantage"`
	PlayoutDoublingAdvantagePla common.Player `yaml:"playoutDoublingAdvantagePla"`

	NNPolicyTemperature float64 `yaml:"nnPolicyTemperature"`

	// Threading.
	NodeTableShardsPowerOfTwo int     `yaml:"nodeTableShardsPowerOfTwo"`
	NumVirtualLossesPerThread float64 `yaml:"numVirtualLossesPerThread"`

	NumThreads  int           `yaml:"numThreads"`
	MaxVisits   int64         `yaml:"maxVisits"`
	MaxPlayouts int64         `yaml:"maxPlayouts"`
	MaxTime     time.Duration `yaml:"maxTime"`

	MaxVisitsPondering   int64         `yaml:"maxVisitsPondering"`
	MaxPlayoutsPondering int64         `yaml:"maxPlayoutsPondering"`
	MaxTimePondering     time.Duration `yaml:"maxTimePondering"`

	// Time to reserve for lag when using a time control.
	LagBuffer time.Duration `yaml:"lagBuffer"`

	// Time control shaping.
	TreeReuseCarryOverTimeFactor        float64 `yaml:"treeReuseCarryOverTimeFactor"`
	OverallocateTimeFactor              float64 `yaml:"overallocateTimeFactor"`
	MidgameTimeFactor                   float64 `yaml:"midgameTimeFactor"`
	MidgameTurnPeakTime                 float64 `yaml:"midgameTurnPeakTime"`
	EndgameTurnTimeDecay                float64 `yaml:"endgameTurnTimeDecay"`
	ObviousMovesTimeFactor              float64 `yaml:"obviousMovesTimeFactor"`
	ObviousMovesPolicyEntropyTolerance  float64 `yaml:"obviousMovesPolicyEntropyTolerance"`
	ObviousMovesPolicySurpriseTolerance float64 `yaml:"obviousMovesPolicySurpriseTolerance"`

	FutileVisitsThreshold float64       `yaml:"futileVisitsThreshold"`
	FinishGameSearchDelay time.Duration `yaml:"finishGameSearchDelay"`
}

const maxSearchVisits = int64(1) << 50

// DefaultParams returns conservative single-threaded defaults, matching the
// shape of the training-time search configuration.
func DefaultParams() SearchParams {
	return SearchParams{
		WinLossUtilityFactor:    1.0,
		NoResultUtilityForWhite: 0.0,

		CpuctExploration:     1.0,
		CpuctExplorationLog:  0.0,
		CpuctExplorationBase: 500.0,

		CpuctUtilityStdevPrior:       0.40,
		CpuctUtilityStdevPriorWeight: 2.0,
		CpuctUtilityStdevScale:       0.0,

		FpuReductionMax: 0.2,

		NoisePruneUtilityScale: 0.15,
		NoisePruningCap:        1e50,

		UncertaintyCoeff:     0.25,
		UncertaintyExponent:  1.0,
		UncertaintyMaxWeight: 8.0,

		SimpleRepetitionBoundGt: 2,

		RootDirichletNoiseTotalConcentration: 10.83,
		RootDirichletNoiseWeight:             0.25,

		RootPolicyTemperature:      1.0,
		RootPolicyTemperatureEarly: 1.0,

		ChosenMoveTemperature:         0.0,
		ChosenMoveTemperatureEarly:    0.0,
		ChosenMoveTemperatureHalflife: 19.0,
		ChosenMoveSubtract:            0.0,
		ChosenMovePrune:               1.0,

		LcbStdevs:          5.0,
		MinVisitPropForLCB: 0.15,
		UseNonBuggyLcb:     true,

		NNPolicyTemperature: 1.0,

		NodeTableShardsPowerOfTwo: 10,
		NumVirtualLossesPerThread: 1.0,

		NumThreads:  1,
		MaxVisits:   maxSearchVisits,
		MaxPlayouts: maxSearchVisits,
		MaxTime:     1 << 40, // effectively unbounded

		MaxVisitsPondering:   maxSearchVisits,
		MaxPlayoutsPondering: maxSearchVisits,
		MaxTimePondering:     1 << 40,

		LagBuffer: 0,

		TreeReuseCarryOverTimeFactor:        0.0,
		OverallocateTimeFactor:              1.0,
		MidgameTimeFactor:                   1.0,
		MidgameTurnPeakTime:                 130.0,
		EndgameTurnTimeDecay:                100.0,
		ObviousMovesTimeFactor:              1.0,
		ObviousMovesPolicyEntropyTolerance:  0.30,
		ObviousMovesPolicySurpriseTolerance: 0.15,

		FutileVisitsThreshold: 0.0,
	}
}

// ParamsForTestsV1 is a preset representative of real play configurations of
// an earlier generation: plain PUCT, no uncertainty, tree search.
func ParamsForTestsV1() SearchParams {
	p := DefaultParams()
	p.CpuctExploration = 0.9
	p.FpuReductionMax = 0.2
	p.RootFpuReductionMax = 0.1
	p.ValueWeightExponent = 0.5
	p.RootPolicyTemperatureEarly = 1.25
	p.UseLcbForSelection = true
	p.LcbStdevs = 4.0
	p.MinVisitPropForLCB = 0.05
	return p
}

// ParamsForTestsV2 is a preset representative of more recent play
// configurations: log-scaled cpuct, uncertainty weighting, noise pruning.
func ParamsForTestsV2() SearchParams {
	p := DefaultParams()
	p.CpuctExploration = 1.0
	p.CpuctExplorationLog = 0.4
	p.CpuctUtilityStdevScale = 0.85
	p.FpuReductionMax = 0.2
	p.RootFpuReductionMax = 0.1
	p.FpuParentWeightByVisitedPolicy = true
	p.FpuParentWeightByVisitedPolicyPow = 2.0
	p.ValueWeightExponent = 0.25
	p.UseNoisePruning = true
	p.UseUncertainty = true
	p.UncertaintyCoeff = 0.25
	p.UncertaintyExponent = 1.0
	p.UncertaintyMaxWeight = 8.0
	p.RootPolicyTemperatureEarly = 1.25
	p.UseLcbForSelection = true
	p.LcbStdevs = 5.0
	p.MinVisitPropForLCB = 0.15
	return p
}

// Validate rejects configurations the search cannot run with. Called once at
// bot setup; a failure is fatal for that bot instance.
func (p SearchParams) Validate() error {
	if p.NumThreads <= 0 {
		return fmt.Errorf("search: numThreads must be positive, got %d", p.NumThreads)
	}
	if p.MaxVisits <= 0 || p.MaxPlayouts <= 0 {
		return fmt.Errorf("search: visit and playout caps must be positive")
	}
	if p.MaxTime <= 0 || p.MaxTimePondering <= 0 {
		return fmt.Errorf("search: time caps must be positive")
	}
	if p.NodeTableShardsPowerOfTwo < 0 || p.NodeTableShardsPowerOfTwo > 20 {
		return fmt.Errorf("search: nodeTableShardsPowerOfTwo out of range: %d", p.NodeTableShardsPowerOfTwo)
	}
	if p.UseUncertainty && (p.UncertaintyCoeff <= 0 || p.UncertaintyMaxWeight <= 0) {
		return fmt.Errorf("search: uncertainty weighting requires positive coeff and max weight")
	}
	if p.RootNoiseEnabled && p.RootDirichletNoiseTotalConcentration <= 0 {
		return fmt.Errorf("search: dirichlet noise requires positive total concentration")
	}
	if p.ChosenMoveTemperature < 0 || p.ChosenMoveTemperatureEarly < 0 {
		return fmt.Errorf("search: chosen move temperatures must be nonnegative")
	}
	if p.MinVisitPropForLCB <= 0 && p.UseLcbForSelection {
		return fmt.Errorf("search: useLcbForSelection requires positive minVisitPropForLCB")
	}
	if math.IsNaN(p.CpuctExploration) || math.IsNaN(p.FpuReductionMax) {
		return fmt.Errorf("search: NaN in exploration parameters")
	}
	return nil
}

// FailIfParamsDifferOnUnchangeableParameter rejects a dynamic params update
// that flips a parameter the tree's existing contents depend on. Such a
// change requires clearing the search instead.
func FailIfParamsDifferOnUnchangeableParameter(initial, dynamic SearchParams) error {
	if initial.UseGraphSearch != dynamic.UseGraphSearch {
		return fmt.Errorf("search: cannot change useGraphSearch without clearing the search")
	}
	if initial.NodeTableShardsPowerOfTwo != dynamic.NodeTableShardsPowerOfTwo {
		return fmt.Errorf("search: cannot change nodeTableShardsPowerOfTwo without clearing the search")
	}
	if initial.NNPolicyTemperature != dynamic.NNPolicyTemperature {
		return fmt.Errorf("search: cannot change nnPolicyTemperature without clearing the search")
	}
	return nil
}

// PrintParams logs the full parameter set at the given level.
func (p SearchParams) PrintParams(ev *zerolog.Event) {
	out, err := yaml.Marshal(p)
	if err != nil {
		ev.AnErr("marshalError", err).Msg("search-params")
		return
	}
	ev.Str("params", string(out)).Msg("search-params")
}
