package search

import (
	"testing"

	"github.com/matryer/is"
	"gopkg.in/yaml.v3"
)

func TestDefaultParamsValidate(t *testing.T) {
	is := is.New(t)
	is.NoErr(DefaultParams().Validate())
	is.NoErr(ParamsForTestsV1().Validate())
	is.NoErr(ParamsForTestsV2().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	is := is.New(t)

	p := DefaultParams()
	p.NumThreads = 0
	is.True(p.Validate() != nil)

	p = DefaultParams()
	p.MaxVisits = 0
	is.True(p.Validate() != nil)

	p = DefaultParams()
	p.UseUncertainty = true
	p.UncertaintyMaxWeight = 0
	is.True(p.Validate() != nil)

	p = DefaultParams()
	p.RootNoiseEnabled = true
	p.RootDirichletNoiseTotalConcentration = 0
	is.True(p.Validate() != nil)
}

func TestUnchangeableParameterCheck(t *testing.T) {
	is := is.New(t)
	a := DefaultParams()
	b := DefaultParams()
	is.NoErr(FailIfParamsDifferOnUnchangeableParameter(a, b))

	b.UseGraphSearch = true
	is.True(FailIfParamsDifferOnUnchangeableParameter(a, b) != nil)

	b = DefaultParams()
	b.NNPolicyTemperature = 1.3
	is.True(FailIfParamsDifferOnUnchangeableParameter(a, b) != nil)

	// Caps and exploration constants are freely changeable.
	b = DefaultParams()
	b.MaxVisits = 12345
	b.CpuctExploration = 2.0
	is.NoErr(FailIfParamsDifferOnUnchangeableParameter(a, b))
}

func TestParamsYamlRoundTripKeepsTunables(t *testing.T) {
	is := is.New(t)
	p := ParamsForTestsV2()
	out, err := yaml.Marshal(p)
	is.NoErr(err)

	var back SearchParams
	is.NoErr(yaml.Unmarshal(out, &back))
	is.Equal(back.CpuctExploration, p.CpuctExploration)
	is.Equal(back.UseNoisePruning, p.UseNoisePruning)
	is.Equal(back.UncertaintyMaxWeight, p.UncertaintyMaxWeight)
	is.Equal(back.MaxVisits, p.MaxVisits)
}
