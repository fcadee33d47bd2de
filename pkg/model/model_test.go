package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTechniqueKey(t *testing.T) {
	assert.Equal(t, "arithmetic_mean", TechniqueArithmeticMean.Key(75))
	assert.Equal(t, "best_fit.linear", TechniqueBestFitLinear.Key(0))
	assert.Equal(t, "percentile_90", TechniquePercentile.Key(90))
}

func TestStepSpecActiveTechnique(t *testing.T) {
	s := DefaultStepSpec()
	tech, p := s.ActiveTechnique()
	assert.Equal(t, TechniquePercentile, tech)
	assert.Equal(t, 75, p)

	s.Iterated = true
	tech, _ = s.ActiveTechnique()
	assert.Equal(t, TechniqueBestFitLinear, tech)
	assert.Equal(t, "best_fit.linear", s.TechniqueKey())
}

func TestBarSchemaValidate(t *testing.T) {
	step := func(pos int, name string) StepSpec {
		s := DefaultStepSpec()
		s.Position = pos
		s.Name = name
		return s
	}

	schema := &BarSchema{
		Default: DefaultStepSpec(),
		Steps:   []StepSpec{step(1, "download"), step(2, "process")},
	}
	require.NoError(t, schema.Validate())
	assert.Equal(t, 2, schema.FinalPosition())
	assert.Equal(t, "process", schema.StepAt(2).Name)
	assert.Nil(t, schema.StepAt(3))

	gap := &BarSchema{
		Default: DefaultStepSpec(),
		Steps:   []StepSpec{step(1, "download"), step(3, "process")},
	}
	require.Error(t, gap.Validate())

	reserved := &BarSchema{
		Default: DefaultStepSpec(),
		Steps:   []StepSpec{step(1, "default")},
	}
	require.Error(t, reserved.Validate())

	dupe := &BarSchema{
		Default: DefaultStepSpec(),
		Steps:   []StepSpec{step(1, "download"), step(2, "download")},
	}
	require.Error(t, dupe.Validate())
}

func TestTraceComplete(t *testing.T) {
	tr := &Trace{Steps: []TraceStep{
		{Position: 1, StartedAt: 1, FinishedAt: 2},
		{Position: 2, StartedAt: 2, FinishedAt: 5},
	}}
	assert.True(t, tr.Complete(2))
	assert.False(t, tr.Complete(3))

	unfinished := &Trace{Steps: []TraceStep{{Position: 1, StartedAt: 1}}}
	assert.False(t, unfinished.Complete(1))

	backwards := &Trace{Steps: []TraceStep{
		{Position: 1, StartedAt: 1, FinishedAt: 5},
		{Position: 2, StartedAt: 2, FinishedAt: 6},
	}}
	assert.False(t, backwards.Complete(2))
}
