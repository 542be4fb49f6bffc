package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvaluator resolves expressions to canned results: "true", "false",
// "error", "number" or "bad" (which fails to compile).
type fakeEvaluator struct{}

type fakeProgram string

func (fakeEvaluator) Compile(_ context.Context, expr string) (Program, error) {
	if expr == "bad" {
		return nil, errors.New("parse error")
	}
	return fakeProgram(expr), nil
}

func (p fakeProgram) Evaluate(context.Context, map[string]any) (any, error) {
	switch p {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "number":
		return 42, nil
	}
	return nil, errors.New("expression is undefined")
}

func config(high []string, eval ...models.ScoredExpression) *models.Config {
	c := &models.Config{
		MediumRiskThreshold: models.DefaultMediumRiskThreshold,
		LowRiskThreshold:    models.DefaultLowRiskThreshold,
		Eval:                eval,
	}
	for i, expr := range high {
		c.HighRiskIfAny = append(c.HighRiskIfAny, models.Expression{Name: "high" + string(rune('a'+i)), Expression: expr})
	}
	return c
}

func scored(name, expr string, points float64) models.ScoredExpression {
	return models.ScoredExpression{
		Expression: models.Expression{Name: name, Expression: expr},
		Points:     &points,
	}
}

func classify(t *testing.T, c *models.Config) models.RiskScore {
	t.Helper()
	classifier, err := NewClassifier(context.Background(), fakeEvaluator{}, c)
	require.NoError(t, err)
	return classifier.Classify(context.Background(), map[string]any{})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		config     *models.Config
		granted    float64
		total      float64
		percentage float64
		tier       models.Tier
	}{
		{
			name:       "partial score",
			config:     config(nil, scored("a", "true", 3), scored("b", "false", 3), scored("c", "true", 2)),
			granted:    5,
			total:      8,
			percentage: 62.5,
			tier:       models.TierMedium,
		},
		{
			name:       "empty eval",
			config:     config(nil),
			percentage: 100,
			tier:       models.TierLow,
		},
		{
			name:       "everything holds",
			config:     config(nil, scored("a", "true", 1), scored("b", "true", 1)),
			granted:    2,
			total:      2,
			percentage: 100,
			tier:       models.TierLow,
		},
		{
			name:       "below medium threshold",
			config:     config(nil, scored("a", "true", 1), scored("b", "false", 3)),
			granted:    1,
			total:      4,
			percentage: 25,
			tier:       models.TierHigh,
		},
		{
			name:       "exactly at low threshold",
			config:     config(nil, scored("a", "true", 7), scored("b", "false", 3)),
			granted:    7,
			total:      10,
			percentage: 70,
			tier:       models.TierLow,
		},
		{
			name:       "exactly at medium threshold",
			config:     config(nil, scored("a", "true", 3), scored("b", "false", 7)),
			granted:    3,
			total:      10,
			percentage: 30,
			tier:       models.TierMedium,
		},
		{
			name:       "unknown field counts toward total",
			config:     config(nil, scored("a", "true", 1), scored("b", "undefined", 1)),
			granted:    1,
			total:      2,
			percentage: 50,
			tier:       models.TierMedium,
		},
		{
			name:       "high risk forces tier but eval is scored",
			config:     config([]string{"false", "true"}, scored("a", "true", 1)),
			granted:    1,
			total:      1,
			percentage: 100,
			tier:       models.TierHigh,
		},
		{
			name:       "high risk errors are inconclusive",
			config:     config([]string{"undefined", "number"}, scored("a", "true", 1)),
			granted:    1,
			total:      1,
			percentage: 100,
			tier:       models.TierLow,
		},
		{
			name:       "zero points",
			config:     config(nil, scored("a", "false", 0)),
			percentage: 100,
			tier:       models.TierLow,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			score := classify(t, c.config)
			assert.Equal(t, c.granted, score.Granted)
			assert.Equal(t, c.total, score.Total)
			assert.InDelta(t, c.percentage, score.Percentage, 0.0001)
			assert.Equal(t, c.tier, score.Tier)
			assert.Len(t, score.Outcomes, len(c.config.HighRiskIfAny)+len(c.config.Eval))
		})
	}
}

func TestClassifyOutcomes(t *testing.T) {
	score := classify(t, config([]string{"true", "undefined"}, scored("a", "number", 2), scored("b", "false", 1)))

	require.Len(t, score.Outcomes, 4)
	assert.Equal(t, []string{"higha"}, score.HighRiskTriggers())

	assert.Equal(t, models.BucketHighRiskIfAny, score.Outcomes[1].Bucket)
	assert.Equal(t, models.OutcomeError, score.Outcomes[1].Result)
	assert.Equal(t, "expression is undefined", score.Outcomes[1].Error)

	assert.Equal(t, models.BucketEval, score.Outcomes[2].Bucket)
	assert.Equal(t, models.OutcomeError, score.Outcomes[2].Result)
	assert.Contains(t, score.Outcomes[2].Error, "not a boolean")
	assert.Equal(t, 2.0, score.Outcomes[2].Points)

	assert.Equal(t, models.OutcomeFalse, score.Outcomes[3].Result)
	assert.Equal(t, 0.0, score.Granted)
	assert.Equal(t, 3.0, score.Total)
}

func TestDefaultPoints(t *testing.T) {
	c := config(nil, models.ScoredExpression{Expression: models.Expression{Name: "a", Expression: "true"}})
	score := classify(t, c)
	assert.Equal(t, 1.0, score.Total)
	assert.Equal(t, 1.0, score.Granted)
}

func TestNewClassifierRejectsInvalidConfig(t *testing.T) {
	cases := map[string]*models.Config{
		"compile error":      config([]string{"bad"}),
		"missing name":       {Eval: []models.ScoredExpression{{Expression: models.Expression{Expression: "true"}}}},
		"duplicate name":     config(nil, scored("a", "true", 1), scored("a", "false", 1)),
		"negative points":    config(nil, scored("a", "true", -1)),
		"inverted threshold": {MediumRiskThreshold: 80, LowRiskThreshold: 20},
	}

	for name, c := range cases {
		_, err := NewClassifier(context.Background(), fakeEvaluator{}, c)
		assert.Error(t, err, name)
	}
}
