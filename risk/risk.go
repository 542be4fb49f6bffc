// Package risk turns evaluated expressions into a risk tier and score.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/rs/zerolog/log"
)

// Program is a compiled expression.
type Program interface {
	Evaluate(ctx context.Context, namespace map[string]any) (any, error)
}

type Evaluator interface {
	Compile(ctx context.Context, expr string) (Program, error)
}

type compiled struct {
	expr    models.Expression
	points  float64
	program Program
}

type Classifier struct {
	highRisk            []compiled
	eval                []compiled
	mediumRiskThreshold float64
	lowRiskThreshold    float64
}

// NewClassifier compiles every configured expression up front. A single
// expression that fails to compile makes the configuration invalid.
func NewClassifier(ctx context.Context, evaluator Evaluator, config *models.Config) (*Classifier, error) {
	if config.MediumRiskThreshold > config.LowRiskThreshold {
		return nil, fmt.Errorf("medium_risk_threshold (%v) exceeds low_risk_threshold (%v)", config.MediumRiskThreshold, config.LowRiskThreshold)
	}

	c := &Classifier{
		mediumRiskThreshold: config.MediumRiskThreshold,
		lowRiskThreshold:    config.LowRiskThreshold,
	}

	var errs []error
	seen := make(map[string]bool)
	add := func(bucket models.BucketKind, expr models.Expression, points float64) *compiled {
		key := string(bucket) + "/" + expr.Name
		switch {
		case expr.Name == "":
			errs = append(errs, fmt.Errorf("%s: expression %q has no name", bucket, expr.Expression))
			return nil
		case seen[key]:
			errs = append(errs, fmt.Errorf("%s: duplicate expression name %q", bucket, expr.Name))
			return nil
		case points < 0:
			errs = append(errs, fmt.Errorf("%s: expression %q has negative points", bucket, expr.Name))
			return nil
		}
		seen[key] = true

		program, err := evaluator.Compile(ctx, expr.Expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", bucket, expr.Name, err))
			return nil
		}
		return &compiled{expr: expr, points: points, program: program}
	}

	for _, expr := range config.HighRiskIfAny {
		if e := add(models.BucketHighRiskIfAny, expr, 0); e != nil {
			c.highRisk = append(c.highRisk, *e)
		}
	}
	for _, expr := range config.Eval {
		if e := add(models.BucketEval, expr.Expression, expr.Weight()); e != nil {
			c.eval = append(c.eval, *e)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Classify evaluates both buckets against a namespace. An expression that
// errors never stops the others: in the high-risk bucket it is inconclusive,
// in the eval bucket it counts toward the total without granting points.
func (c *Classifier) Classify(ctx context.Context, namespace map[string]any) models.RiskScore {
	score := models.RiskScore{
		Outcomes: make([]models.ExpressionOutcome, 0, len(c.highRisk)+len(c.eval)),
	}

	forced := false
	for _, e := range c.highRisk {
		outcome := evaluate(ctx, models.BucketHighRiskIfAny, e, namespace)
		if outcome.Result == models.OutcomeTrue {
			forced = true
		}
		score.Outcomes = append(score.Outcomes, outcome)
	}

	for _, e := range c.eval {
		outcome := evaluate(ctx, models.BucketEval, e, namespace)
		score.Total += e.points
		if outcome.Result == models.OutcomeTrue {
			score.Granted += e.points
		}
		score.Outcomes = append(score.Outcomes, outcome)
	}

	score.Percentage = 100
	if score.Total > 0 {
		score.Percentage = score.Granted * 100 / score.Total
	}

	switch {
	case forced:
		score.Tier = models.TierHigh
	case score.Percentage < c.mediumRiskThreshold:
		score.Tier = models.TierHigh
	case score.Percentage < c.lowRiskThreshold:
		score.Tier = models.TierMedium
	default:
		score.Tier = models.TierLow
	}

	return score
}

func evaluate(ctx context.Context, bucket models.BucketKind, e compiled, namespace map[string]any) models.ExpressionOutcome {
	outcome := models.ExpressionOutcome{
		Bucket:      bucket,
		Name:        e.expr.Name,
		Description: e.expr.Description,
		Points:      e.points,
	}

	value, err := e.program.Evaluate(ctx, namespace)
	if err == nil {
		b, ok := value.(bool)
		if !ok {
			err = fmt.Errorf("result %v is not a boolean", value)
		} else if b {
			outcome.Result = models.OutcomeTrue
		} else {
			outcome.Result = models.OutcomeFalse
		}
	}

	if err != nil {
		log.Debug().Err(err).Str("bucket", string(bucket)).Str("expression", e.expr.Name).Msg("expression could not be evaluated")
		outcome.Result = models.OutcomeError
		outcome.Error = err.Error()
	}
	return outcome
}
