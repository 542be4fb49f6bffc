package models

type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"
)

type BucketKind string

const (
	BucketHighRiskIfAny BucketKind = "high_risk_if_any"
	BucketEval          BucketKind = "eval"
)

type OutcomeResult string

const (
	OutcomeTrue  OutcomeResult = "true"
	OutcomeFalse OutcomeResult = "false"
	OutcomeError OutcomeResult = "error"
)

// ExpressionOutcome records how one configured expression fared for one package.
type ExpressionOutcome struct {
	Bucket      BucketKind    `json:"bucket"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Points      float64       `json:"points,omitempty"`
	Result      OutcomeResult `json:"result"`
	Error       string        `json:"error,omitempty"`
}

type RiskScore struct {
	Granted    float64             `json:"granted"`
	Total      float64             `json:"total"`
	Percentage float64             `json:"percentage"`
	Tier       Tier                `json:"tier"`
	Outcomes   []ExpressionOutcome `json:"outcomes"`
}

// HighRiskTriggers returns the names of the high-risk expressions that held.
func (s *RiskScore) HighRiskTriggers() []string {
	var names []string
	for _, o := range s.Outcomes {
		if o.Bucket == BucketHighRiskIfAny && o.Result == OutcomeTrue {
			names = append(names, o.Name)
		}
	}
	return names
}
