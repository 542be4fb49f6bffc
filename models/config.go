package models

import "time"

type Expression struct {
	Name        string `json:"name" mapstructure:"name" yaml:"name"`
	Description string `json:"description,omitempty" mapstructure:"description" yaml:"description,omitempty"`
	Expression  string `json:"expression" mapstructure:"expression" yaml:"expression"`
}

type ScoredExpression struct {
	Expression `mapstructure:",squash" yaml:",inline"`
	Points     *float64 `json:"points,omitempty" mapstructure:"points" yaml:"points,omitempty"`
}

// Weight is the number of points the expression is worth. Points default to 1.
func (e ScoredExpression) Weight() float64 {
	if e.Points == nil {
		return 1
	}
	return *e.Points
}

// ServiceConfig bounds the traffic sent to one external service.
type ServiceConfig struct {
	Concurrency          int           `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`
	ConcurrencyWithToken int           `json:"concurrency_with_token,omitempty" mapstructure:"concurrency_with_token" yaml:"concurrency_with_token,omitempty"`
	RequestsPerSecond    float64       `json:"requests_per_second,omitempty" mapstructure:"requests_per_second" yaml:"requests_per_second,omitempty"`
	MaxRetries           int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	MaxPause             time.Duration `json:"max_pause" mapstructure:"max_pause" yaml:"max_pause"`
	TTL                  time.Duration `json:"ttl,omitempty" mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// Limit is the concurrency ceiling, raised when a credential is available.
func (s ServiceConfig) Limit(hasToken bool) int {
	if hasToken && s.ConcurrencyWithToken > s.Concurrency {
		return s.ConcurrencyWithToken
	}
	if s.Concurrency < 1 {
		return 1
	}
	return s.Concurrency
}

type Config struct {
	HighRiskIfAny       []Expression             `json:"high_risk_if_any" mapstructure:"high_risk_if_any" yaml:"high_risk_if_any"`
	Eval                []ScoredExpression       `json:"eval" mapstructure:"eval" yaml:"eval"`
	MediumRiskThreshold float64                  `json:"medium_risk_threshold" mapstructure:"medium_risk_threshold" yaml:"medium_risk_threshold"`
	LowRiskThreshold    float64                  `json:"low_risk_threshold" mapstructure:"low_risk_threshold" yaml:"low_risk_threshold"`
	CacheDir            string                   `json:"cache_dir,omitempty" mapstructure:"cache_dir" yaml:"cache_dir,omitempty"`
	CacheBackend        string                   `json:"cache_backend" mapstructure:"cache_backend" yaml:"cache_backend"`
	CacheTTL            time.Duration            `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MaxPackages         int                      `json:"max_packages" mapstructure:"max_packages" yaml:"max_packages"`
	Services            map[string]ServiceConfig `json:"services" mapstructure:"services" yaml:"services"`
}

const (
	DefaultMediumRiskThreshold = 30.0
	DefaultLowRiskThreshold    = 70.0
)

func DefaultConfig() *Config {
	return &Config{
		HighRiskIfAny: []Expression{
			{
				Name:        "critical_vulnerabilities",
				Description: "The selected version has a known critical vulnerability",
				Expression:  "advisories.version_critical_severity_vulnerabilities > 0",
			},
			{
				Name:        "yanked",
				Description: "The selected version was yanked from the registry",
				Expression:  "stability.yanked == true",
			},
		},
		Eval: []ScoredExpression{
			{Expression: Expression{
				Name:        "no_vulnerabilities",
				Description: "No open advisories affect the selected version",
				Expression:  "advisories.version_high_severity_vulnerabilities + advisories.version_medium_severity_vulnerabilities == 0",
			}, Points: ptr(3.0)},
			{Expression: Expression{
				Name:        "maintained",
				Description: "The repository saw commits in the last 90 days",
				Expression:  "activity.commits_last_90_days > 0",
			}, Points: ptr(2.0)},
			{Expression: Expression{
				Name:        "responsive_issues",
				Description: "Half of the open issues are younger than 90 days",
				Expression:  "activity.p50_open_issue_age_days < 90",
			}},
			{Expression: Expression{
				Name:        "documented",
				Description: "At least 70% of the public API is documented",
				Expression:  "documentation.public_api_coverage_percentage >= 70",
			}},
			{Expression: Expression{
				Name:        "widely_used",
				Description: "More than 10 crates depend on it",
				Expression:  "usage.dependent_crates > 10",
			}},
			{Expression: Expression{
				Name:        "several_contributors",
				Description: "More than one person contributed",
				Expression:  "community.repo_contributors > 1",
			}},
			{Expression: Expression{
				Name:        "not_unmaintained",
				Description: "No advisory declares the crate unmaintained",
				Expression:  "advisories.total_unmaintained_warnings == 0",
			}},
		},
		MediumRiskThreshold: DefaultMediumRiskThreshold,
		LowRiskThreshold:    DefaultLowRiskThreshold,
		CacheBackend:        "file",
		CacheTTL:            24 * time.Hour,
		MaxPackages:         16,
		Services: map[string]ServiceConfig{
			"crates":  {Concurrency: 1, RequestsPerSecond: 1, MaxRetries: 4, MaxPause: 5 * time.Minute},
			"github":  {Concurrency: 2, ConcurrencyWithToken: 8, MaxRetries: 4, MaxPause: 15 * time.Minute},
			"gitlab":  {Concurrency: 2, ConcurrencyWithToken: 8, MaxRetries: 4, MaxPause: 15 * time.Minute},
			"osv":     {Concurrency: 8, MaxRetries: 4, MaxPause: 5 * time.Minute},
			"docsrs":  {Concurrency: 4, MaxRetries: 4, MaxPause: 5 * time.Minute},
			"codecov": {Concurrency: 4, MaxRetries: 3, MaxPause: 5 * time.Minute},
			"gitops":  {Concurrency: 4, MaxRetries: 2, MaxPause: time.Minute},
		},
	}
}

// Service returns the settings for a service, falling back to the defaults.
func (c *Config) Service(name string) ServiceConfig {
	if s, ok := c.Services[name]; ok {
		return s
	}
	if s, ok := DefaultConfig().Services[name]; ok {
		return s
	}
	return ServiceConfig{Concurrency: 1, MaxRetries: 3, MaxPause: 5 * time.Minute}
}

func ptr[T any](v T) *T {
	return &v
}
