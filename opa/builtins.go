package opa

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/types"
)

var registerOnce sync.Once

func registerBuiltinFunctions() {
	registerOnce.Do(func() {
		rego.RegisterBuiltin2(
			&rego.Function{
				Name: "semver.constraint_check",
				Decl: types.NewFunction(types.Args(types.S, types.S), types.B),
			},
			semverConstraintCheck,
		)

		rego.RegisterBuiltin1(
			&rego.Function{
				Name: "days_since",
				Decl: types.NewFunction(types.Args(types.S), types.N),
			},
			daysSince,
		)
	})
}

func semverConstraintCheck(_ rego.BuiltinContext, a, b *ast.Term) (*ast.Term, error) {
	var constraint, v string
	if err := ast.As(a.Value, &constraint); err != nil {
		return nil, err
	}
	if err := ast.As(b.Value, &v); err != nil {
		return nil, err
	}

	semver, err := version.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", v, err)
	}

	constraints, err := version.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}

	return ast.BooleanTerm(constraints.Check(semver)), nil
}

// daysSince counts whole days between an RFC 3339 timestamp and the
// evaluation time. Timestamps in the future yield zero.
func daysSince(bctx rego.BuiltinContext, a *ast.Term) (*ast.Term, error) {
	var s string
	if err := ast.As(a.Value, &s); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	now := time.Now()
	if bctx.Time != nil {
		if n, ok := bctx.Time.Value.(ast.Number); ok {
			if ns, ok := n.Int64(); ok {
				now = time.Unix(0, ns)
			}
		}
	}

	days := math.Floor(now.Sub(ts).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return ast.IntNumberTerm(int(days)), nil
}
