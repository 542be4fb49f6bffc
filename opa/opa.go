package opa

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/risk"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
	"github.com/rs/zerolog/log"
)

const resultVar = "__result"

var ErrUndefined = errors.New("expression is undefined")

// builtins an expression must never reach: network, runtime and tracing access.
var deniedBuiltins = []string{
	"http.send",
	"net.lookup_ip_addr",
	"opa.runtime",
	"rego.parse_module",
	"trace",
}

type Opa struct {
	capabilities *ast.Capabilities
	imports      []string
}

func NewOpa() *Opa {
	registerBuiltinFunctions()

	imports := make([]string, 0, len(models.Categories)+1)
	for _, c := range models.Categories {
		imports = append(imports, "input."+string(c))
	}
	imports = append(imports, "input."+models.NowField)

	return &Opa{
		capabilities: Capabilities(),
		imports:      imports,
	}
}

func (o *Opa) Print(ctx print.Context, s string) error {
	log.Debug().Ctx(ctx.Context).Str("location", ctx.Location.String()).Msg(s)
	return nil
}

// Compile prepares expr for repeated evaluation. Category names resolve to the
// matching namespace entries, so `activity.open_issues > 100` is a complete query.
func (o *Opa) Compile(ctx context.Context, expr string) (risk.Program, error) {
	r := rego.New(
		rego.Query(fmt.Sprintf("%s := (%s)", resultVar, expr)),
		rego.Imports(o.imports),
		rego.Capabilities(o.capabilities),
		rego.StrictBuiltinErrors(true),
		rego.EnablePrintStatements(true),
		rego.PrintHook(o),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, err)
	}

	return &Query{expr: expr, prepared: prepared}, nil
}

type Query struct {
	expr     string
	prepared rego.PreparedEvalQuery
}

// Evaluate runs the query against a metrics namespace. An expression touching
// a field the namespace lacks yields ErrUndefined.
func (q *Query) Evaluate(ctx context.Context, namespace map[string]any) (any, error) {
	opts := []rego.EvalOption{rego.EvalInput(namespace)}
	if now, ok := namespace[models.NowField].(string); ok {
		if t, err := time.Parse(time.RFC3339, now); err == nil {
			opts = append(opts, rego.EvalTime(t))
		}
	}

	rs, err := q.prepared.Eval(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if len(rs) == 0 {
		return nil, ErrUndefined
	}

	val, ok := rs[0].Bindings[resultVar]
	if !ok {
		return nil, ErrUndefined
	}
	return val, nil
}

func (q *Query) String() string {
	return q.expr
}

// Capabilities is the builtin set for this OPA version, including the
// registered custom builtins, minus the denied ones.
func Capabilities() *ast.Capabilities {
	registerBuiltinFunctions()

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.AllowNet = []string{}
	capabilities.Builtins = slices.DeleteFunc(capabilities.Builtins, func(b *ast.Builtin) bool {
		return slices.Contains(deniedBuiltins, b.Name)
	})
	return capabilities
}
