package tamper

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/foxiles/pkg/container"
)

// ExpressionDetector destroys content when a CEL expression evaluates to true.
//
// The expression sees two variables:
//
//	signals:  {destination, relayHops, localCopy, attributes}
//	metadata: {ownerIdentity, trackingId, contentKind, formatVersion, createdAt, rules}
//
// Example: `signals.attributes["client"] == "headless" && metadata.contentKind == "video"`.
type ExpressionDetector struct {
	Name       string
	Expression string
	program    cel.Program
}

var celEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.DynType),
		cel.Variable("metadata", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("tamper: cel env: %v", err))
	}
	return env
}

// NewExpressionDetector compiles expr. It must yield a bool.
func NewExpressionDetector(name, expr string) (*ExpressionDetector, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("tamper: compile %q: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("tamper: expression %q yields %s, want bool", name, ast.OutputType())
	}
	prg, err := celEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("tamper: program %q: %w", name, err)
	}
	return &ExpressionDetector{Name: name, Expression: expr, program: prg}, nil
}

// Evaluate reports whether the expression flags this attempt.
func (e *ExpressionDetector) Evaluate(m container.Metadata, s Signals) (bool, error) {
	hops := make([]any, len(s.RelayHops))
	for i, h := range s.RelayHops {
		hops[i] = h
	}
	attrs := make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}

	out, _, err := e.program.Eval(map[string]any{
		"signals": map[string]any{
			"destination": normalizeHost(s.DestinationHost),
			"relayHops":   hops,
			"localCopy":   s.LocalCopy,
			"attributes":  attrs,
		},
		"metadata": map[string]any{
			"ownerIdentity": m.OwnerIdentity,
			"trackingId":    m.TrackingID.String(),
			"contentKind":   m.ContentKind,
			"formatVersion": m.FormatVersion,
			"createdAt":     m.CreatedAt,
			"rules": map[string]any{
				RuleExternalUpload: m.DRMRules.BlockExternalUpload,
				RuleLocalCopy:      m.DRMRules.BlockLocalCopy,
				RuleNetworkRelay:   m.DRMRules.BlockNetworkRelay,
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result %T is not bool", out.Value())
	}
	return v, nil
}
