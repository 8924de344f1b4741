// Package tamper decides, per release attempt, whether a container may be
// opened in the current environment.
//
// An attempt starts Pristine, moves to Evaluating while the fingerprint is
// captured and the detectors run, and ends Released or Destroyed. Nothing is
// persisted: every attempt re-derives its verdict from the container metadata
// and the environment it is presented in.
package tamper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/foxiles/pkg/container"
)

// State of a release attempt.
type State int

const (
	Pristine State = iota
	Evaluating
	Released
	Destroyed
)

func (s State) String() string {
	switch s {
	case Pristine:
		return "pristine"
	case Evaluating:
		return "evaluating"
	case Released:
		return "released"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Rule names, matching the drmRules keys in container metadata.
const (
	RuleExternalUpload = "blockExternalUpload"
	RuleLocalCopy      = "blockLocalCopy"
	RuleNetworkRelay   = "blockNetworkRelay"
)

// Destruction reasons.
const (
	ReasonFingerprintMismatch    = "fingerprint_mismatch"
	ReasonFingerprintUnavailable = "fingerprint_unavailable"
	ReasonRuleViolated           = "rule_violated"
	ReasonExpression             = "expression"
)

// Verdict is the result of one attempt.
type Verdict struct {
	State  State
	Reason string
	Rule   string
}

// Environment is what a release attempt is evaluated against.
type Environment struct {
	Source  FingerprintSource
	Signals Signals
}

// Policy evaluates attempts. The zero value has no detectors, so only the
// fingerprint check applies.
type Policy struct {
	Detectors   map[string]Detector
	Expressions []*ExpressionDetector
	Logger      *slog.Logger
}

// NewPolicy returns a policy with the standard detector for each rule.
func NewPolicy(logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		Detectors: map[string]Detector{
			RuleExternalUpload: NewExternalUploadDetector(DefaultTransferServices),
			RuleLocalCopy:      LocalCopyDetector{},
			RuleNetworkRelay:   NetworkRelayDetector{},
		},
		Logger: logger.With("component", "tamper"),
	}
}

// Evaluate runs a fresh attempt for m in env.
func (p *Policy) Evaluate(ctx context.Context, m container.Metadata, env Environment) Verdict {
	a := p.Begin(m)
	return a.Run(ctx, env)
}

// Begin returns a Pristine attempt for m.
func (p *Policy) Begin(m container.Metadata) *Attempt {
	return &Attempt{policy: p, meta: m}
}

// Attempt is a single release attempt. Run is idempotent: once terminal, the
// same verdict is returned without re-evaluating.
type Attempt struct {
	policy *Policy
	meta   container.Metadata

	mu      sync.Mutex
	state   State
	verdict Verdict
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run evaluates the attempt.
func (a *Attempt) Run(ctx context.Context, env Environment) Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Released || a.state == Destroyed {
		return a.verdict
	}
	a.state = Evaluating
	a.verdict = a.policy.decide(ctx, a.meta, env)
	a.state = a.verdict.State
	a.policy.logger().Info("release attempt evaluated",
		"tracking_id", a.meta.TrackingID, "state", a.verdict.State.String(),
		"reason", a.verdict.Reason, "rule", a.verdict.Rule)
	return a.verdict
}

func (p *Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Policy) decide(ctx context.Context, m container.Metadata, env Environment) Verdict {
	if env.Source == nil {
		return Verdict{State: Destroyed, Reason: ReasonFingerprintUnavailable}
	}
	fp, err := env.Source.Capture(ctx)
	if err != nil {
		p.logger().Warn("fingerprint capture failed", "tracking_id", m.TrackingID, "error", err)
		return Verdict{State: Destroyed, Reason: ReasonFingerprintUnavailable}
	}
	if fp != m.OriginalFingerprint {
		return Verdict{State: Destroyed, Reason: ReasonFingerprintMismatch}
	}

	for _, rule := range activeRules(m.DRMRules) {
		d, ok := p.Detectors[rule]
		if !ok {
			continue
		}
		if d.Violated(ctx, env.Signals) {
			return Verdict{State: Destroyed, Reason: ReasonRuleViolated, Rule: rule}
		}
	}

	for _, e := range p.Expressions {
		violated, err := e.Evaluate(m, env.Signals)
		if err != nil {
			// Fail closed.
			p.logger().Error("tamper expression failed", "name", e.Name, "error", err)
			return Verdict{State: Destroyed, Reason: ReasonExpression, Rule: e.Name}
		}
		if violated {
			return Verdict{State: Destroyed, Reason: ReasonExpression, Rule: e.Name}
		}
	}
	return Verdict{State: Released}
}

// activeRules lists enabled rules in a fixed order so verdicts are stable.
func activeRules(r container.RuleSet) []string {
	var out []string
	if r.BlockExternalUpload {
		out = append(out, RuleExternalUpload)
	}
	if r.BlockLocalCopy {
		out = append(out, RuleLocalCopy)
	}
	if r.BlockNetworkRelay {
		out = append(out, RuleNetworkRelay)
	}
	return out
}

// ParseRules reads a comma separated list of rule names. Blank entries are
// ignored, so "" yields an empty rule set.
func ParseRules(list string) (container.RuleSet, error) {
	var rules container.RuleSet
	for _, name := range strings.Split(list, ",") {
		switch strings.TrimSpace(name) {
		case RuleExternalUpload:
			rules.BlockExternalUpload = true
		case RuleLocalCopy:
			rules.BlockLocalCopy = true
		case RuleNetworkRelay:
			rules.BlockNetworkRelay = true
		case "":
		default:
			return container.RuleSet{}, fmt.Errorf("tamper: unknown rule %q", strings.TrimSpace(name))
		}
	}
	return rules, nil
}
