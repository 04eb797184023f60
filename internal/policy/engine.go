// Package policy decides whether a mutating operation may proceed.
//
// Decisions combine a static per-operation check (fixed in the operations
// table) with declarative rules loaded from YAML. The engine holds no
// mutable state and is safe for concurrent use.
package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Request is a mutation awaiting a decision.
type Request struct {
	Op    Operation
	Actor string
	// Target is the resource acted on: a lock key, task id, task type or
	// handoff owner, depending on Op.
	Target string
	// Content carries free text for remember and check_guardrails.
	Content string
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Violation is a guardrail match.
type Violation struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
	Match    string `json:"match"`
}

type compiledGuardrail struct {
	Guardrail
	re *regexp.Regexp
}

// Engine evaluates requests against a Config.
type Engine struct {
	cfg        *Config
	guardrails []compiledGuardrail
}

// NewEngine validates cfg and compiles its guardrails.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, g := range cfg.Guardrails {
		e.guardrails = append(e.guardrails, compiledGuardrail{Guardrail: g, re: regexp.MustCompile(g.Pattern)})
	}
	return e, nil
}

// Evaluate decides req. Static checks run first; then the first matching
// rule wins, falling back to the configured default.
func (e *Engine) Evaluate(req Request) Decision {
	def, ok := operations[req.Op]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown operation %d", int(req.Op))}
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Decision{Rule: "static", Reason: "actor is required"}
	}
	if def.check != nil {
		if err := def.check(req); err != nil {
			return Decision{Rule: "static", Reason: err.Error()}
		}
	}

	for i, r := range e.cfg.Rules {
		if !r.matches(req) {
			continue
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}
		if r.Effect == EffectAllow {
			return Decision{Allowed: true, Rule: name}
		}
		return Decision{Rule: name, Reason: fmt.Sprintf("%s denied for %s by %s", req.Op, req.Actor, name)}
	}

	if e.cfg.Default == EffectDeny {
		return Decision{Rule: "default", Reason: fmt.Sprintf("%s denied for %s by default policy", req.Op, req.Actor)}
	}
	return Decision{Allowed: true, Rule: "default"}
}

// CheckGuardrails returns every guardrail text trips.
func (e *Engine) CheckGuardrails(text string) []Violation {
	var out []Violation
	for _, g := range e.guardrails {
		if m := g.re.FindString(text); m != "" {
			out = append(out, Violation{Name: g.Name, Severity: g.Severity, Message: g.Message, Match: m})
		}
	}
	return out
}

// Blocking reports whether any violation has block severity.
func Blocking(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

func (r Rule) matches(req Request) bool {
	return matchAny(r.Actors, req.Actor) && matchOperation(r.Operations, req.Op) && matchAny(r.Targets, req.Target)
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, value); ok {
			return true
		}
	}
	return false
}

func matchOperation(names []string, op Operation) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n == "*" || n == op.String() {
			return true
		}
	}
	return false
}
