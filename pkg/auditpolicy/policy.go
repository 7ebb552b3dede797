// Package auditpolicy implements the audit store's pre-persistence sampling
// hook: a CEL boolean expression evaluated against each candidate event,
// deciding whether it is kept or sampled out. The default policy keeps
// every event.
package auditpolicy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultExpression is the policy that keeps every event, matching the
// append protocol's documented default.
const DefaultExpression = "true"

// Policy decides whether an audit event should be persisted.
type Policy struct {
	program cel.Program
	source  string
}

// Candidate is the struct view of an event the CEL expression evaluates
// against, before it is persisted.
type Candidate struct {
	EventType string
	Subject   string
	Metadata  map[string]string
}

// Compile builds a Policy from a CEL boolean expression. expr must evaluate
// to a bool given variables eventType, subject, and metadata.
func Compile(expr string) (*Policy, error) {
	if expr == "" {
		expr = DefaultExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("eventType", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("auditpolicy: build CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("auditpolicy: compile %q: %w", expr, issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("auditpolicy: build program: %w", err)
	}

	return &Policy{program: program, source: expr}, nil
}

// Keep reports whether candidate should be persisted (true) or sampled out
// (false). A non-boolean evaluation result is treated as "keep" so a
// malformed policy never silently drops audit evidence.
func (p *Policy) Keep(candidate Candidate) (bool, error) {
	vars := map[string]interface{}{
		"eventType": candidate.EventType,
		"subject":   candidate.Subject,
		"metadata":  candidate.Metadata,
	}

	out, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("auditpolicy: evaluate %q: %w", p.source, err)
	}

	boolVal, ok := out.Value().(bool)
	if !ok {
		return true, nil
	}
	return boolVal, nil
}
