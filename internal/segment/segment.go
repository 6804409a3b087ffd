// Package segment evaluates segment predicates against membership candidates.
//
// A segment is a CEL expression over the variables:
//
//	person  map: id, first_name, last_name, email, sms_number, push_token, attributes
//	member  map: group_id, joined_at_ms (0 when unknown)
//	now_ms  int: evaluation time in unix milliseconds
//
// and must return a bool. Expressions are compiled once and cached.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"commdispatch/internal/comm"
)

// ErrInvalidExpression wraps compile and type-check failures.
var ErrInvalidExpression = errors.New("invalid segment expression")

type compiled struct {
	expr string
	prog cel.Program
}

// Evaluator compiles and evaluates segment expressions.
// It is safe for concurrent use.
type Evaluator struct {
	env *cel.Env
	now func() time.Time

	mu    sync.Mutex
	cache map[int64]compiled
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("person", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("member", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	return &Evaluator{env: env, now: time.Now, cache: map[int64]compiled{}}, nil
}

// Compile validates an expression without caching it.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	ast, iss := e.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, iss.Err())
	}
	checked, iss2 := e.env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, iss2.Err())
	}
	return e.env.Program(checked)
}

func (e *Evaluator) program(s comm.Segment) (cel.Program, error) {
	e.mu.Lock()
	c, ok := e.cache[s.ID]
	e.mu.Unlock()
	if ok && c.expr == s.Expression {
		return c.prog, nil
	}
	prog, err := e.Compile(s.Expression)
	if err != nil {
		return nil, fmt.Errorf("segment %d (%s): %w", s.ID, s.Name, err)
	}
	e.mu.Lock()
	e.cache[s.ID] = compiled{expr: s.Expression, prog: prog}
	e.mu.Unlock()
	return prog, nil
}

// Filter returns the members that satisfy the segments under criteria.
// With no segments every member passes. An expression that errors at
// evaluation time counts as a non-match for that member.
func (e *Evaluator) Filter(members []comm.Member, segments []comm.Segment, criteria comm.SegmentCriteria) ([]comm.Member, error) {
	if len(segments) == 0 {
		return members, nil
	}
	progs := make([]cel.Program, 0, len(segments))
	for _, s := range segments {
		p, err := e.program(s)
		if err != nil {
			return nil, err
		}
		progs = append(progs, p)
	}
	nowMs := e.now().UnixMilli()

	out := make([]comm.Member, 0, len(members))
	for _, m := range members {
		vars := map[string]any{
			"person": personVars(m.Person),
			"member": memberVars(m),
			"now_ms": nowMs,
		}
		if matches(progs, vars, criteria) {
			out = append(out, m)
		}
	}
	return out, nil
}

func matches(progs []cel.Program, vars map[string]any, criteria comm.SegmentCriteria) bool {
	union := criteria == comm.SegmentsAny
	for _, p := range progs {
		ok := eval(p, vars)
		if union && ok {
			return true
		}
		if !union && !ok {
			return false
		}
	}
	return !union
}

func eval(p cel.Program, vars map[string]any) bool {
	out, _, err := p.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func personVars(p *comm.Person) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	attrs := map[string]any{}
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"id":         p.ID,
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"email":      p.Email,
		"sms_number": p.SMSNumber(),
		"push_token": p.PushToken,
		"attributes": attrs,
	}
}

func memberVars(m comm.Member) map[string]any {
	var joined int64
	if m.JoinedAt != nil {
		joined = m.JoinedAt.UnixMilli()
	}
	return map[string]any{
		"group_id":     m.GroupID,
		"joined_at_ms": joined,
	}
}
