// Package schema enforces optional per-event-type payload constraints
// written in CUE.
//
// A policy file declares one constraint per event type:
//
//	schemas: transfer: {
//		from:   string & !=""
//		to:     string & !=""
//		amount: number & >0
//	}
//
// Payloads of event types without a constraint are accepted unchanged.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

// Violation reports a payload that does not satisfy its event type's
// constraint.
type Violation struct {
	EventType string
	Problems  []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("payload does not match schema %q: %s", v.EventType, strings.Join(v.Problems, "; "))
}

// Policy holds compiled constraints. A cue.Context is not safe for
// concurrent use, so validation is serialised.
type Policy struct {
	mu      sync.Mutex
	schemas cue.Value
	types   []string
}

// LoadFile compiles the policy at path.
func LoadFile(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema policy: %w", err)
	}
	return Compile(path, src)
}

// Compile builds a policy from CUE source. filename is used in error
// positions only.
func Compile(filename string, src []byte) (*Policy, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema policy: %w", formatCUEError(err))
	}

	schemas := v.LookupPath(cue.ParsePath("schemas"))
	if !schemas.Exists() {
		return nil, fmt.Errorf("schema policy %s: missing top-level \"schemas\" field", filename)
	}
	iter, err := schemas.Fields()
	if err != nil {
		return nil, fmt.Errorf("schema policy %s: %w", filename, formatCUEError(err))
	}

	p := &Policy{schemas: schemas}
	for iter.Next() {
		if k := iter.Value().IncompleteKind(); k&cue.StructKind == 0 {
			return nil, fmt.Errorf("schema policy %s: schemas.%s must be a struct, got %s", filename, iter.Label(), k)
		}
		p.types = append(p.types, iter.Label())
	}
	sort.Strings(p.types)
	return p, nil
}

// EventTypes lists the event types that carry a constraint.
func (p *Policy) EventTypes() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.types...)
}

// Validate checks a JSON payload against the constraint of eventType. A nil
// policy accepts everything.
func (p *Policy) Validate(eventType string, payload []byte) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	constraint := p.schemas.LookupPath(cue.MakePath(cue.Str(eventType)))
	if !constraint.Exists() {
		return nil
	}

	expr, err := cuejson.Extract(eventType, payload)
	if err != nil {
		return &Violation{EventType: eventType, Problems: []string{err.Error()}}
	}
	data := p.schemas.Context().BuildExpr(expr)
	if err := data.Err(); err != nil {
		return &Violation{EventType: eventType, Problems: []string{err.Error()}}
	}

	if err := constraint.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &Violation{EventType: eventType, Problems: problems(err)}
	}
	return nil
}

// problems flattens a CUE error list into one message per failing path.
func problems(err error) []string {
	var out []string
	for _, e := range errors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// formatCUEError keeps the first error with its source position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 {
		return fmt.Errorf("%s: %s", pos[0], first.Error())
	}
	return first
}
