// Package filter evaluates per-entity filter expressions.
//
// A filter is a CUE struct constraint that a record's fields must unify
// with, for example:
//
//	{status: "active", price: >0}
//
// A record must leave every constrained field concrete. A concrete value
// on a field the record does not carry is filled in by unification and
// matches; a bound such as price: >0 on an absent field stays incomplete
// and does not. Use a required field to demand presence of any value:
//
//	{status!: "active"}
package filter

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Filter is a compiled filter expression. A nil *Filter matches everything.
type Filter struct {
	expr string

	// cue values are not safe for concurrent evaluation.
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// Compile parses expr. An empty expression yields a nil filter.
func Compile(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}

	ctx := cuecontext.New()
	v := ctx.CompileString(expr, cue.Filename("filter"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expr, err)
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, fmt.Errorf("filter %q must be a struct constraint such as {status: \"active\"}", expr)
	}

	return &Filter{expr: expr, ctx: ctx, schema: v}, nil
}

// Match reports whether fields satisfy the filter.
func (f *Filter) Match(fields map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	if fields == nil {
		fields = map[string]any{}
	}

	// Going through JSON keeps json.Number values numeric for CUE.
	data, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("failed to marshal fields for filter: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rec := f.ctx.CompileBytes(data, cue.Filename("record.json"))
	if err := rec.Err(); err != nil {
		return false, fmt.Errorf("failed to load record into filter: %w", err)
	}
	return f.schema.Unify(rec).Validate(cue.Concrete(true)) == nil, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
