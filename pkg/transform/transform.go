// Package transform defines the record transform capability and a set of
// built-in transforms.
//
// A Transform receives a record that the caller owns for the duration of the
// call. It may mutate the record in place and return it, or return a new
// record with the same id. Returning an error aborts whatever chain the
// transform is part of.
package transform

import (
	"context"
	"strings"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// Transform is a named record transformation.
type Transform interface {
	Name() string
	Apply(ctx context.Context, rec *record.Record) (*record.Record, error)
}

// Func adapts a function to the Transform interface.
type Func struct {
	name string
	fn   func(context.Context, *record.Record) (*record.Record, error)
}

// NewFunc wraps fn as a Transform called name.
func NewFunc(name string, fn func(context.Context, *record.Record) (*record.Record, error)) *Func {
	return &Func{name: name, fn: fn}
}

// Name implements Transform
func (f *Func) Name() string { return f.name }

// Apply implements Transform
func (f *Func) Apply(ctx context.Context, rec *record.Record) (*record.Record, error) {
	return f.fn(ctx, rec)
}

// Filter passes records matching predicate and fails the rest with a
// processing error.
func Filter(name string, predicate func(*record.Record) bool) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if !predicate(rec) {
			return nil, errors.New(errors.ErrorTypeProcessing, "record filtered out").
				WithDetail("record_id", rec.ID())
		}
		return rec, nil
	})
}

// Map replaces the payload with mapper's result.
func Map(name string, mapper func(interface{}) (interface{}, error)) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		v, err := mapper(rec.Value)
		if err != nil {
			return nil, err
		}
		rec.SetValue(v)
		return rec, nil
	})
}

// Enrich sets field to value on object payloads. Other payloads pass through.
func Enrich(name, field string, value interface{}) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if _, ok := rec.Value.(map[string]interface{}); ok {
			if err := rec.SetField(field, record.CopyValue(value)); err != nil {
				return nil, err
			}
		}
		return rec, nil
	})
}

// Normalize trims and lowercases the named string fields.
func Normalize(name string, fields ...string) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		obj, ok := rec.Value.(map[string]interface{})
		if !ok {
			return rec, nil
		}
		changed := false
		for _, f := range fields {
			if s, ok := obj[f].(string); ok {
				obj[f] = strings.ToLower(strings.TrimSpace(s))
				changed = true
			}
		}
		if changed {
			rec.SetValue(obj)
		}
		return rec, nil
	})
}

// Rename moves fields according to mapping (old name to new name).
func Rename(name string, mapping map[string]string) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		obj, ok := rec.Value.(map[string]interface{})
		if !ok {
			return rec, nil
		}
		changed := false
		for from, to := range mapping {
			if v, ok := obj[from]; ok {
				delete(obj, from)
				obj[to] = v
				changed = true
			}
		}
		if changed {
			rec.SetValue(obj)
		}
		return rec, nil
	})
}

// Drop removes the named fields.
func Drop(name string, fields ...string) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		obj, ok := rec.Value.(map[string]interface{})
		if !ok {
			return rec, nil
		}
		changed := false
		for _, f := range fields {
			if _, ok := obj[f]; ok {
				delete(obj, f)
				changed = true
			}
		}
		if changed {
			rec.SetValue(obj)
		}
		return rec, nil
	})
}

// Tag adds fixed tags to every record.
func Tag(name string, tags map[string]string) Transform {
	return NewFunc(name, func(_ context.Context, rec *record.Record) (*record.Record, error) {
		for k, v := range tags {
			rec.SetTag(k, v)
		}
		return rec, nil
	})
}
