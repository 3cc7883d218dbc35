// Package validation checks records against a set of rules before they are
// transformed or stored.
package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// Rule checks one property of a record.
type Rule interface {
	Name() string
	Description() string
	Validate(ctx context.Context, rec *record.Record) error
}

// Mode selects how a Validator reports failures.
type Mode int

const (
	// FailFast stops at the first failing rule.
	FailFast Mode = iota
	// Aggregate runs every rule and reports all failures together.
	Aggregate
)

// Validator runs its rules in insertion order.
type Validator struct {
	mu    sync.RWMutex
	rules []Rule
	mode  Mode
}

// NewValidator creates a validator with the given rules.
func NewValidator(rules ...Rule) *Validator {
	return &Validator{rules: rules}
}

// WithMode sets the failure mode and returns the validator.
func (v *Validator) WithMode(mode Mode) *Validator {
	v.mu.Lock()
	v.mode = mode
	v.mu.Unlock()
	return v
}

// AddRule appends a rule.
func (v *Validator) AddRule(rule Rule) {
	v.mu.Lock()
	v.rules = append(v.rules, rule)
	v.mu.Unlock()
}

// RuleCount returns the number of rules.
func (v *Validator) RuleCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.rules)
}

// Validate runs every rule. In Aggregate mode the returned validation error
// wraps all rule failures, retrievable with multierr.Errors on its cause.
func (v *Validator) Validate(ctx context.Context, rec *record.Record) error {
	v.mu.RLock()
	rules := append([]Rule(nil), v.rules...)
	mode := v.mode
	v.mu.RUnlock()

	var all error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "validation interrupted")
		}
		err := rule.Validate(ctx, rec)
		if err == nil {
			continue
		}
		if mode == FailFast {
			return err
		}
		all = multierr.Append(all, err)
	}
	if all == nil {
		return nil
	}
	failures := multierr.Errors(all)
	if len(failures) == 1 {
		return failures[0]
	}
	return errors.Wrap(all, errors.ErrorTypeValidation, fmt.Sprintf("%d validation rules failed", len(failures))).
		WithDetail("record_id", rec.ID())
}

// RequiredField requires a top-level field to be present.
type RequiredField struct {
	Field string
}

// Name implements Rule
func (RequiredField) Name() string { return "required_field" }

// Description implements Rule
func (RequiredField) Description() string {
	return "Validates that a required field is present"
}

// Validate implements Rule
func (r RequiredField) Validate(_ context.Context, rec *record.Record) error {
	if _, ok := rec.Field(r.Field); !ok {
		return errors.NewValidation(r.Field, "required", fmt.Sprintf("field %q is required", r.Field)).
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// NonEmptyString rejects an empty string field. Missing and non-string
// fields pass.
type NonEmptyString struct {
	Field string
}

// Name implements Rule
func (NonEmptyString) Name() string { return "non_empty_string" }

// Description implements Rule
func (NonEmptyString) Description() string {
	return "Validates that a string field is not empty"
}

// Validate implements Rule
func (r NonEmptyString) Validate(_ context.Context, rec *record.Record) error {
	v, ok := rec.Field(r.Field)
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok && s == "" {
		return errors.NewValidation(r.Field, "non_empty", fmt.Sprintf("field %q cannot be empty", r.Field)).
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// NumericRange bounds a numeric field. Missing and non-numeric fields pass.
type NumericRange struct {
	Field string
	Min   *float64
	Max   *float64
}

// NewNumericRange returns an unbounded range rule for field.
func NewNumericRange(field string) *NumericRange {
	return &NumericRange{Field: field}
}

// WithMin sets the inclusive lower bound.
func (r *NumericRange) WithMin(min float64) *NumericRange {
	r.Min = &min
	return r
}

// WithMax sets the inclusive upper bound.
func (r *NumericRange) WithMax(max float64) *NumericRange {
	r.Max = &max
	return r
}

// Name implements Rule
func (*NumericRange) Name() string { return "numeric_range" }

// Description implements Rule
func (*NumericRange) Description() string {
	return "Validates that a numeric field is within range"
}

// Validate implements Rule
func (r *NumericRange) Validate(_ context.Context, rec *record.Record) error {
	v, ok := rec.Field(r.Field)
	if !ok {
		return nil
	}
	n, ok := toFloat(v)
	if !ok {
		return nil
	}
	if r.Min != nil && n < *r.Min {
		return errors.NewValidation(r.Field, "min_value", fmt.Sprintf("field %q must be at least %v", r.Field, *r.Min)).
			WithDetail("record_id", rec.ID())
	}
	if r.Max != nil && n > *r.Max {
		return errors.NewValidation(r.Field, "max_value", fmt.Sprintf("field %q must be at most %v", r.Field, *r.Max)).
			WithDetail("record_id", rec.ID())
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
