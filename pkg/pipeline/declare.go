package pipeline

import (
	"sort"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/transform"
	"github.com/ajitpratap0/conduit/pkg/validation"
)

// Validator builds the validator declared by pc. It returns nil when pc
// declares no rules.
func Validator(pc config.PipelineConfig) *validation.Validator {
	var rules []validation.Rule
	for _, f := range pc.Required {
		rules = append(rules, validation.RequiredField{Field: f})
	}
	for _, f := range pc.NonEmpty {
		rules = append(rules, validation.NonEmptyString{Field: f})
	}
	for _, r := range pc.Ranges {
		rule := validation.NewNumericRange(r.Field)
		if r.Min != nil {
			rule.WithMin(*r.Min)
		}
		if r.Max != nil {
			rule.WithMax(*r.Max)
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil
	}

	v := validation.NewValidator(rules...)
	if pc.Aggregate {
		v.WithMode(validation.Aggregate)
	}
	return v
}

// Transforms returns the transforms declared by pc in a fixed order:
// rename, drop, normalize, enrich, tag.
func Transforms(pc config.PipelineConfig) []transform.Transform {
	var out []transform.Transform
	if len(pc.Rename) > 0 {
		out = append(out, transform.Rename("rename", pc.Rename))
	}
	if len(pc.Drop) > 0 {
		out = append(out, transform.Drop("drop", pc.Drop...))
	}
	if len(pc.Normalize) > 0 {
		out = append(out, transform.Normalize("normalize", pc.Normalize...))
	}
	fields := make([]string, 0, len(pc.Enrich))
	for f := range pc.Enrich {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		out = append(out, transform.Enrich("enrich_"+f, f, pc.Enrich[f]))
	}
	if len(pc.Tags) > 0 {
		out = append(out, transform.Tag("tag", pc.Tags))
	}
	return out
}

// Declare adds the validation stage declared by pc to b.
func (b *Builder) Declare(pc config.PipelineConfig) *Builder {
	if v := Validator(pc); v != nil {
		b.Validate(v)
	}
	return b
}
