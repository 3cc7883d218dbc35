// Package record defines the unit of work that flows through Conduit.
//
// A Record has an immutable identity, a user payload (an arbitrary document
// tree of maps, slices and scalars), lifecycle metadata and free-form tags.
// Records are not safe for concurrent mutation: while a record is being
// processed it is owned by exactly one in-flight operation.
package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

// DefaultSource is used when a record is created without WithSource.
const DefaultSource = "default"

// now is the clock used for lifecycle timestamps.
var now = func() time.Time { return time.Now().UTC() }

// Metadata tracks the lifecycle of a record.
type Metadata struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Source       string
	Version      uint64
	ProcessCount uint32
	FailureCount uint32
	LastError    string
}

// Record represents a single keyed payload with lifecycle metadata.
type Record struct {
	id       string
	Key      string
	Value    interface{}
	Metadata Metadata
	status   Status
	tags     map[string]string
}

// Option configures a record at construction time.
type Option func(*Record)

// WithID sets an explicit id instead of a generated UUID.
func WithID(id string) Option {
	return func(r *Record) {
		if id != "" {
			r.id = id
		}
	}
}

// WithSource records the originating component.
func WithSource(source string) Option {
	return func(r *Record) { r.Metadata.Source = source }
}

// WithTag adds a tag.
func WithTag(key, value string) Option {
	return func(r *Record) { r.tags[key] = value }
}

// WithTags adds every tag in tags.
func WithTags(tags map[string]string) Option {
	return func(r *Record) {
		for k, v := range tags {
			r.tags[k] = v
		}
	}
}

// New creates a pending record for key and value.
func New(key string, value interface{}, opts ...Option) *Record {
	ts := now()
	r := &Record{
		id:    uuid.NewString(),
		Key:   key,
		Value: value,
		Metadata: Metadata{
			CreatedAt: ts,
			UpdatedAt: ts,
			Source:    DefaultSource,
			Version:   1,
		},
		status: StatusPending,
		tags:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the record's identity. It never changes after construction.
func (r *Record) ID() string {
	return r.id
}

// Status returns the current lifecycle status.
func (r *Record) Status() Status {
	return r.status
}

// SetValue replaces the payload and bumps the version.
func (r *Record) SetValue(value interface{}) {
	r.Value = value
	r.Metadata.Version++
	r.touch()
}

// Field returns a top-level field of an object payload.
func (r *Record) Field(name string) (interface{}, bool) {
	obj, ok := r.Value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := obj[name]
	return v, ok
}

// SetField sets a top-level field, turning a nil payload into an object.
// It fails with a validation error when the payload is not an object.
func (r *Record) SetField(name string, value interface{}) error {
	if r.Value == nil {
		r.Value = map[string]interface{}{}
	}
	obj, ok := r.Value.(map[string]interface{})
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "record value is not an object").
			WithDetail("record_id", r.id).
			WithDetail("field", name)
	}
	obj[name] = value
	r.Metadata.Version++
	r.touch()
	return nil
}

// MarkProcessing moves a pending record to processing.
func (r *Record) MarkProcessing() error {
	if err := r.transition(StatusProcessing); err != nil {
		return err
	}
	r.Metadata.ProcessCount++
	return nil
}

// MarkCompleted moves a processing record to completed.
func (r *Record) MarkCompleted() error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.Metadata.LastError = ""
	return nil
}

// MarkFailed moves a processing record to failed and remembers cause.
func (r *Record) MarkFailed(cause error) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	r.Metadata.FailureCount++
	if cause != nil {
		r.Metadata.LastError = cause.Error()
	}
	return nil
}

// Archive moves a completed or failed record to archived.
func (r *Record) Archive() error {
	return r.transition(StatusArchived)
}

// CopyLifecycle copies status and lifecycle counters from src. It lets a
// transform hand back a freshly built record that continues src's lifecycle.
func (r *Record) CopyLifecycle(src *Record) {
	r.status = src.status
	r.Metadata.CreatedAt = src.Metadata.CreatedAt
	r.Metadata.ProcessCount = src.Metadata.ProcessCount
	r.Metadata.FailureCount = src.Metadata.FailureCount
	r.Metadata.LastError = src.Metadata.LastError
	if r.Metadata.UpdatedAt.Before(r.Metadata.CreatedAt) {
		r.Metadata.UpdatedAt = r.Metadata.CreatedAt
	}
}

func (r *Record) transition(to Status) error {
	if !r.status.CanTransition(to) {
		return errors.Newf(errors.ErrorTypeInvalidState, "cannot move record from %s to %s", r.status, to).
			WithDetail("record_id", r.id).
			WithDetail("from", r.status.String()).
			WithDetail("to", to.String())
	}
	r.status = to
	r.touch()
	return nil
}

// touch advances UpdatedAt without ever moving it before CreatedAt.
func (r *Record) touch() {
	ts := now()
	if ts.Before(r.Metadata.CreatedAt) {
		ts = r.Metadata.CreatedAt
	}
	r.Metadata.UpdatedAt = ts
}

// SetTag adds or replaces a tag.
func (r *Record) SetTag(key, value string) {
	if r.tags == nil {
		r.tags = make(map[string]string)
	}
	r.tags[key] = value
	r.touch()
}

// Tag returns the value of a tag.
func (r *Record) Tag(key string) (string, bool) {
	v, ok := r.tags[key]
	return v, ok
}

// HasTag reports whether the tag is present.
func (r *Record) HasTag(key string) bool {
	_, ok := r.tags[key]
	return ok
}

// RemoveTag deletes a tag and returns its previous value.
func (r *Record) RemoveTag(key string) (string, bool) {
	v, ok := r.tags[key]
	if ok {
		delete(r.tags, key)
		r.touch()
	}
	return v, ok
}

// Tags returns a copy of all tags.
func (r *Record) Tags() map[string]string {
	out := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the record, payload included.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = CopyValue(r.Value)
	c.tags = r.Tags()
	return &c
}

// CopyValue deep-copies a document tree. Values other than maps and slices
// are returned as-is.
func CopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = CopyValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = CopyValue(e)
		}
		return s
	case map[string]string:
		m := make(map[string]string, len(t))
		for k, e := range t {
			m[k] = e
		}
		return m
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
