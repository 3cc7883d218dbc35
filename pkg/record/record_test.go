package record

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

func TestNewRecord(t *testing.T) {
	r := New("user:1", map[string]interface{}{"name": "Ada"},
		WithSource("signup"), WithTag("tenant", "acme"))

	assert.NotEmpty(t, r.ID())
	assert.Equal(t, "user:1", r.Key)
	assert.Equal(t, StatusPending, r.Status())
	assert.Equal(t, "signup", r.Metadata.Source)
	assert.Equal(t, uint64(1), r.Metadata.Version)
	assert.Equal(t, r.Metadata.CreatedAt, r.Metadata.UpdatedAt)

	v, ok := r.Tag("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)

	other := New("user:1", nil)
	assert.NotEqual(t, r.ID(), other.ID())
	assert.Equal(t, DefaultSource, other.Metadata.Source)
	assert.Equal(t, "fixed", New("k", nil, WithID("fixed")).ID())
}

func TestLifecycleTransitions(t *testing.T) {
	r := New("k", nil)
	require.NoError(t, r.MarkProcessing())
	assert.Equal(t, uint32(1), r.Metadata.ProcessCount)
	require.NoError(t, r.MarkCompleted())
	assert.Equal(t, StatusCompleted, r.Status())
	require.NoError(t, r.Archive())
	assert.True(t, r.Status().IsTerminal())

	failed := New("k", nil)
	require.NoError(t, failed.MarkProcessing())
	require.NoError(t, failed.MarkFailed(stderrors.New("bad input")))
	assert.Equal(t, StatusFailed, failed.Status())
	assert.Equal(t, uint32(1), failed.Metadata.FailureCount)
	assert.Equal(t, "bad input", failed.Metadata.LastError)
}

func TestIllegalTransitionsLeaveRecordUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Record)
		apply func(*Record) error
	}{
		{"complete pending", func(*Record) {}, (*Record).MarkCompleted},
		{"fail pending", func(*Record) {}, func(r *Record) error { return r.MarkFailed(nil) }},
		{"archive pending", func(*Record) {}, (*Record).Archive},
		{"process twice", func(r *Record) { _ = r.MarkProcessing() }, (*Record).MarkProcessing},
		{"reopen completed", func(r *Record) {
			_ = r.MarkProcessing()
			_ = r.MarkCompleted()
		}, (*Record).MarkProcessing},
		{"fail completed", func(r *Record) {
			_ = r.MarkProcessing()
			_ = r.MarkCompleted()
		}, func(r *Record) error { return r.MarkFailed(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("k", nil)
			tt.setup(r)
			before := r.Clone()

			err := tt.apply(r)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
			assert.Equal(t, before.Status(), r.Status())
			assert.Equal(t, before.Metadata, r.Metadata)
		})
	}
}

func TestUpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	r := New("k", nil)

	orig := now
	defer func() { now = orig }()
	now = func() time.Time { return r.Metadata.CreatedAt.Add(-time.Hour) }

	r.SetTag("a", "b")
	require.NoError(t, r.MarkProcessing())
	assert.Equal(t, r.Metadata.CreatedAt, r.Metadata.UpdatedAt)
}

func TestTags(t *testing.T) {
	r := New("k", nil)
	r.SetTag("env", "dev")
	r.SetTag("env", "prod")

	v, _ := r.Tag("env")
	assert.Equal(t, "prod", v)
	assert.True(t, r.HasTag("env"))

	old, ok := r.RemoveTag("env")
	assert.True(t, ok)
	assert.Equal(t, "prod", old)
	assert.False(t, r.HasTag("env"))

	_, ok = r.RemoveTag("env")
	assert.False(t, ok)
}

func TestFields(t *testing.T) {
	r := New("k", nil)
	require.NoError(t, r.SetField("a", 1))
	assert.Equal(t, uint64(2), r.Metadata.Version)

	v, ok := r.Field("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	scalar := New("k", "text")
	_, ok = scalar.Field("a")
	assert.False(t, ok)
	assert.True(t, errors.IsType(scalar.SetField("a", 1), errors.ErrorTypeValidation))

	r.SetValue([]interface{}{1, 2})
	assert.Equal(t, uint64(3), r.Metadata.Version)
}

func TestCloneIsDeep(t *testing.T) {
	r := New("k", map[string]interface{}{
		"nested": map[string]interface{}{"x": 1},
		"list":   []interface{}{"a"},
	}, WithTag("t", "1"))

	c := r.Clone()
	c.Value.(map[string]interface{})["nested"].(map[string]interface{})["x"] = 2
	c.Value.(map[string]interface{})["list"].([]interface{})[0] = "b"
	c.SetTag("t", "2")

	assert.Equal(t, r.ID(), c.ID())
	assert.Equal(t, 1, r.Value.(map[string]interface{})["nested"].(map[string]interface{})["x"])
	assert.Equal(t, "a", r.Value.(map[string]interface{})["list"].([]interface{})[0])
	v, _ := r.Tag("t")
	assert.Equal(t, "1", v)

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
}

func TestCopyLifecycle(t *testing.T) {
	src := New("k", nil)
	require.NoError(t, src.MarkProcessing())

	out := New("k2", "v", WithID(src.ID()))
	out.CopyLifecycle(src)
	assert.Equal(t, StatusProcessing, out.Status())
	assert.Equal(t, src.Metadata.CreatedAt, out.Metadata.CreatedAt)
	require.NoError(t, out.MarkCompleted())
}

func TestJSONRoundTrip(t *testing.T) {
	r := New("order:7", map[string]interface{}{"total": 12.5, "items": []interface{}{"a", "b"}},
		WithSource("api"), WithTag("region", "eu"))
	require.NoError(t, r.MarkProcessing())
	require.NoError(t, r.MarkFailed(stderrors.New("timeout")))

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, r.ID(), decoded.ID())
	assert.Equal(t, r.Key, decoded.Key)
	assert.Equal(t, map[string]interface{}{
		"total": json.Number("12.5"),
		"items": []interface{}{"a", "b"},
	}, decoded.Value)
	assert.Equal(t, StatusFailed, decoded.Status())
	assert.Equal(t, "timeout", decoded.Metadata.LastError)
	assert.True(t, r.Metadata.CreatedAt.Equal(decoded.Metadata.CreatedAt))
	assert.Equal(t, r.Tags(), decoded.Tags())
}

func TestJSONKeepsIntegerPrecision(t *testing.T) {
	r := New("k", map[string]interface{}{"count": 5, "big": int64(9007199254740993)})
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))
	v := decoded.Value.(map[string]interface{})
	assert.Equal(t, json.Number("5"), v["count"])
	assert.Equal(t, json.Number("9007199254740993"), v["big"])

	big, err := v["big"].(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), big)
}

func TestNormalized(t *testing.T) {
	r := New("k", map[string]interface{}{"n": 7, "f": 1.5, "list": []string{"x"}},
		WithTag("env", "prod"))
	require.NoError(t, r.MarkProcessing())

	n, err := r.Normalized()
	require.NoError(t, err)
	assert.Equal(t, r.ID(), n.ID())
	assert.Equal(t, StatusProcessing, n.Status())
	assert.Equal(t, map[string]interface{}{
		"n":    json.Number("7"),
		"f":    json.Number("1.5"),
		"list": []interface{}{"x"},
	}, n.Value)
	env, _ := n.Tag("env")
	assert.Equal(t, "prod", env)

	// The original is untouched.
	assert.Equal(t, 7, r.Value.(map[string]interface{})["n"])

	_, err = New("k", func() {}).Normalized()
	assert.True(t, errors.IsType(err, errors.ErrorTypeSerialization))
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	var r Record
	err := r.UnmarshalJSON([]byte(`{"key":"k","metadata":{"status":"pending"}}`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSerialization))

	err = r.UnmarshalJSON([]byte(`{"id":"1","metadata":{"status":"exploded"}}`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSerialization))
}
