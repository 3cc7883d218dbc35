package transform

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
)

func obj(rec *record.Record) map[string]interface{} {
	return rec.Value.(map[string]interface{})
}

func TestFilter(t *testing.T) {
	adults := Filter("adults", func(r *record.Record) bool {
		age, _ := r.Field("age")
		n, ok := age.(float64)
		return ok && n >= 18
	})
	assert.Equal(t, "adults", adults.Name())

	ok := record.New("k", map[string]interface{}{"age": 30.0})
	out, err := adults.Apply(context.Background(), ok)
	require.NoError(t, err)
	assert.Same(t, ok, out)

	_, err = adults.Apply(context.Background(), record.New("k", map[string]interface{}{"age": 3.0}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeProcessing))
}

func TestMap(t *testing.T) {
	double := Map("double", func(v interface{}) (interface{}, error) {
		return v.(float64) * 2, nil
	})
	rec := record.New("k", 21.0)
	out, err := double.Apply(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out.Value)
	assert.Equal(t, uint64(2), out.Metadata.Version)

	boom := stderrors.New("boom")
	failing := Map("fail", func(interface{}) (interface{}, error) { return nil, boom })
	_, err = failing.Apply(context.Background(), record.New("k", 1.0))
	assert.ErrorIs(t, err, boom)
}

func TestEnrich(t *testing.T) {
	enrich := Enrich("stamp", "origin", map[string]interface{}{"system": "crm"})
	rec := record.New("k", map[string]interface{}{"name": "x"})
	out, err := enrich.Apply(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"system": "crm"}, obj(out)["origin"])

	scalar := record.New("k", "text")
	out, err = enrich.Apply(context.Background(), scalar)
	require.NoError(t, err)
	assert.Equal(t, "text", out.Value)
}

func TestNormalize(t *testing.T) {
	norm := Normalize("normalize", "email", "missing", "count")
	rec := record.New("k", map[string]interface{}{"email": "  Ada@Example.COM ", "count": 3.0})
	out, err := norm.Apply(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", obj(out)["email"])
	assert.Equal(t, 3.0, obj(out)["count"])
}

func TestRenameDropTag(t *testing.T) {
	ctx := context.Background()
	rec := record.New("k", map[string]interface{}{"fname": "ada", "tmp": 1, "keep": true})

	rec, err := Rename("rename", map[string]string{"fname": "first_name"}).Apply(ctx, rec)
	require.NoError(t, err)
	rec, err = Drop("drop", "tmp").Apply(ctx, rec)
	require.NoError(t, err)
	rec, err = Tag("tag", map[string]string{"pipeline": "ingest"}).Apply(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"first_name": "ada", "keep": true}, rec.Value)
	v, ok := rec.Tag("pipeline")
	assert.True(t, ok)
	assert.Equal(t, "ingest", v)
}
