package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/conduit/pkg/compression"
	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/storage/redisstore"
	"github.com/ajitpratap0/conduit/pkg/storage/sqlstore"
	"github.com/ajitpratap0/conduit/pkg/testutil"
)

func TestCodecSelection(t *testing.T) {
	codec, err := Codec(config.StorageConfig{CompressionAlgorithm: "zstd"})
	require.NoError(t, err)
	assert.Equal(t, compression.None, codec.Algorithm())

	codec, err = Codec(config.StorageConfig{EnableCompression: true, CompressionAlgorithm: "lz4"})
	require.NoError(t, err)
	assert.Equal(t, compression.LZ4, codec.Algorithm())

	_, err = Codec(config.StorageConfig{EnableCompression: true, CompressionAlgorithm: "brotli"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpenMemory(t *testing.T) {
	cfg := config.Default()
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.InMemoryStorage{}, s)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "cassandra"
	_, err := Open(context.Background(), cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Open(context.Background(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpenSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "SQLite"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "conduit.db")
	cfg.Storage.EnableCompression = true

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.(*sqlstore.Store).Close()
	assert.IsType(t, &sqlstore.Store{}, s)
}

func TestOpenRedisUsesTableAsPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Storage.Backend = Redis
	cfg.Storage.DSN = "redis://" + mr.Addr()
	cfg.Storage.Table = "orders"

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.(*redisstore.Store).Close()

	require.NoError(t, s.Store(context.Background(), record.New("k", 1.0, record.WithID("o-1"))))
	assert.True(t, mr.Exists("orders:record:o-1"))
}

func TestOpenCachedStack(t *testing.T) {
	rec, _ := testutil.TestRecorder(t)
	cfg := config.Default()
	cfg.Storage.CacheSize = 3

	cached, err := OpenCached(context.Background(), cfg,
		WithMetrics(rec), WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	defer cached.Close()

	assert.Equal(t, 3, cached.Capacity())
	assert.IsType(t, &storage.Instrumented{}, cached.Backing())

	r := record.New("k", map[string]interface{}{"v": 1.0})
	require.NoError(t, cached.Store(context.Background(), r))
	got, err := storage.Require(context.Background(), cached, r.ID())
	require.NoError(t, err)
	assert.Equal(t, r.Value, got.Value)
}

func TestOpenCachedPropagatesBackendErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = S3
	_, err := OpenCached(context.Background(), cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
