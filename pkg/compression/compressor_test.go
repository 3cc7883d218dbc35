package compression

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte(`{"id":"r-1","key":"user","value":{"name":"ada"}}`), 64)

	for _, algo := range Algorithms {
		for _, level := range []Level{Fastest, Default, Better, Best} {
			t.Run(string(algo), func(t *testing.T) {
				comp, err := NewCompressor(&Config{Algorithm: algo, Level: level})
				require.NoError(t, err)
				assert.Equal(t, algo, comp.Algorithm())

				compressed, err := comp.Compress(original)
				require.NoError(t, err)
				if algo != None {
					assert.Less(t, len(compressed), len(original))
				}

				decompressed, err := comp.Decompress(compressed)
				require.NoError(t, err)
				assert.Equal(t, original, decompressed)
			})
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: Default})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 1024)
			c, err := comp.Compress(payload)
			assert.NoError(t, err)
			d, err := comp.Decompress(c)
			assert.NoError(t, err)
			assert.Equal(t, payload, d)
		}(i)
	}
	wg.Wait()
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	a, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	_, err = ParseAlgorithm("brotli")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.True(t, errors.IsFatal(err))

	_, err = NewCompressor(&Config{Algorithm: "brotli"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestDefaultConfig(t *testing.T) {
	comp, err := NewCompressor(nil)
	require.NoError(t, err)
	assert.Equal(t, Snappy, comp.Algorithm())
}

func TestCorruptInput(t *testing.T) {
	for _, algo := range []Algorithm{Gzip, Zstd} {
		comp, err := NewCompressor(&Config{Algorithm: algo})
		require.NoError(t, err)
		_, err = comp.Decompress([]byte("definitely not compressed"))
		assert.Error(t, err, algo)
	}
}
