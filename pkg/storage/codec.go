package storage

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/conduit/pkg/compression"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// Encoded records start with one byte naming the compression algorithm, so
// a reader can decode values written under an older configuration.
var algorithmIDs = map[compression.Algorithm]byte{
	compression.None:   0,
	compression.Gzip:   1,
	compression.Snappy: 2,
	compression.LZ4:    3,
	compression.Zstd:   4,
	compression.S2:     5,
}

// Codec turns records into bytes for serialized backends.
type Codec struct {
	algorithm   compression.Algorithm
	compressors sync.Map // compression.Algorithm -> compression.Compressor
}

// NewCodec returns a codec compressing with algorithm. An empty algorithm
// disables compression.
func NewCodec(algorithm compression.Algorithm) (*Codec, error) {
	if algorithm == "" {
		algorithm = compression.None
	}
	c := &Codec{algorithm: algorithm}
	if _, err := c.compressor(algorithm); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid record codec")
	}
	return c, nil
}

// JSONCodec returns an uncompressed codec.
func JSONCodec() *Codec {
	return &Codec{algorithm: compression.None}
}

// Algorithm returns the algorithm used by Encode.
func (c *Codec) Algorithm() compression.Algorithm {
	return c.algorithm
}

func (c *Codec) compressor(a compression.Algorithm) (compression.Compressor, error) {
	if v, ok := c.compressors.Load(a); ok {
		return v.(compression.Compressor), nil
	}
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: a, Level: compression.Default})
	if err != nil {
		return nil, err
	}
	v, _ := c.compressors.LoadOrStore(a, comp)
	return v.(compression.Compressor), nil
}

// Encode serializes rec.
func (c *Codec) Encode(rec *record.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to encode record").
			WithDetail("record_id", rec.ID())
	}
	comp, err := c.compressor(c.algorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to load compressor")
	}
	body, err := comp.Compress(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to compress record").
			WithDetail("record_id", rec.ID())
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, algorithmIDs[c.algorithm])
	return append(out, body...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) (*record.Record, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrorTypeSerialization, "empty record payload")
	}
	algorithm, ok := algorithmByID(data[0])
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSerialization, "unknown record encoding %d", data[0])
	}
	comp, err := c.compressor(algorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to load compressor")
	}
	body, err := comp.Decompress(data[1:])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to decompress record")
	}
	rec := &record.Record{}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, errors.Annotate(err, errors.ErrorTypeSerialization, "failed to decode record")
	}
	return rec, nil
}

// Normalize returns rec as Decode(Encode(rec)) would, without compressing.
func (c *Codec) Normalize(rec *record.Record) (*record.Record, error) {
	return rec.Normalized()
}

func algorithmByID(id byte) (compression.Algorithm, bool) {
	for a, v := range algorithmIDs {
		if v == id {
			return a, true
		}
	}
	return "", false
}
