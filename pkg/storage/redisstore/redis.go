// Package redisstore stores records in Redis.
//
// Each record lives under "<prefix>:record:<id>" and its id is tracked in the
// set "<prefix>:ids" so List does not need to SCAN the keyspace.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

const defaultPrefix = "conduit"

// Store implements storage.Storage on a Redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	codec  *storage.Codec
	owned  bool
}

// Open connects to the Redis URL and pings it.
func Open(ctx context.Context, url, prefix string, codec *storage.Codec) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid redis url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to connect to redis")
	}

	s := New(rdb, prefix, codec)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb redis.UniversalClient, prefix string, codec *storage.Codec) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if codec == nil {
		codec = storage.JSONCodec()
	}
	return &Store{rdb: rdb, prefix: prefix, codec: codec}
}

func (s *Store) recordKey(id string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, id)
}

func (s *Store) indexKey() string {
	return s.prefix + ":ids"
}

// Store implements storage.Storage
func (s *Store) Store(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot store a nil record")
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ID()), data, 0)
		pipe.SAdd(ctx, s.indexKey(), rec.ID())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to store record in redis").
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// Get implements storage.Storage
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to get record from redis").
			WithDetail("record_id", id)
	}
	return s.codec.Decode(data)
}

// List implements storage.Storage
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list records in redis")
	}
	return ids, nil
}

// Delete implements storage.Storage
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete record from redis").
			WithDetail("record_id", id)
	}
	return nil
}

// Update implements storage.Updater. SET XX only writes an existing key.
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot update a nil record")
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, s.recordKey(rec.ID()), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update record in redis").
			WithDetail("record_id", rec.ID())
	}
	if !ok {
		return storage.NotFound(rec.ID())
	}
	return nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count records in redis")
	}
	return int(n), nil
}

// Clear implements storage.Clearer. Records stored while Clear runs survive.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.List(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.recordKey(id))
			pipe.SRem(ctx, s.indexKey(), id)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to clear records in redis")
	}
	return nil
}

// Normalize implements storage.Normalizer
func (s *Store) Normalize(rec *record.Record) (*record.Record, error) {
	return s.codec.Normalize(rec)
}

// Close closes the client if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
