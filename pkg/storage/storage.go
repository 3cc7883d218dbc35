// Package storage defines the record storage contract and its in-process
// implementations.
//
// Every Storage is safe for concurrent use. Get reports an absent record as
// (nil, nil); use Require when absence is an error. Deleting an absent id is
// not an error.
//
// Update, Count and Clear are optional. The package functions of the same
// names use a store's native implementation when it has one and fall back
// to the core operations otherwise.
package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// Storage persists records by id.
type Storage interface {
	Store(ctx context.Context, rec *record.Record) error
	Get(ctx context.Context, id string) (*record.Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Updater replaces a record that already exists. Update fails with
// not_found when the id is absent and never creates a record.
type Updater interface {
	Update(ctx context.Context, rec *record.Record) error
}

// Counter reports how many records a store holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Clearer removes every record.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Normalizer is implemented by stores that hand records back in a different
// shape than they were given, usually because they persist an encoding.
// Normalize returns rec the way a later Get would.
type Normalizer interface {
	Normalize(rec *record.Record) (*record.Record, error)
}

// Require fetches id and turns a miss into a not_found error.
func Require(ctx context.Context, s Storage, id string) (*record.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, NotFound(id)
	}
	return rec, nil
}

// Update replaces an existing record in s.
func Update(ctx context.Context, s Storage, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot update a nil record")
	}
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, rec)
	}
	if _, err := Require(ctx, s, rec.ID()); err != nil {
		return err
	}
	return s.Store(ctx, rec)
}

// Count returns the number of records in s.
func Count(ctx context.Context, s Storage) (int, error) {
	if c, ok := s.(Counter); ok {
		return c.Count(ctx)
	}
	ids, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Clear removes every record from s. The fallback deletes ids one by one and
// keeps going past failures, returning all of them.
func Clear(ctx context.Context, s Storage) error {
	if c, ok := s.(Clearer); ok {
		return c.Clear(ctx)
	}
	ids, err := s.List(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, s.Delete(ctx, id))
	}
	return errs
}

// Normalize returns rec as s would hand it back from Get.
func Normalize(s Storage, rec *record.Record) (*record.Record, error) {
	if n, ok := s.(Normalizer); ok {
		return n.Normalize(rec)
	}
	return rec.Clone(), nil
}

// NotFound returns the not_found error for a missing id.
func NotFound(id string) error {
	return errors.New(errors.ErrorTypeNotFound, "record not found").WithDetail("record_id", id)
}

// InMemoryStorage keeps records in a map. It stores and returns copies, so
// callers never share a record with the store.
type InMemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*record.Record
}

// NewInMemoryStorage creates an empty in-memory store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{records: make(map[string]*record.Record)}
}

// Store implements Storage
func (s *InMemoryStorage) Store(ctx context.Context, rec *record.Record) error {
	if err := checkStore(ctx, rec); err != nil {
		return err
	}
	c := rec.Clone()
	s.mu.Lock()
	s.records[c.ID()] = c
	s.mu.Unlock()
	return nil
}

// Get implements Storage
func (s *InMemoryStorage) Get(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, "get")
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// List implements Storage. Ids are returned sorted.
func (s *InMemoryStorage) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, "list")
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Update implements Updater
func (s *InMemoryStorage) Update(ctx context.Context, rec *record.Record) error {
	if err := checkStore(ctx, rec); err != nil {
		return err
	}
	c := rec.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[c.ID()]; !ok {
		return NotFound(c.ID())
	}
	s.records[c.ID()] = c
	return nil
}

// Delete implements Storage
func (s *InMemoryStorage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, "delete")
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *InMemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Count implements Counter
func (s *InMemoryStorage) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contextError(err, "count")
	}
	return s.Len(), nil
}

// Clear implements Clearer
func (s *InMemoryStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, "clear")
	}
	s.mu.Lock()
	s.records = make(map[string]*record.Record)
	s.mu.Unlock()
	return nil
}

func checkStore(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot store a nil record")
	}
	if err := ctx.Err(); err != nil {
		return contextError(err, "store")
	}
	return nil
}

// contextError maps a context failure to a retryable timeout.
func contextError(err error, op string) error {
	return errors.Wrap(err, errors.ErrorTypeTimeout, "storage "+op+" interrupted")
}
