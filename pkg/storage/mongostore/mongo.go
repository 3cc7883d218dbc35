// Package mongostore stores encoded records as MongoDB documents keyed by
// record id.
package mongostore

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

type document struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newDocument(rec *record.Record, data []byte) document {
	return document{
		ID:        rec.ID(),
		Data:      data,
		Status:    rec.Status().String(),
		UpdatedAt: rec.Metadata.UpdatedAt,
	}
}

// Store implements storage.Storage on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	codec  *storage.Codec
	owned  bool
}

// Open connects to uri and pings the primary.
func Open(ctx context.Context, uri, database, collection string, codec *storage.Codec) (*Store, error) {
	opts := options.Client().ApplyURI(uri)
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongodb uri")
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to ping mongodb")
	}
	if database == "" {
		database = "conduit"
	}
	s := New(client.Database(database).Collection(collectionName(collection)), codec)
	s.client = client
	s.owned = true
	return s, nil
}

// New wraps an existing collection.
func New(coll *mongo.Collection, codec *storage.Codec) *Store {
	if codec == nil {
		codec = storage.JSONCodec()
	}
	return &Store{coll: coll, codec: codec}
}

func collectionName(name string) string {
	if name == "" {
		return "records"
	}
	return name
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
	doc := newDocument(rec, data)
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to store record in mongodb").
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// Get implements storage.Storage
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to get record from mongodb").
			WithDetail("record_id", id)
	}
	return s.codec.Decode(doc.Data)
}

// List implements storage.Storage
func (s *Store) List(ctx context.Context) ([]string, error) {
	values, err := s.coll.Distinct(ctx, "_id", bson.D{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list records in mongodb")
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, fmt.Sprint(v))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements storage.Storage
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete record from mongodb").
			WithDetail("record_id", id)
	}
	return nil
}

// Update implements storage.Updater
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot update a nil record")
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID()}, newDocument(rec, data))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update record in mongodb").
			WithDetail("record_id", rec.ID())
	}
	if res.MatchedCount == 0 {
		return storage.NotFound(rec.ID())
	}
	return nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count records in mongodb")
	}
	return int(n), nil
}

// Clear implements storage.Clearer
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to clear records in mongodb")
	}
	return nil
}

// Normalize implements storage.Normalizer
func (s *Store) Normalize(rec *record.Record) (*record.Record, error) {
	return s.codec.Normalize(rec)
}

// Close disconnects the client if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
