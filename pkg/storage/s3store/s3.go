// Package s3store stores each encoded record as one S3 object under a
// key prefix.
package s3store

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

const objectSuffix = ".rec"

// Client is the subset of *s3.Client the store uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures Open.
type Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // S3-compatible endpoint such as MinIO; enables path-style addressing
}

// Store implements storage.Storage on an S3 bucket. S3 has no count or
// truncate primitive, so storage.Count and storage.Clear list the prefix.
type Store struct {
	client Client
	bucket string
	prefix string
	codec  *storage.Codec
}

// Open builds an S3 client from the default AWS credential chain.
func Open(ctx context.Context, opts Options, codec *storage.Codec) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, opts.Bucket, opts.Prefix, codec), nil
}

// New wraps an existing client.
func New(client Client, bucket, prefix string, codec *storage.Codec) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if codec == nil {
		codec = storage.JSONCodec()
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, codec: codec}
}

func (s *Store) objectKey(id string) string {
	return s.prefix + id + objectSuffix
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
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(rec.ID())),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to put record object").
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// Get implements storage.Storage
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if stderrors.As(err, &missing) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to get record object").
			WithDetail("record_id", id)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to read record object").
			WithDetail("record_id", id)
	}
	return s.codec.Decode(data)
}

// List implements storage.Storage
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list record objects")
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if !strings.HasSuffix(key, objectSuffix) || strings.Contains(key, "/") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(key, objectSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Update implements storage.Updater. The existence check and the write are
// two requests, so a concurrent Delete can still be overwritten.
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot update a nil record")
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(rec.ID())),
	})
	if err != nil {
		var missing *types.NotFound
		if stderrors.As(err, &missing) {
			return storage.NotFound(rec.ID())
		}
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to check record object").
			WithDetail("record_id", rec.ID())
	}
	return s.Store(ctx, rec)
}

// Normalize implements storage.Normalizer
func (s *Store) Normalize(rec *record.Record) (*record.Record, error) {
	return s.codec.Normalize(rec)
}

// Delete implements storage.Storage
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete record object").
			WithDetail("record_id", id)
	}
	return nil
}
