package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/approuter/pkg/flight"
)

// S3API is the part of the S3 client S3Source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves the patch documents of a static export stored in S3.
//
// A static export holds one full-page document per route, so the request
// tree and tree-only flag are ignored. Missing objects fail with
// flight.ErrUnavailable and the router loads the page as a document.
//
// Example:
//
//	client := fetch.NewS3Client("eu-central-1", "", false)
//	src := fetch.NewS3Source(client, "my-site", "export/")
//	r, _ := router.New(init, router.WithFetcher(src))
type S3Source struct {
	client  S3API
	bucket  string
	prefix  string
	maxSize int64
	logger  *slog.Logger
	group   singleflight.Group
}

// S3Option configures an S3Source.
type S3Option func(*S3Source)

// WithS3Logger sets the logger.
func WithS3Logger(logger *slog.Logger) S3Option {
	return func(s *S3Source) {
		s.logger = logger
	}
}

// WithS3MaxSize caps the object size.
// Default: 8 MiB
func WithS3MaxSize(n int64) S3Option {
	return func(s *S3Source) {
		s.maxSize = n
	}
}

// NewS3Source creates a source reading objects under prefix in bucket.
func NewS3Source(client S3API, bucket, prefix string, opts ...S3Option) *S3Source {
	s := &S3Source{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		maxSize: DefaultConfig().MaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "s3source", "bucket", bucket)
	return s
}

// NewS3Client returns an anonymous S3 client for public export buckets.
// endpoint may be empty for AWS.
func NewS3Client(region, endpoint string, pathStyle bool) *s3.Client {
	o := s3.Options{
		Region:       region,
		Credentials:  aws.AnonymousCredentials{},
		UsePathStyle: pathStyle,
	}
	if endpoint != "" {
		o.BaseEndpoint = aws.String(endpoint)
	}
	return s3.New(o)
}

// Key returns the object key for a page path.
func (s *S3Source) Key(p string) string {
	return path.Join(s.prefix, flight.StaticExportKey(p))
}

// Fetch implements flight.Fetcher. Concurrent fetches of one object share a
// single read.
func (s *S3Source) Fetch(ctx context.Context, req *flight.Request) (*flight.Response, error) {
	key := s.Key(req.URL.Path)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("shared object read", "key", key)
	}
	return v.(*flight.Response), nil
}

func (s *S3Source) get(ctx context.Context, key string) (*flight.Response, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: s3://%s/%s", flight.ErrUnavailable, s.bucket, key)
		}
		return nil, fmt.Errorf("fetch: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	encoding := ""
	if out.ContentEncoding != nil {
		encoding = *out.ContentEncoding
	}
	data, err := readBody(out.Body, encoding, s.maxSize)
	if err != nil {
		return nil, err
	}
	return flight.Decode(data)
}
