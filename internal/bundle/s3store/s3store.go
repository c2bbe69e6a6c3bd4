// Package s3store is an S3-backed bundle.Store, used by the daemon whenever
// the bundle.s3_bucket setting is non-empty. Grounded on
// the pack's aistore repo, which treats S3 as one of several interchangeable
// cloud storage backends behind one interface.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ocapkernel/kernel/internal/bundle"
)

// Store serves "<bucket>/<prefix><name>.bundle" objects from S3.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds a Store for bucket, loading AWS credentials/region the
// standard SDK way (environment, shared config, IMDS). prefix is prepended
// to every bundle name before the ".bundle" suffix, e.g. "bundles/".
func New(ctx context.Context, bucket, prefix string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewWithClient builds a Store around an already-configured client, for
// tests or non-default endpoints (e.g. an S3-compatible dev server).
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.prefix + name + ".bundle"
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, bundle.ErrNotFound
		}
		return nil, fmt.Errorf("s3store: get %q: %w", key, err)
	}
	return out.Body, nil
}
