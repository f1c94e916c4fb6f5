// Package objectstore wraps an S3-compatible object store for the raw
// writer and checkpoint backends. The client takes static credentials
// and an optional custom endpoint with path-style addressing, so the
// same construction points at AWS S3, MinIO, Hetzner, or LakeFS by
// swapping the endpoint.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/schemahub/ingest/internal/errs"
)

// Config points the client at a bucket and, optionally, a
// non-AWS endpoint (MinIO, Hetzner, LakeFS, ...).
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for real AWS S3
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Store is the narrow object-store contract the raw writer and
// checkpoint backends depend on, so tests can substitute an in-memory
// fake instead of talking to a real bucket.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Client is the thin object-store facade the ingestion core depends on:
// idempotent PUT, conditional "PUT only if absent" for exactly-once raw
// writes, GET, and LIST by prefix.
type Client struct {
	s3     *s3.Client
	upload *manager.Uploader
	bucket string
}

var _ Store = (*Client)(nil)

var sharedHTTPClient = &http.Client{Timeout: 60 * time.Second}

func New(ctx context.Context, cfg Config) (*Client, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		s3:     client,
		upload: manager.NewUploader(client),
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads data under key unconditionally, overwriting any existing
// object. Uses the multipart manager.Uploader so large raw batches
// don't need to be buffered into a single PutObject call.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.upload.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "objectstore.put", err)
	}
	return nil
}

// ErrAlreadyExists is returned by PutIfAbsent when key is already
// present, signaling the caller (the raw writer) that this object key
// was already durably written by a previous attempt.
var ErrAlreadyExists = fmt.Errorf("objectstore: object already exists")

// ErrNotFound is returned by Get when key has no object.
var ErrNotFound = fmt.Errorf("objectstore: object not found")

// PutIfAbsent uploads data under key only if no object exists there
// yet, giving the raw writer its idempotent-write guarantee: a retried
// write with the same deterministic key is a no-op, not a duplicate.
// S3 has no native conditional PUT across providers, so
// this does a HEAD-then-PUT; the deterministic key scheme makes the
// narrow TOCTOU window harmless; a racing duplicate write is
// byte-identical anyway.
func (c *Client) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	exists, err := c.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return c.Put(ctx, key, data, contentType)
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errorsAsResponseError(err, &notFound) && notFound.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	if strings.Contains(err.Error(), "NotFound") {
		return false, nil
	}
	return false, errs.New(errs.KindStoreUnavailable, "objectstore.exists", err)
}

func errorsAsResponseError(err error, target **smithyhttp.ResponseError) bool {
	re, ok := err.(*smithyhttp.ResponseError)
	if ok {
		*target = re
	}
	return ok
}

// Get downloads the full object at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, ErrNotFound
		}
		return nil, errs.New(errs.KindStoreUnavailable, "objectstore.get", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "objectstore.get", err)
	}
	return data, nil
}

// List returns object keys under prefix, following continuation
// tokens until exhausted.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.New(errs.KindStoreUnavailable, "objectstore.list", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}
