package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/lakesignal/corepipe/internal/errs"
)

// S3Config mirrors the ZO_S3_* settings of config.Config.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Prefix         string
}

// S3Backend is an aws-sdk-go-v2-backed backend, grounded on the teacher's
// storage.S3Storage (persistence-s3.go): lazily-initialized client,
// custom endpoint/path-style support for S3-compatible stores (MinIO and
// friends), object keys namespaced under a prefix.
type S3Backend struct {
	cfg S3Config

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Backend(cfg S3Config) *S3Backend {
	return &S3Backend{cfg: cfg}
}

func (s *S3Backend) ensureClient(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*config.LoadOptions) error
	if s.cfg.Region != "" {
		opts = append(opts, config.WithRegion(s.cfg.Region))
	}
	if s.cfg.AccessKey != "" && s.cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.New(errs.Resource, "objectstore.S3Backend.ensureClient", "", err)
	}

	var s3Opts []func(*s3.Options)
	if s.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(s.cfg.Endpoint) })
	}
	if s.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return s.client, nil
}

func (s *S3Backend) key(path string) string {
	p := strings.TrimPrefix(path, "/")
	if s.cfg.Prefix == "" {
		return p
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + p
}

func (s *S3Backend) Get(ctx context.Context, path string) ([]byte, error) {
	return s.GetRange(ctx, path, ByteRange{})
}

func (s *S3Backend) GetRange(ctx context.Context, path string, r ByteRange) ([]byte, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	in := &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(path))}
	if r.Start != 0 || r.End != 0 {
		if r.End > 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", r.Start))
		}
	}
	resp, err := client.GetObject(ctx, in)
	if err != nil {
		return nil, classifyS3Err("objectstore.S3Backend.GetRange", path, err)
	}
	return readAll(resp.Body, "objectstore.S3Backend.GetRange", path)
}

func (s *S3Backend) Put(ctx context.Context, path string, data []byte) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3Err("objectstore.S3Backend.Put", path, err)
	}
	return nil
}

func (s *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	var token *string
	for {
		resp, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classifyS3Err("objectstore.S3Backend.List", prefix, err)
		}
		for _, obj := range resp.Contents {
			out = append(out, "/"+aws.ToString(obj.Key))
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	sort.Strings(out)
	return out, nil
}

func (s *S3Backend) Head(ctx context.Context, path string) (Meta, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return Meta{}, err
	}
	resp, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(path))})
	if err != nil {
		return Meta{}, classifyS3Err("objectstore.S3Backend.Head", path, err)
	}
	m := Meta{Size: aws.ToInt64(resp.ContentLength)}
	if resp.LastModified != nil {
		m.LastModified = *resp.LastModified
	}
	return m, nil
}

func (s *S3Backend) Delete(ctx context.Context, paths []string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(p))}); err != nil {
			return classifyS3Err("objectstore.S3Backend.Delete", p, err)
		}
	}
	return nil
}

// classifyS3Err marks throttling/5xx-shaped errors as retryable so
// withRetry's backoff actually fires for them; any other API error code
// (404, auth) surfaces immediately. Errors that carry no S3 API error
// code (network failures) are retried.
func classifyS3Err(op, path string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errs.Retryable(errs.Storage, op, path, err)
		case "NoSuchKey", "NotFound":
			return errs.New(errs.Storage, op, path, errs.ErrNotFound)
		default:
			return errs.New(errs.Storage, op, path, err)
		}
	}
	return errs.Retryable(errs.Storage, op, path, err)
}

