package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

const (
	defaultRegion  = "us-east-1"
	requestTimeout = 1 * time.Hour

	putRetries       = 4
	putRetryInterval = 2 * time.Second
)

var _ storage_vault.StorageVault = (*S3)(nil)

// S3 implements storage_vault.StorageVault for Amazon S3 and S3 compatible services.
type S3 struct {
	cfg    storage_vault.Config
	client *s3.Client
	opts   storage_vault.TransportOptions

	retryInterval time.Duration

	logger *zap.Logger
}

// Option configures an S3 vault.
type Option func(s *S3) error

// WithLogger sets the logger for S3.
func WithLogger(logger *zap.Logger) Option {
	return func(s *S3) error {
		s.logger = logger
		return nil
	}
}

// WithTransportOptions overrides the default HTTP transport settings.
func WithTransportOptions(opts storage_vault.TransportOptions) Option {
	return func(s *S3) error {
		s.opts = opts
		return nil
	}
}

// New creates an S3 vault. s3_compatible uses path-style addressing against EndpointURL.
func New(cfg storage_vault.Config, opts ...Option) (*S3, error) {
	if cfg.Provider != storage_vault.TypeS3 && cfg.Provider != storage_vault.TypeS3Compatible {
		return nil, fmt.Errorf("%q: %w", cfg.Provider, storage_vault.ErrUnknownProvider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &S3{cfg: cfg, opts: storage_vault.DefaultTransportOptions, retryInterval: putRetryInterval}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	o := s3.Options{
		Region:                     region,
		Credentials:                credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		HTTPClient:                 storage_vault.HTTPClient(s.opts, requestTimeout),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		// Put retries itself; the SDK would resend a half-read body.
		Retryer: aws.NopRetryer{},
	}
	if cfg.EndpointURL != "" {
		o.BaseEndpoint = aws.String(cfg.EndpointURL)
		o.UsePathStyle = true
	}
	s.client = s3.New(o)
	return s, nil
}

func (s *S3) Type() storage_vault.Type {
	return s.cfg.Provider
}

// Put uploads r to key. Throttling and server errors are retried with
// exponential backoff when r can be rewound.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	s.logger.Debug("Uploading object", zap.String("bucket", s.cfg.Bucket), zap.String("key", key), zap.Int64("size", size))

	seeker, _ := r.(io.Seeker)
	var start int64
	if seeker != nil {
		off, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return s.wrap("put", err)
		}
		start = off
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return backoff.Permanent(s.wrap("put", err))
			}
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
		}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
		if err == nil {
			return nil
		}
		perr := s.wrap("put", err)
		if seeker == nil || !retryable(perr) {
			return backoff.Permanent(perr)
		}
		s.logger.Warn("Upload failed, retrying", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(perr))
		return perr
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, putRetries), ctx))
}

// retryable reports whether err is a throttling or server side failure.
func retryable(err error) bool {
	var pe *storage_vault.ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= http.StatusInternalServerError
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = s.wrap("delete", err)
		if errors.Is(err, storage_vault.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]storage_vault.Object, error) {
	var objects []storage_vault.Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("list", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, storage_vault.Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Quota is unknown for object storage buckets.
func (s *S3) Quota(ctx context.Context) (storage_vault.Quota, error) {
	return storage_vault.Quota{}, nil
}

func (s *S3) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage_vault.Object{}, s.wrap("stat", err)
	}
	return storage_vault.Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) Ref(key string) string {
	return "s3://" + s.cfg.Bucket + "/" + key
}

func (s *S3) wrap(op string, err error) error {
	pe := &storage_vault.ProviderError{Provider: s.cfg.Provider, Op: op, Err: err}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		pe.StatusCode = re.HTTPStatusCode()
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) || pe.StatusCode == http.StatusNotFound {
		pe.Err = fmt.Errorf("%v: %w", err, storage_vault.ErrNotFound)
	}
	return pe
}
