// Package s3 implements the storage adapter for S3-compatible object
// stores.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// Config holds the connection settings for one S3 backend.
type Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	Prefix          string        `yaml:"prefix"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// CostTier selects the storage class objects are written with.
	CostTier types.CostTier `yaml:"cost_tier"`
}

// Adapter talks to a single bucket, optionally under a key prefix.
type Adapter struct {
	client  *awss3.Client
	bucket  string
	prefix  string
	timeout time.Duration
	class   s3types.StorageClass
	logger  *zap.Logger
}

// storageClass maps the abstract cost tier onto an S3 storage class.
func storageClass(tier types.CostTier) s3types.StorageClass {
	switch tier {
	case types.CostTierLow:
		return s3types.StorageClassStandardIa
	case types.CostTierArchive:
		return s3types.StorageClassGlacierIr
	default:
		return s3types.StorageClassStandard
	}
}

// New builds an S3 adapter from config. Static credentials are optional;
// without them the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"s3 adapter requires a bucket").WithComponent("adapter")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("loading aws config: %v", err)).
			WithComponent("adapter").WithCause(err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: timeout,
		class:   storageClass(cfg.CostTier),
		logger:  logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

func (a *Adapter) key(objectID string) string {
	return a.prefix + objectID
}

func (a *Adapter) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	_, err := a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(objectID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		StorageClass:  a.class,
	})
	if err != nil {
		return 0, a.translate(err, "PutObject", objectID)
	}
	return int64(len(data)), nil
}

func (a *Adapter) Get(ctx context.Context, objectID string) ([]byte, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(objectID)),
	})
	if err != nil {
		return nil, a.translate(err, "GetObject", objectID)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, a.translate(err, "GetObject", objectID)
	}
	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, objectID string) error {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	// S3 DeleteObject succeeds for missing keys, matching the adapter
	// contract without a special case.
	_, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(objectID)),
	})
	if err != nil {
		return a.translate(err, "DeleteObject", objectID)
	}
	return nil
}

func (a *Adapter) Stat(ctx context.Context, objectID string) (int64, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	out, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(objectID)),
	})
	if err != nil {
		return 0, a.translate(err, "HeadObject", objectID)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// List enumerates objects under the configured prefix plus the given one.
func (a *Adapter) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	var infos []types.ObjectInfo
	paginator := awss3.NewListObjectsV2Paginator(a.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix + prefix),
	})
	for paginator.HasMorePages() {
		pageCtx, cancel := a.opCtx(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, a.translate(err, "ListObjectsV2", "")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			infos = append(infos, types.ObjectInfo{
				Key:          key[len(a.prefix):],
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// translate maps SDK failures onto the structured error codes the rest of
// the system dispatches on.
func (a *Adapter) translate(err error, operation, objectID string) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	switch {
	case stderrors.As(err, &noKey), stderrors.As(err, &notFound):
		return errors.NewError(errors.ErrCodeObjectNotFound, "object does not exist").
			WithComponent("s3").WithOperation(operation).WithObject(objectID)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewError(errors.ErrCodeAdapterTimeout,
			fmt.Sprintf("%s timed out after %s", operation, a.timeout)).
			WithComponent("s3").WithOperation(operation).WithObject(objectID).WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return errors.NewError(errors.ErrCodeOperationCanceled, "request canceled").
			WithComponent("s3").WithOperation(operation).WithObject(objectID).WithCause(err)
	default:
		a.logger.Warn("s3 request failed",
			zap.String("operation", operation),
			zap.String("object_id", objectID),
			zap.Error(err))
		return errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("%s failed: %v", operation, err)).
			WithComponent("s3").WithOperation(operation).WithObject(objectID).WithCause(err)
	}
}
