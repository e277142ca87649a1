// Package archive stores configuration snapshots, hourly analytics
// aggregates and performance reports in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/redisfleet/redisfleet/internal/analytics"
	"github.com/redisfleet/redisfleet/internal/config"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

// Kind is a class of archived object. Each kind lives under its own prefix.
type Kind string

const (
	KindConfig    Kind = "config"
	KindAggregate Kind = "aggregates"
	KindReport    Kind = "reports"
)

const timestampLayout = "20060102T150405Z"

// API is the part of the S3 client the archive uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Object describes one archived object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Archive writes and reads fleet snapshots.
type Archive struct {
	api    API
	bucket string
	prefix string
	logger *utils.StructuredLogger
	now    func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// New builds an S3 client from cfg and the default AWS credential chain.
// Static keys in cfg take precedence over the chain.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *utils.StructuredLogger, opts ...Option) (*Archive, error) {
	if !cfg.Enabled() {
		return nil, fleeterrors.NewConfigurationError("archive bucket is not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fleeterrors.NewError(fleeterrors.ErrCodeArchiveFailed, "failed to load AWS config").
			WithComponent("archive").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(client, cfg, logger, opts...), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, cfg config.ArchiveConfig, logger *utils.StructuredLogger, opts ...Option) *Archive {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	a := &Archive{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger.WithComponent("archive").WithField("bucket", cfg.Bucket),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HealthCheck verifies the bucket is reachable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	if _, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return a.translateError(err, "HeadBucket", a.bucket)
	}
	return nil
}

// SaveConfig exports the live configuration and stores it.
func (a *Archive) SaveConfig(ctx context.Context, provider *config.Provider, format config.Format) (Object, error) {
	if format == "" {
		format = config.FormatJSON
	}
	data, err := provider.Export(format)
	if err != nil {
		return Object{}, fleeterrors.NewValidationError("%v", err)
	}
	key := a.key(KindConfig, a.now().UTC().Format(timestampLayout)+"-"+uuid.NewString()[:8]+"."+string(format))
	return a.put(ctx, key, data, contentType(format))
}

// RestoreConfig loads a stored configuration and imports it. An empty key
// restores the newest snapshot.
func (a *Archive) RestoreConfig(ctx context.Context, provider *config.Provider, key string) (Object, error) {
	if key == "" {
		objects, err := a.List(ctx, KindConfig)
		if err != nil {
			return Object{}, err
		}
		if len(objects) == 0 {
			return Object{}, fleeterrors.NewError(fleeterrors.ErrCodeArchiveFailed, "no configuration snapshots found").
				WithComponent("archive").
				WithOperation("restore")
		}
		key = objects[len(objects)-1].Key
	}

	data, err := a.get(ctx, key)
	if err != nil {
		return Object{}, err
	}
	format := config.FormatJSON
	if ext := path.Ext(key); ext == ".yaml" || ext == ".yml" {
		format = config.FormatYAML
	}
	cfg, err := config.Unmarshal(data, format)
	if err != nil {
		return Object{}, err
	}
	if err := provider.Import(cfg); err != nil {
		return Object{}, err
	}

	a.logger.Info("Configuration restored", map[string]interface{}{"key": key})
	return Object{Key: key, Size: int64(len(data))}, nil
}

// SaveAggregate stores one hourly aggregate under its hour.
func (a *Archive) SaveAggregate(ctx context.Context, agg analytics.HourlyAggregate) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fleeterrors.NewValidationError("%v", err)
	}
	key := a.key(KindAggregate, agg.Hour.UTC().Format("2006/01/02/15")+".json")
	_, err = a.put(ctx, key, data, "application/json")
	return err
}

// SaveReport stores a performance report.
func (a *Archive) SaveReport(ctx context.Context, report analytics.PerformanceReport) (Object, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Object{}, fleeterrors.NewValidationError("%v", err)
	}
	key := a.key(KindReport, report.GeneratedAt.UTC().Format(timestampLayout)+"-"+uuid.NewString()[:8]+".json")
	return a.put(ctx, key, data, "application/json")
}

// List returns the objects of kind in key order.
func (a *Archive) List(ctx context.Context, kind Kind) ([]Object, error) {
	prefix := a.key(kind, "")
	pager := s3.NewListObjectsV2Paginator(a.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []Object
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, a.translateError(err, "ListObjects", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (a *Archive) put(ctx context.Context, key string, data []byte, ctype string) (Object, error) {
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ctype),
	})
	if err != nil {
		a.logger.Error("Archive write failed", map[string]interface{}{"key": key, "error": err.Error()})
		return Object{}, a.translateError(err, "PutObject", key)
	}
	a.logger.Debug("Archived object", map[string]interface{}{"key": key, "size": len(data)})
	return Object{Key: key, Size: int64(len(data)), LastModified: a.now()}, nil
}

func (a *Archive) get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, a.translateError(err, "GetObject", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, a.translateError(err, "GetObject", key)
	}
	return data, nil
}

func (a *Archive) key(kind Kind, name string) string {
	return a.prefix + string(kind) + "/" + name
}

func (a *Archive) translateError(err error, operation, key string) error {
	msg := operation + " failed for " + key
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		msg = "object not found: " + key
	case isErrorType[*s3types.NoSuchBucket](err):
		msg = "bucket not found: " + a.bucket
	}
	return fleeterrors.NewError(fleeterrors.ErrCodeArchiveFailed, msg).
		WithComponent("archive").
		WithOperation(operation).
		WithDetail("key", key).
		WithCause(err)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func contentType(format config.Format) string {
	if format == config.FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}
