// Package mapassets stores the binary artifacts behind persistent AR maps:
// point clouds, reference images, and the metadata/feature blobs produced by
// the mapping pipeline. The backing store is any S3-compatible service; an
// in-memory implementation backs tests and single-node development.
//
// Key layout:
//
//	point_clouds/<map>.ply
//	reference_images/<map>/<name>.jpg
//	maps/<map>/metadata.json
//	maps/<map>/features.bin
package mapassets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("mapassets: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore abstracts the blob store holding map assets. Implementations
// must be safe for concurrent use.
type ObjectStore interface {
	// Put writes an object, replacing any existing object at key.
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// Get opens an object for reading. The caller must close the returned
	// reader. Returns ErrObjectNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Healthy verifies the store is reachable.
	Healthy(ctx context.Context) error
}

// PointCloudKey returns the object key for a map's dense point cloud.
func PointCloudKey(mapID string) string {
	return "point_clouds/" + mapID + ".ply"
}

// ReferenceImageKey returns the object key for a named localization image.
func ReferenceImageKey(mapID, name string) string {
	return "reference_images/" + mapID + "/" + name + ".jpg"
}

// MetadataKey returns the object key for a map's metadata document.
func MetadataKey(mapID string) string {
	return "maps/" + mapID + "/metadata.json"
}

// FeaturesKey returns the object key for a map's feature descriptor blob.
func FeaturesKey(mapID string) string {
	return "maps/" + mapID + "/features.bin"
}

// Config holds S3-compatible storage settings. Endpoint is optional: when
// set (MinIO, Ceph, localstack) requests use path-style addressing against
// it; when empty the standard AWS endpoint resolution applies.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

// Configured reports whether this deployment has object storage at all.
// The bucket name alone is not enough: it carries a default, so only an
// explicit endpoint or credentials opt the daemon in.
func (c Config) Configured() bool { return c.Endpoint != "" || c.AccessKey != "" }

// S3Store is an ObjectStore backed by an S3-compatible service.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed store from cfg.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("mapassets: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	ctx, span := observability.StartSpan(ctx, "storage.put",
		observability.AttrStorageKey.String(key))
	defer span.End()

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	s.record("put", start, err)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("put %s: %w", key, err)
	}
	observability.SetSpanOK(span)
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := observability.StartSpan(ctx, "storage.get",
		observability.AttrStorageKey.String(key))
	defer span.End()

	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.record("get", start, err)
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	observability.SetSpanOK(span)
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, span := observability.StartSpan(ctx, "storage.delete",
		observability.AttrStorageKey.String(key))
	defer span.End()

	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.record("delete", start, err)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	observability.SetSpanOK(span)
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ctx, span := observability.StartSpan(ctx, "storage.list",
		observability.AttrStorageKey.String(prefix))
	defer span.End()

	start := time.Now()
	var (
		infos []ObjectInfo
		token *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			s.record("list", start, err)
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	s.record("list", start, nil)
	observability.SetSpanOK(span)
	return infos, nil
}

func (s *S3Store) Healthy(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	s.record("head", start, err)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) record(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(op, status, time.Since(start).Milliseconds())
}
