package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreOpts configures an ObjectStore
type ObjectStoreOpts func(c *objectStoreConfig)

type objectStoreConfig struct {
	endpoint        string
	bucket          string
	prefix          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
	urlExpiry       time.Duration
}

func newObjectStoreConfig(opts ...ObjectStoreOpts) *objectStoreConfig {
	cfg := &objectStoreConfig{
		prefix:    "runs",
		urlExpiry: 6 * time.Hour,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// ObjectStore is the S3 compatible bucket run outputs are handed off to
type ObjectStore struct {
	cfg    *objectStoreConfig
	client *minio.Client
}

// NewObjectStore creates a new object store client
func NewObjectStore(opts ...ObjectStoreOpts) (*ObjectStore, error) {
	cfg := newObjectStoreConfig(opts...)
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("object storage endpoint and bucket are required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &ObjectStore{cfg: cfg, client: client}, nil
}

// Bucket returns the bucket name
func (s *ObjectStore) Bucket() string {
	return s.cfg.bucket
}

// Key returns the object key of rel under the run's prefix
func (s *ObjectStore) Key(runLabel, rel string) string {
	return path.Join(s.cfg.prefix, runLabel, rel)
}

// Location returns the s3:// location recorded for a run
func (s *ObjectStore) Location(runLabel string) string {
	return fmt.Sprintf("s3://%s/%s/", s.cfg.bucket, path.Join(s.cfg.prefix, runLabel))
}

// PresignPut returns a URL the remote host can PUT one output file to
func (s *ObjectStore) PresignPut(ctx context.Context, runLabel, rel string) (*url.URL, error) {
	u, err := s.client.PresignedPutObject(ctx, s.cfg.bucket, s.Key(runLabel, rel), s.cfg.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s: %w", rel, err)
	}
	return u, nil
}

// ListRun returns the sizes of the objects stored for a run, keyed by path relative to the run prefix
func (s *ObjectStore) ListRun(ctx context.Context, runLabel string) (map[string]int64, error) {
	prefix := path.Join(s.cfg.prefix, runLabel) + "/"
	objects := make(map[string]int64)
	for obj := range s.client.ListObjects(ctx, s.cfg.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		objects[strings.TrimPrefix(obj.Key, prefix)] = obj.Size
	}
	return objects, nil
}

// WithEndpoint sets the S3 endpoint (host:port)
func WithEndpoint(endpoint string) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.endpoint = endpoint
	}
}

// WithBucket sets the bucket
func WithBucket(bucket string) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.bucket = bucket
	}
}

// WithPrefix sets the key prefix runs are stored under
func WithPrefix(prefix string) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.prefix = strings.Trim(prefix, "/")
	}
}

func WithAccessKey(accessKey string) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		c.useSSL = useSSL
	}
}

// WithURLExpiry sets how long presigned upload URLs stay valid
func WithURLExpiry(d time.Duration) ObjectStoreOpts {
	return func(c *objectStoreConfig) {
		if d > 0 {
			c.urlExpiry = d
		}
	}
}
