package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kilnhq/kiln/pkg/config"
)

// Client wraps the S3-compatible object store behind the small surface the
// orchestrator needs: blob put/get/stat/list/delete plus presigned URLs for
// client-direct transfers. Safe for concurrent use.
type Client struct {
	mc         *minio.Client
	bucket     string
	presignTTL time.Duration
}

// ObjectInfo describes a stored object. Metadata is only populated by Stat;
// listings skip it to keep the scan cheap.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// New builds a Client from configuration. The constructor does not dial;
// EnsureBucket performs the first round trip.
func New(cfg config.ObjectStoreConfig) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: endpoint and bucket are required: %w", errdefs.ErrInvalidArgument)
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: failed to build client: %w", err)
	}
	ttl := time.Duration(cfg.PresignTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Client{mc: mc, bucket: cfg.Bucket, presignTTL: ttl}, nil
}

// EnsureBucket checks the configured bucket exists and creates it when
// missing. Called once at startup.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return classify("head bucket", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another replica may have won the race.
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return classify("make bucket", c.bucket, err)
	}
	return nil
}

// Put streams an object into the store. size must be the exact byte count.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return c.PutWithMetadata(ctx, key, r, size, contentType, nil)
}

// PutWithMetadata stores an object with user metadata attached. Metadata
// keys survive a store round trip lowercased.
func (c *Client) PutWithMetadata(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error {
	opts := minio.PutObjectOptions{ContentType: contentType, UserMetadata: meta}
	if _, err := c.mc.PutObject(ctx, c.bucket, key, r, size, opts); err != nil {
		return classify("put", key, err)
	}
	return nil
}

// Get opens an object for streaming. The caller owns the ReadCloser. A
// missing object surfaces as ErrNotFound on first read.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", key, err)
	}
	return obj, nil
}

// GetBytes fetches a whole object into memory. Use Get for anything large.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

// Stat returns object metadata without the body. User metadata keys come
// back lowercased; the transport title-cases them in flight.
func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify("stat", key, err)
	}
	var meta map[string]string
	if len(info.UserMetadata) > 0 {
		meta = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			meta[strings.ToLower(k)] = v
		}
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		Metadata:     meta,
	}, nil
}

// Delete removes an object. Deleting a missing object is a no-op, matching
// S3 semantics.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// List returns all objects under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify("list", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

// PresignGet mints a download URL for client-direct fetch. A zero ttl uses
// the configured default.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.presignTTL
	}
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", classify("presign get", key, err)
	}
	return u.String(), nil
}

// PresignPut mints an upload URL for client-direct upload.
func (c *Client) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.presignTTL
	}
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, key, ttl)
	if err != nil {
		return "", classify("presign put", key, err)
	}
	return u.String(), nil
}

// Object key layout. Everything the orchestrator stores lives under one of
// these three prefixes.

// FileKey is where a user-supplied session file lives.
func FileKey(sessionID, fileID string) string {
	return fmt.Sprintf("files/%s/%s", sessionID, fileID)
}

// StateKey is the cold-tier location of a session's interpreter state.
func StateKey(sessionID string) string {
	return fmt.Sprintf("archive/state/%s", sessionID)
}

// OutputKey is where a file produced by an execution lives.
func OutputKey(executionID string, index int, filename string) string {
	return fmt.Sprintf("outputs/%s/%d-%s", executionID, index, filename)
}

func classify(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("objstore %s %s: %w", op, key, errdefs.ErrNotFound)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("objstore %s %s: %v: %w", op, key, err, errdefs.ErrPermissionDenied)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("objstore %s %s: %v: %w", op, key, err, errdefs.ErrUnavailable)
	}
	return fmt.Errorf("objstore %s %s: %w", op, key, err)
}
