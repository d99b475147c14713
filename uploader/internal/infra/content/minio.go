// Package content resolves content payload URIs against MinIO and stages
// bodies received over the control API.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	mio "github.com/you-humble/mediaupload/core/libs/minio"
	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// SchemeS3 addresses an object in any bucket: s3://bucket/key.
// A bare key resolves against the configured bucket.
const SchemeS3 = "s3"

var errInvalidName = errors.New("invalid object name")

type objectRef struct {
	bucket string
	key    string
}

type minioStore struct {
	db       *minio.Client
	bucket   string
	basePath string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config, basePath string) (*minioStore, error) {
	client, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newMinIOStore(client, cfg.Bucket, basePath), nil
}

func newMinIOStore(client *minio.Client, bucket, basePath string) *minioStore {
	basePath = strings.Trim(basePath, "/")
	if basePath != "" {
		basePath += "/"
	}
	return &minioStore{db: client, bucket: bucket, basePath: basePath}
}

// Open implements payload.ContentResolver.
func (s *minioStore) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	ref, err := s.resolve(uri)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.GetObject(ctx, ref.bucket, ref.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, translate(err, ref)
	}
	return obj, st.Size, nil
}

// Size implements payload.ContentResolver.
func (s *minioStore) Size(ctx context.Context, uri string) (int64, error) {
	ref, err := s.resolve(uri)
	if err != nil {
		return 0, err
	}
	st, err := s.db.StatObject(ctx, ref.bucket, ref.key, minio.StatObjectOptions{})
	if err != nil {
		return 0, translate(err, ref)
	}
	return st.Size, nil
}

// Stage stores r under a fresh name in the staging area and returns the
// s3 URI a content payload can carry.
func (s *minioStore) Stage(ctx context.Context, r io.Reader, filename string, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := path.Ext(filename)
	key := s.basePath + uuid.NewString() + ext

	putSize := size
	if putSize <= 0 {
		putSize = -1
	}
	if _, err := s.db.PutObject(ctx, s.bucket, key, r, putSize, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return SchemeS3 + "://" + s.bucket + "/" + key, nil
}

func (s *minioStore) Delete(ctx context.Context, uri string) error {
	ref, err := s.resolve(uri)
	if err != nil {
		return err
	}
	err = s.db.RemoveObject(ctx, ref.bucket, ref.key, minio.RemoveObjectOptions{})
	if err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == minio.NoSuchKey {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// CleanupOlderThan removes staged objects last modified before now-maxAge.
func (s *minioStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	opts := minio.ListObjectsOptions{Prefix: s.basePath, Recursive: true}
	for info := range s.db.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return fmt.Errorf("list objects: %w", info.Err)
		}
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := s.db.RemoveObject(ctx, s.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove old object %s: %w", info.Key, err)
		}
	}
	return nil
}

func (s *minioStore) resolve(uri string) (objectRef, error) {
	return parseRef(uri, s.bucket)
}

func parseRef(uri, defaultBucket string) (objectRef, error) {
	if strings.TrimSpace(uri) == "" {
		return objectRef{}, fmt.Errorf("%w: empty", errInvalidName)
	}

	ref := objectRef{bucket: defaultBucket, key: uri}
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		if u.Scheme != SchemeS3 {
			return objectRef{}, fmt.Errorf("%w: scheme %q", payload.ErrUnsupported, u.Scheme)
		}
		ref.bucket = u.Host
		ref.key = u.Path
	}

	clean := path.Clean("/" + ref.key)
	ref.key = strings.TrimPrefix(clean, "/")
	if ref.key == "" || ref.key == "." {
		return objectRef{}, fmt.Errorf("%w: %q", errInvalidName, uri)
	}
	if ref.bucket == "" {
		return objectRef{}, fmt.Errorf("%w: no bucket in %q", errInvalidName, uri)
	}
	return ref, nil
}

// translate maps a missing object to payload.ErrNotFound. Anything else is
// treated as a storage outage and marked domain.ErrNetwork.
func translate(err error, ref objectRef) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case minio.NoSuchKey, "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", payload.ErrNotFound, ref.bucket, ref.key)
	}
	return fmt.Errorf("object %s/%s: %w: %w", ref.bucket, ref.key, domain.ErrNetwork, err)
}
