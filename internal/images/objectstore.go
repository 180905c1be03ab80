// Package images implements the image lifecycle: searching an external
// provider for event imagery, storing copies in object storage, and the
// scheduled backfill and expiry jobs.
package images

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"towncal/internal/config"
)

// ObjectStore holds copies of downloaded event images. Stored rows only
// ever reference URLs minted by this store, never provider URLs.
type ObjectStore interface {
	// Put stores the object under key and returns its public URL.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	// Remove deletes the object under key. Removing a missing object is
	// not an error.
	Remove(ctx context.Context, key string) error
	// Key reports whether url belongs to this store and, if so, the
	// object key it maps to.
	Key(url string) (string, bool)
}

// NewObjectStore builds the configured backend.
func NewObjectStore(cfg config.ObjectStoreConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "disk":
		return NewDiskStore(cfg.Disk.Dir, cfg.Disk.BaseURL)
	case "s3":
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// DiskStore keeps objects as plain files under a root directory, served
// by the admin server under BaseURL.
type DiskStore struct {
	dir     string
	baseURL string
}

func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk store directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store dir: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the root directory, for static file serving.
func (d *DiskStore) Dir() string { return d.dir }

func (d *DiskStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	dst, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	return d.baseURL + "/" + key, nil
}

func (d *DiskStore) Remove(_ context.Context, key string) error {
	dst, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (d *DiskStore) Key(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, d.baseURL+"/")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// resolve maps a key to a path inside the root, rejecting traversal.
func (d *DiskStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	return filepath.Join(d.dir, filepath.FromSlash(clean[1:])), nil
}

// S3Store keeps objects in an S3-compatible bucket.
type S3Store struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

func NewS3Store(cfg config.S3StoreConfig) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, publicBase: base}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return s.publicBase + "/" + key, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 remove %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Key(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, s.publicBase+"/")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
