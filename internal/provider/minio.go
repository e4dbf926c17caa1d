package provider

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dreamware/bulkload/internal/errors"
)

// MinioConfig configures the minio_service provider.
type MinioConfig struct {
	Endpoint        string `toml:"endpoint"`
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access-key-id"`
	SecretAccessKey string `toml:"secret-access-key"`
	UseSSL          bool   `toml:"use-ssl"`
}

// Minio reads bulk-load files from a MinIO (or other S3 compatible) bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrInvalidParameters, "minio endpoint required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrInvalidParameters, "minio bucket required")
	}
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Newf(errors.ErrFileOperationFailed, "creating minio client: %v", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) key(name string) string {
	return strings.TrimPrefix(name, "/")
}

// open returns the object after a Stat, since minio-go defers request
// errors until the first read.
func (m *Minio) open(ctx context.Context, name string) (*minio.Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(m.bucket, name, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, minioError(m.bucket, name, err)
	}
	return obj, nil
}

func (m *Minio) ReadFile(ctx context.Context, name string) ([]byte, error) {
	obj, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, minioError(m.bucket, name, err)
	}
	return data, nil
}

func (m *Minio) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.key(name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = minioError(m.bucket, name, err)
	if errors.Is(err, errors.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (m *Minio) Download(ctx context.Context, name, localPath string) (int64, string, error) {
	obj, err := m.open(ctx, name)
	if err != nil {
		return 0, "", err
	}
	defer obj.Close()
	return writeLocal(ctx, obj, name, localPath)
}

func minioError(bucket, name string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey", "NotFound":
		return errors.Newf(errors.ErrObjectNotFound, "%s/%s not found", bucket, strings.TrimPrefix(name, "/"))
	}
	return errors.Newf(errors.ErrFileOperationFailed, "fetching %s/%s: %v", bucket, strings.TrimPrefix(name, "/"), err)
}
