package provider

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/dreamware/bulkload/internal/errors"
)

// S3Config configures the s3_service provider. Credentials fall back to
// the SDK's default chain when AccessKeyID is empty.
type S3Config struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access-key-id"`
	SecretAccessKey string `toml:"secret-access-key"`
	ForcePathStyle  bool   `toml:"force-path-style"`
}

// S3 reads bulk-load files from one S3 bucket. Names map to object keys
// with the leading slash removed.
type S3 struct {
	client s3iface.S3API
	bucket string
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrInvalidParameters, "s3 bucket required")
	}
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Newf(errors.ErrFileOperationFailed, "creating aws session: %v", err)
	}
	return NewS3WithClient(s3.New(sess), cfg.Bucket), nil
}

// NewS3WithClient wraps an existing client, for example a fake in tests.
func NewS3WithClient(client s3iface.S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) key(name string) string {
	return strings.TrimPrefix(name, "/")
}

func (s *S3) get(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, s3Error(s.bucket, name, err)
	}
	return out.Body, nil
}

func (s *S3) ReadFile(ctx context.Context, name string) ([]byte, error) {
	body, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Newf(errors.ErrFileOperationFailed, "reading s3://%s/%s: %v", s.bucket, s.key(name), err)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err == nil {
		return true, nil
	}
	err = s3Error(s.bucket, name, err)
	if errors.Is(err, errors.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3) Download(ctx context.Context, name, localPath string) (int64, string, error) {
	body, err := s.get(ctx, name)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()
	return writeLocal(ctx, body, name, localPath)
}

func s3Error(bucket, name string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound":
			return errors.Newf(errors.ErrObjectNotFound, "s3://%s/%s not found", bucket, strings.TrimPrefix(name, "/"))
		}
	}
	return errors.Newf(errors.ErrFileOperationFailed, "fetching s3://%s/%s: %v", bucket, strings.TrimPrefix(name, "/"), err)
}
