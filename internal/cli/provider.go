package cli

import (
	"github.com/spf13/pflag"

	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/provider"
)

// ProviderFlags registers the "provider.*" flags of p.
func ProviderFlags(flags *pflag.FlagSet, p *provider.Config) {
	flags.StringVar(&p.Local.BaseDir, "provider.local.base-dir", p.Local.BaseDir, "Directory prepended to local_service paths.")

	flags.StringVar(&p.S3.Bucket, "provider.s3.bucket", p.S3.Bucket, "S3 bucket of s3_service.")
	flags.StringVar(&p.S3.Region, "provider.s3.region", p.S3.Region, "S3 region.")
	flags.StringVar(&p.S3.Endpoint, "provider.s3.endpoint", p.S3.Endpoint, "S3 endpoint override.")
	flags.StringVar(&p.S3.AccessKeyID, "provider.s3.access-key-id", p.S3.AccessKeyID, "S3 access key id.")
	flags.StringVar(&p.S3.SecretAccessKey, "provider.s3.secret-access-key", p.S3.SecretAccessKey, "S3 secret access key.")
	flags.BoolVar(&p.S3.ForcePathStyle, "provider.s3.force-path-style", p.S3.ForcePathStyle, "Use path style S3 addressing.")

	flags.StringVar(&p.Minio.Endpoint, "provider.minio.endpoint", p.Minio.Endpoint, "MinIO endpoint of minio_service.")
	flags.StringVar(&p.Minio.Bucket, "provider.minio.bucket", p.Minio.Bucket, "MinIO bucket.")
	flags.StringVar(&p.Minio.Region, "provider.minio.region", p.Minio.Region, "MinIO region.")
	flags.StringVar(&p.Minio.AccessKeyID, "provider.minio.access-key-id", p.Minio.AccessKeyID, "MinIO access key id.")
	flags.StringVar(&p.Minio.SecretAccessKey, "provider.minio.secret-access-key", p.Minio.SecretAccessKey, "MinIO secret access key.")
	flags.BoolVar(&p.Minio.UseSSL, "provider.minio.use-ssl", p.Minio.UseSSL, "Connect to MinIO over TLS.")
}

// BuildProviders registers local_service, plus s3_service and
// minio_service when their bucket or endpoint is configured.
func BuildProviders(cfg provider.Config, l logger.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	reg.Register(provider.TypeLocal, provider.NewLocal(cfg.Local))

	if cfg.S3.Bucket != "" {
		p, err := provider.New(provider.TypeS3, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "configuring s3_service")
		}
		reg.Register(provider.TypeS3, p)
	}
	if cfg.Minio.Endpoint != "" {
		p, err := provider.New(provider.TypeMinio, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "configuring minio_service")
		}
		reg.Register(provider.TypeMinio, p)
	}
	l.Infof("file providers: %v", reg.Types())
	return reg, nil
}
