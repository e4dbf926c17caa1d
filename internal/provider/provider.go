// Package provider reads bulk-load files from the remote file provider the
// data was prepared on.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// Provider types accepted in start requests.
const (
	TypeLocal = "local_service"
	TypeS3    = "s3_service"
	TypeMinio = "minio_service"
)

const (
	InfoFileName     = "bulk_load_info"
	MetadataFileName = "bulk_load_metadata"
)

// Provider is a read-only view of a remote file store. Names are
// slash-separated paths starting at the provider root.
//
// Errors are coded: errors.ErrObjectNotFound when the file does not exist,
// errors.ErrFileOperationFailed for anything else.
type Provider interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// Download copies name to the local file localPath, creating parent
	// directories, and returns the number of bytes written and their md5
	// as lower-case hex.
	Download(ctx context.Context, name, localPath string) (int64, string, error)

	Exists(ctx context.Context, name string) (bool, error)
}

// Config carries the settings of every provider type. Only the section of
// the requested type is used.
type Config struct {
	Local LocalConfig `toml:"local"`
	S3    S3Config    `toml:"s3"`
	Minio MinioConfig `toml:"minio"`
}

// New builds a provider of the given type.
func New(typ string, cfg Config) (Provider, error) {
	switch typ {
	case TypeLocal:
		return NewLocal(cfg.Local), nil
	case TypeS3:
		return NewS3(cfg.S3)
	case TypeMinio:
		return NewMinio(cfg.Minio)
	default:
		return nil, errors.Newf(errors.ErrInvalidParameters, "invalid file provider type %q", typ)
	}
}

// Registry holds the providers a server has been configured with, keyed by
// type.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(typ string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typ] = p
}

// Get returns the provider for typ, or an ErrInvalidParameters error when
// none is configured.
func (r *Registry) Get(typ string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[typ]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidParameters, "invalid file provider type %q", typ)
	}
	return p, nil
}

// Types lists the registered provider types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AppDir returns <root>/<cluster>/<app>.
func AppDir(root, clusterName, appName string) string {
	return path.Join(root, clusterName, appName)
}

// InfoPath returns <root>/<cluster>/<app>/bulk_load_info.
func InfoPath(root, clusterName, appName string) string {
	return path.Join(AppDir(root, clusterName, appName), InfoFileName)
}

// PartitionDir returns <root>/<cluster>/<app>/<pidx>.
func PartitionDir(root, clusterName, appName string, pidx int32) string {
	return path.Join(AppDir(root, clusterName, appName), fmt.Sprint(pidx))
}

// MetadataPath returns <root>/<cluster>/<app>/<pidx>/bulk_load_metadata.
func MetadataPath(root, clusterName, appName string, pidx int32) string {
	return path.Join(PartitionDir(root, clusterName, appName, pidx), MetadataFileName)
}

// ReadBulkLoadInfo reads and decodes the bulk_load_info file of an app.
// A file that cannot be decoded is reported as errors.ErrCorruption.
func ReadBulkLoadInfo(ctx context.Context, p Provider, root, clusterName, appName string) (*cluster.BulkLoadInfo, error) {
	name := InfoPath(root, clusterName, appName)
	data, err := p.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	var info cluster.BulkLoadInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Newf(errors.ErrCorruption, "decoding %s: %v", name, err)
	}
	return &info, nil
}

// ReadMetadata reads and decodes the bulk_load_metadata file of a
// partition.
func ReadMetadata(ctx context.Context, p Provider, root, clusterName, appName string, pidx int32) (*cluster.Metadata, error) {
	name := MetadataPath(root, clusterName, appName, pidx)
	data, err := p.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	var meta cluster.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Newf(errors.ErrCorruption, "decoding %s: %v", name, err)
	}
	return &meta, nil
}
