package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/dreamware/bulkload/internal/errors"
)

// LocalConfig configures the local_service provider.
type LocalConfig struct {
	// BaseDir is prepended to every name. Empty means names are used as
	// given.
	BaseDir string `toml:"base-dir"`
}

// Local serves files from the local filesystem, or from a shared mount.
type Local struct {
	base string
}

func NewLocal(cfg LocalConfig) *Local {
	return &Local{base: cfg.BaseDir}
}

func (l *Local) resolve(name string) string {
	if l.base == "" {
		return filepath.FromSlash(name)
	}
	return filepath.Join(l.base, filepath.FromSlash(name))
}

func (l *Local) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	data, err := os.ReadFile(l.resolve(name))
	if err != nil {
		return nil, localError(name, err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(l.resolve(name))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, localError(name, err)
	}
	return true, nil
}

func (l *Local) Download(ctx context.Context, name, localPath string) (int64, string, error) {
	src, err := os.Open(l.resolve(name))
	if err != nil {
		return 0, "", localError(name, err)
	}
	defer src.Close()
	return writeLocal(ctx, src, name, localPath)
}

func localError(name string, err error) error {
	if os.IsNotExist(err) {
		return errors.Newf(errors.ErrObjectNotFound, "file %s not found", name)
	}
	return errors.Newf(errors.ErrFileOperationFailed, "reading file %s: %v", name, err)
}

// writeLocal streams r into localPath, hashing as it goes. The data is
// written to a temporary file first and renamed into place, so a partially
// downloaded file is never visible under its final name.
func writeLocal(ctx context.Context, r io.Reader, name, localPath string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, "", errors.Newf(errors.ErrFileOperationFailed, "creating directory for %s: %v", localPath, err)
	}
	tmp := localPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, "", errors.Newf(errors.ErrFileOperationFailed, "creating %s: %v", tmp, err)
	}

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(dst, h), ctxReader{ctx: ctx, r: r})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, "", errors.Newf(errors.ErrFileOperationFailed, "downloading %s: %v", name, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return 0, "", errors.Newf(errors.ErrFileOperationFailed, "renaming %s: %v", tmp, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
