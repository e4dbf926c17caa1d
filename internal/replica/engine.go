package replica

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// Engine is the storage engine downloaded files are ingested into.
type Engine interface {
	// Ingest takes the files in dir into the replica's store. It must be
	// safe to call again after a failure.
	Ingest(ctx context.Context, pid cluster.PartitionID, replica string, dir string, files []cluster.FileMeta) error
}

// DirEngine ingests by moving files into a per-replica directory under
// root, the way an LSM engine links external files into its tree.
type DirEngine struct {
	root string
}

func NewDirEngine(root string) *DirEngine {
	return &DirEngine{root: root}
}

// Dir returns where the files of a replica are ingested to.
func (d *DirEngine) Dir(pid cluster.PartitionID, replica string) string {
	return filepath.Join(d.root, pid.String(), replicaDirName(replica))
}

func (d *DirEngine) Ingest(ctx context.Context, pid cluster.PartitionID, replica string, dir string, files []cluster.FileMeta) error {
	dst := d.Dir(pid, replica)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "ingesting")
		}
		src := filepath.Join(dir, f.Name)
		target := filepath.Join(dst, f.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", target)
		}
		if err := os.Rename(src, target); err != nil {
			// Already moved by an earlier attempt.
			if _, serr := os.Stat(target); serr == nil {
				continue
			}
			return errors.Newf(errors.ErrIngestionFailed, "ingesting %s: %v", f.Name, err)
		}
	}
	return nil
}
