package bulkload

import (
	"strconv"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/storage"
)

// Layout builds coordination store paths:
//
//	<cluster_root>/bulk_load/<app_id>                 app record
//	<cluster_root>/bulk_load/<app_id>/<partition_idx> partition record
type Layout struct {
	root storage.Path
}

func NewLayout(clusterRoot string) Layout {
	return Layout{root: storage.NewPath(clusterRoot).Child("bulk_load")}
}

// Root is <cluster_root>/bulk_load.
func (l Layout) Root() storage.Path { return l.root }

func (l Layout) App(appID int32) storage.Path {
	return l.root.Child(strconv.FormatInt(int64(appID), 10))
}

func (l Layout) Partition(pid cluster.PartitionID) storage.Path {
	return l.App(pid.AppID).Child(strconv.FormatInt(int64(pid.Index), 10))
}

// parseIndex parses a node name produced by App or Partition.
func parseIndex(name string) (int32, error) {
	v, err := strconv.ParseInt(name, 10, 32)
	if err != nil || v < 0 {
		return 0, errors.Newf(errors.ErrCorruption, "unexpected node name %q", name)
	}
	return int32(v), nil
}
