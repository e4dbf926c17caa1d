package bulkload

import (
	"encoding/json"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// AppRecord is persisted at <cluster_root>/bulk_load/<app_id>.
type AppRecord struct {
	AppID            int32  `json:"app_id"`
	PartitionCount   int32  `json:"partition_count"`
	AppName          string `json:"app_name"`
	ClusterName      string `json:"cluster_name"`
	FileProviderType string `json:"file_provider_type"`
	Status           Status `json:"status"`
}

// PartitionRecord is persisted at <cluster_root>/bulk_load/<app_id>/<idx>.
type PartitionRecord struct {
	Status   Status           `json:"status"`
	Metadata cluster.Metadata `json:"metadata"`
}

func encodeRecord(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	return data, nil
}

func decodeAppRecord(data []byte) (AppRecord, error) {
	var rec AppRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AppRecord{}, errors.Newf(errors.ErrCorruption, "decoding app record: %v", err)
	}
	return rec, nil
}

func decodePartitionRecord(data []byte) (PartitionRecord, error) {
	var rec PartitionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PartitionRecord{}, errors.Newf(errors.ErrCorruption, "decoding partition record: %v", err)
	}
	return rec, nil
}
