package cluster

import "github.com/dreamware/bulkload/internal/errors"

// Wire paths served by replica nodes.
const (
	PathBulkLoadRequest = "/bulkload/request"
	PathIngestion       = "/bulkload/ingest"
)

// FileMeta describes one data file of a partition on the file provider.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
}

// Metadata is the file set of one partition.
type Metadata struct {
	Files         []FileMeta `json:"files"`
	FileTotalSize int64      `json:"file_total_size"`
}

// IsEmpty reports whether no file has been recorded yet.
func (m Metadata) IsEmpty() bool {
	return len(m.Files) == 0 && m.FileTotalSize == 0
}

// BulkLoadInfo is the manifest written out of band next to the data files:
// <provider_root>/<cluster_name>/<app_name>/bulk_load_info.
type BulkLoadInfo struct {
	AppID          int32  `json:"app_id"`
	AppName        string `json:"app_name"`
	PartitionCount int32  `json:"partition_count"`
}

type StartBulkLoadRequest struct {
	AppName          string `json:"app_name"`
	ClusterName      string `json:"cluster_name"`
	FileProviderType string `json:"file_provider_type"`
}

type StartBulkLoadResponse struct {
	Err     errors.Code `json:"err"`
	HintMsg string      `json:"hint_msg"`
}

type ControlBulkLoadRequest struct {
	AppID int32       `json:"app_id"`
	Type  ControlType `json:"type"`
}

type ControlBulkLoadResponse struct {
	Err     errors.Code `json:"err"`
	HintMsg string      `json:"hint_msg"`
}

// QueryBulkLoadResponse is a snapshot of one app's bulk load.
type QueryBulkLoadResponse struct {
	Err               errors.Code               `json:"err"`
	HintMsg           string                    `json:"hint_msg,omitempty"`
	AppID             int32                     `json:"app_id"`
	AppName           string                    `json:"app_name"`
	AppStatus         BulkLoadStatus            `json:"app_status"`
	AppProgress       int32                     `json:"app_progress"`
	PartitionStatus   []BulkLoadStatus          `json:"partition_status"`
	PartitionProgress []int32                   `json:"partition_progress"`
	ReplicaStates     []map[string]ReplicaState `json:"replica_states"`
}

// ReplicaState is what one replica reports about its own bulk load.
type ReplicaState struct {
	Stage            BulkLoadStatus  `json:"stage"`
	DownloadProgress int32           `json:"download_progress"`
	DownloadErr      errors.Code     `json:"download_err,omitempty"`
	IngestStatus     IngestionStatus `json:"ingest_status"`
	IsCleanedUp      bool            `json:"is_cleaned_up"`
	IsPaused         bool            `json:"is_paused"`
}

// BulkLoadRequest is sent by the meta server to a partition's primary.
// Stage carries the app-level status the primary should act on.
type BulkLoadRequest struct {
	Pid              PartitionID    `json:"pid"`
	AppName          string         `json:"app_name"`
	ClusterName      string         `json:"cluster_name"`
	FileProviderType string         `json:"file_provider_type"`
	RemoteRoot       string         `json:"remote_root"`
	Primary          string         `json:"primary"`
	Secondaries      []string       `json:"secondaries"`
	Ballot           int64          `json:"ballot"`
	Stage            BulkLoadStatus `json:"stage"`
	QueryMetadata    bool           `json:"query_metadata"`
}

// BulkLoadResponse is the primary's report for its whole replica group.
type BulkLoadResponse struct {
	Err                      errors.Code             `json:"err"`
	Pid                      PartitionID             `json:"pid"`
	AppName                  string                  `json:"app_name"`
	PrimaryStatus            BulkLoadStatus          `json:"primary_status"`
	GroupStates              map[string]ReplicaState `json:"group_states"`
	Metadata                 *Metadata               `json:"metadata,omitempty"`
	TotalDownloadProgress    int32                   `json:"total_download_progress"`
	IsGroupIngestionFinished bool                    `json:"is_group_ingestion_finished"`
	IsGroupCleanedUp         bool                    `json:"is_group_cleaned_up"`
	IsGroupPaused            bool                    `json:"is_group_paused"`
}

// IngestionRequest asks a primary to ingest the downloaded files of its
// group into the storage engine.
type IngestionRequest struct {
	AppName  string      `json:"app_name"`
	Pid      PartitionID `json:"pid"`
	Metadata Metadata    `json:"metadata"`
	Ballot   int64       `json:"ballot"`
}

type IngestionResponse struct {
	Err       errors.Code `json:"err"`
	EngineErr string      `json:"engine_err,omitempty"`
}
