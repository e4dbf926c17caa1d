package cluster

import "fmt"

// BulkLoadStatus is the closed set of bulk-load statuses shared by apps,
// partitions and replicas.
type BulkLoadStatus int

const (
	StatusInvalid BulkLoadStatus = iota
	StatusNotStart
	StatusDownloading
	StatusDownloaded
	StatusIngesting
	StatusSucceed
	StatusFailed
	StatusPausing
	StatusPaused
	StatusCanceled
)

var statusNames = [...]string{
	StatusInvalid:     "invalid",
	StatusNotStart:    "not_start",
	StatusDownloading: "downloading",
	StatusDownloaded:  "downloaded",
	StatusIngesting:   "ingesting",
	StatusSucceed:     "succeed",
	StatusFailed:      "failed",
	StatusPausing:     "pausing",
	StatusPaused:      "paused",
	StatusCanceled:    "canceled",
}

// AllStatuses lists every valid status, StatusInvalid excluded.
func AllStatuses() []BulkLoadStatus {
	return []BulkLoadStatus{
		StatusNotStart, StatusDownloading, StatusDownloaded, StatusIngesting,
		StatusSucceed, StatusFailed, StatusPausing, StatusPaused, StatusCanceled,
	}
}

func (s BulkLoadStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transition can leave s.
func (s BulkLoadStatus) IsTerminal() bool {
	return s == StatusSucceed || s == StatusFailed || s == StatusCanceled
}

func (s BulkLoadStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown bulk load status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *BulkLoadStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = BulkLoadStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown bulk load status %q", string(text))
}

// ControlType is an operator action on a running bulk load.
type ControlType string

const (
	ControlPause       ControlType = "pause"
	ControlRestart     ControlType = "restart"
	ControlCancel      ControlType = "cancel"
	ControlForceCancel ControlType = "force_cancel"
)

// Valid reports whether c is one of the known actions.
func (c ControlType) Valid() bool {
	switch c {
	case ControlPause, ControlRestart, ControlCancel, ControlForceCancel:
		return true
	}
	return false
}

// IngestionStatus is a replica's progress through ingestion.
type IngestionStatus string

const (
	IngestionNotStarted IngestionStatus = "not_ingest"
	IngestionRunning    IngestionStatus = "running"
	IngestionSucceed    IngestionStatus = "succeed"
	IngestionFailed     IngestionStatus = "failed"
)
