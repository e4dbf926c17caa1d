package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeInfo identifies a replica node. Addr is the base URL the meta server
// uses to reach it, for example "http://127.0.0.1:8081".
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// PartitionID names one partition of one app.
type PartitionID struct {
	AppID int32 `json:"app_id"`
	Index int32 `json:"partition_index"`
}

func (p PartitionID) String() string {
	return fmt.Sprintf("%d.%d", p.AppID, p.Index)
}

// ParsePartitionID parses the "<app_id>.<partition_index>" form produced by
// String.
func ParsePartitionID(s string) (PartitionID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return PartitionID{}, fmt.Errorf("invalid partition id %q", s)
	}
	app, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return PartitionID{}, fmt.Errorf("invalid app id in %q: %w", s, err)
	}
	idx, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return PartitionID{}, fmt.Errorf("invalid partition index in %q: %w", s, err)
	}
	return PartitionID{AppID: int32(app), Index: int32(idx)}, nil
}

// AppStatus is the availability of an app in the app table.
type AppStatus string

const (
	AppAvailable AppStatus = "available"
	AppDropping  AppStatus = "dropping"
	AppDropped   AppStatus = "dropped"
)

// AppInfo is the meta server's view of one app.
type AppInfo struct {
	AppID          int32     `json:"app_id"`
	AppName        string    `json:"app_name"`
	PartitionCount int32     `json:"partition_count"`
	ReplicaCount   int32     `json:"replica_count"`
	Status         AppStatus `json:"status"`
	IsBulkLoading  bool      `json:"is_bulk_loading"`
}

// PartitionConfig is the current replica placement of a partition. Primary
// and Secondaries are node addresses. An empty Primary means the partition
// currently has no primary.
type PartitionConfig struct {
	Pid         PartitionID `json:"pid"`
	Primary     string      `json:"primary"`
	Secondaries []string    `json:"secondaries"`
	Ballot      int64       `json:"ballot"`
}

// Replicas returns the primary followed by the secondaries.
func (c PartitionConfig) Replicas() []string {
	if c.Primary == "" {
		return append([]string(nil), c.Secondaries...)
	}
	out := make([]string, 0, len(c.Secondaries)+1)
	out = append(out, c.Primary)
	return append(out, c.Secondaries...)
}
