package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/replica"
)

// node serves the replica side of bulk loads over HTTP.
type node struct {
	id     string
	addr   string
	exec   *replica.Executor
	logger logger.Logger
}

func (n *node) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", n.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", n.handleStats).Methods(http.MethodGet)
	r.HandleFunc(cluster.PathBulkLoadRequest, n.handleBulkLoad).Methods(http.MethodPost)
	r.HandleFunc(cluster.PathIngestion, n.handleIngestion).Methods(http.MethodPost)
	return r
}

func (n *node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": n.id, "addr": n.addr})
}

func (n *node) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := n.exec.Stats()
	writeJSON(w, http.StatusOK, struct {
		NodeID          string `json:"node_id"`
		Requests        uint64 `json:"requests"`
		FilesDownloaded uint64 `json:"files_downloaded"`
		BytesDownloaded uint64 `json:"bytes_downloaded"`
		Ingestions      uint64 `json:"ingestions"`
		Cleanups        uint64 `json:"cleanups"`
	}{
		NodeID:          n.id,
		Requests:        st.Requests,
		FilesDownloaded: st.FilesDownloaded,
		BytesDownloaded: st.BytesDownloaded,
		Ingestions:      st.Ingestions,
		Cleanups:        st.Cleanups,
	})
}

// handleBulkLoad answers 200 whenever the request parses; failures travel
// in the response's err field.
func (n *node) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.BulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	resp := n.exec.HandleBulkLoad(r.Context(), &req)
	if resp.Err != errors.OK {
		n.logger.Debugf("bulk load request for %s (%s): %s", req.Pid, req.Stage, resp.Err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *node) handleIngestion(w http.ResponseWriter, r *http.Request) {
	var req cluster.IngestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	resp := n.exec.HandleIngestion(r.Context(), &req)
	if resp.Err != errors.OK {
		n.logger.Warnf("ingestion of %s: %s %s", req.Pid, resp.Err, resp.EngineErr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// register announces the node to the meta server, retrying until it is
// accepted, attempts run out or ctx is done.
func register(ctx context.Context, c *cluster.Client, metaAddr string, info cluster.NodeInfo, attempts int, interval time.Duration, l logger.Logger) error {
	body := cluster.RegisterRequest{Node: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = c.PostJSON(ctx, metaAddr+"/register", body, nil)
		if lastErr == nil {
			l.Infof("registered with meta server @ %s", metaAddr)
			return nil
		}
		l.Warnf("register retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "registering with meta server")
		case <-time.After(interval):
		}
	}
	return errors.Wrapf(lastErr, "registering with meta server after %d attempts", attempts)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
