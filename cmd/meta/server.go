package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/bulkload/internal/bulkload"
	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/coordinator"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/storage"
)

// campaignBackoff is the pause between failed leadership attempts.
var campaignBackoff = time.Second

// server is one meta server instance: the app table, the bulk load
// controller and the HTTP API in front of them.
type server struct {
	id       string
	cfg      Config
	logger   logger.Logger
	registry *coordinator.AppRegistry
	ctl      *bulkload.Controller
	elector  storage.Elector
	monitor  *coordinator.HealthMonitor
}

type serverOptions struct {
	ID        string
	Config    Config
	Store     storage.Store
	Elector   storage.Elector
	Providers bulkload.ProviderSource
	Client    bulkload.ReplicaClient
	Logger    logger.Logger
}

func newServer(opts serverOptions) (*server, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger
	}
	if opts.Config.HealthInterval <= 0 {
		return nil, errors.New(errors.ErrInvalidParameters, "health-interval must be positive")
	}
	registry := coordinator.NewAppRegistry()
	ctl, err := bulkload.NewController(bulkload.Options{
		Config:    opts.Config.BulkLoad,
		Store:     opts.Store,
		Apps:      registry,
		Providers: opts.Providers,
		Client:    opts.Client,
		Logger:    opts.Logger.WithPrefix("[bulkload] "),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating bulk load controller")
	}
	s := &server{
		id:       opts.ID,
		cfg:      opts.Config,
		logger:   opts.Logger,
		registry: registry,
		ctl:      ctl,
		elector:  opts.Elector,
		monitor:  coordinator.NewHealthMonitor(time.Duration(opts.Config.HealthInterval), opts.Logger.WithPrefix("[health] ")),
	}
	s.monitor.SetOnUnhealthy(s.dropNode)
	return s, nil
}

func (s *server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)

	r.HandleFunc("/apps", s.handleListApps).Methods(http.MethodGet)
	r.HandleFunc("/apps", s.handleCreateApp).Methods(http.MethodPost)
	r.HandleFunc("/apps/{app_name}", s.handleDropApp).Methods(http.MethodDelete)

	r.HandleFunc("/bulkload", s.handleListBulkLoads).Methods(http.MethodGet)
	r.HandleFunc("/bulkload/start", s.handleStartBulkLoad).Methods(http.MethodPost)
	r.HandleFunc("/bulkload/control", s.handleControlBulkLoad).Methods(http.MethodPost)
	r.HandleFunc("/bulkload/{app_name}", s.handleQueryBulkLoad).Methods(http.MethodGet)
	return r
}

// run keeps campaigning for leadership until ctx is done, handing the
// controller every term it wins.
func (s *server) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitor.Start(ctx, s.registry.Nodes)
	}()
	defer func() {
		s.monitor.Stop()
		wg.Wait()
	}()

	for {
		if err := s.elector.Campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnf("campaigning for leadership: %v", err)
			if !sleep(ctx, campaignBackoff) {
				return
			}
			continue
		}
		s.logger.Infof("%s is the meta leader", s.id)
		if err := s.ctl.OnLeadershipAcquired(ctx); err != nil {
			s.logger.Errorf("taking over bulk loads: %v", err)
			_ = s.elector.Resign(context.Background())
			if !sleep(ctx, campaignBackoff) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.ctl.OnLeadershipLost()
			if err := s.elector.Resign(context.Background()); err != nil {
				s.logger.Warnf("resigning: %v", err)
			}
			return
		case <-s.elector.Done():
			s.logger.Warnf("%s lost meta leadership", s.id)
			s.ctl.OnLeadershipLost()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *server) close() {
	s.ctl.Close()
}

// dropNode removes an unhealthy node from placement.
func (s *server) dropNode(nodeID string) {
	s.logger.Warnf("removing unhealthy node %s from placement", nodeID)
	s.registry.RemoveNode(nodeID)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	leader, err := s.elector.Leader(r.Context())
	if err != nil {
		s.logger.Debugf("reading leader: %v", err)
	}
	writeJSON(w, http.StatusOK, struct {
		ID       string `json:"id"`
		Leader   string `json:"leader"`
		IsLeader bool   `json:"is_leader"`
	}{ID: s.id, Leader: leader, IsLeader: s.ctl.IsLeader()})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	known := false
	for _, n := range s.registry.Nodes() {
		if n.ID == req.Node.ID {
			known = true
		}
	}
	if err := s.registry.AddNode(req.Node); err != nil {
		writeError(w, err)
		return
	}
	if !known {
		s.logger.Infof("node %s registered at %s", req.Node.ID, req.Node.Addr)
		s.placeReplicas()
	}
	w.WriteHeader(http.StatusNoContent)
}

// placeReplicas re-places apps when some partition has fewer replicas than
// the node set allows: apps created before any node registered have no
// primary, and apps created on a smaller cluster lack secondaries.
func (s *server) placeReplicas() {
	nodes := int32(len(s.registry.Nodes()))
	for _, app := range s.registry.Apps() {
		if app.Status != cluster.AppAvailable {
			continue
		}
		want := app.ReplicaCount
		if want > nodes {
			want = nodes
		}
		for i := int32(0); i < app.PartitionCount; i++ {
			pc, ok := s.registry.Partition(cluster.PartitionID{AppID: app.AppID, Index: i})
			if ok && (pc.Primary == "" || int32(len(pc.Replicas())) < want) {
				if err := s.registry.Rebalance(); err != nil {
					s.logger.Warnf("rebalancing: %v", err)
				}
				return
			}
		}
	}
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	type node struct {
		cluster.NodeInfo
		Status coordinator.NodeStatus `json:"status"`
	}
	nodes := s.registry.Nodes()
	out := make([]node, 0, len(nodes))
	for _, n := range nodes {
		st := coordinator.NodeUnknown
		if h := s.monitor.GetNodeHealth(n.ID); h != nil {
			st = h.Status
		}
		out = append(out, node{NodeInfo: n, Status: st})
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []node `json:"nodes"`
	}{Nodes: out})
}

type createAppRequest struct {
	AppName        string `json:"app_name"`
	PartitionCount int32  `json:"partition_count"`
	ReplicaCount   int32  `json:"replica_count"`
}

func (s *server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ReplicaCount == 0 {
		req.ReplicaCount = s.cfg.ReplicaCount
	}
	info, err := s.registry.CreateApp(req.AppName, req.PartitionCount, req.ReplicaCount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Infof("created app %s(%d) with %d partitions", info.AppName, info.AppID, info.PartitionCount)
	writeJSON(w, http.StatusCreated, info)
}

func (s *server) handleListApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Apps []cluster.AppInfo `json:"apps"`
	}{Apps: s.registry.Apps()})
}

func (s *server) handleDropApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app_name"]
	if err := s.registry.DropApp(name); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Infof("dropped app %s", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListBulkLoads(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		AppID  int32                  `json:"app_id"`
		Status cluster.BulkLoadStatus `json:"status"`
	}
	ids := s.ctl.InProgress()
	out := make([]entry, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.ctl.AppStatus(id); ok {
			out = append(out, entry{AppID: id, Status: st})
		}
	}
	writeJSON(w, http.StatusOK, struct {
		IsLeader bool    `json:"is_leader"`
		Apps     []entry `json:"apps"`
	}{IsLeader: s.ctl.IsLeader(), Apps: out})
}

func (s *server) handleStartBulkLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.StartBulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	err := s.ctl.StartBulkLoad(r.Context(), req)
	resp := cluster.StartBulkLoadResponse{Err: errors.CodeOf(err)}
	if err != nil {
		resp.HintMsg = err.Error()
		s.logger.Warnf("start bulk load of %s failed: %v", req.AppName, err)
	}
	writeJSON(w, statusOf(resp.Err), resp)
}

func (s *server) handleControlBulkLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.ControlBulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	err := s.ctl.ControlBulkLoad(req.AppID, req.Type)
	resp := cluster.ControlBulkLoadResponse{Err: errors.CodeOf(err)}
	if err != nil {
		resp.HintMsg = err.Error()
	}
	writeJSON(w, statusOf(resp.Err), resp)
}

func (s *server) handleQueryBulkLoad(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app_name"]
	resp, err := s.ctl.QueryBulkLoad(name)
	if err != nil {
		resp = &cluster.QueryBulkLoadResponse{AppName: name, Err: errors.CodeOf(err), HintMsg: err.Error()}
	}
	writeJSON(w, statusOf(resp.Err), resp)
}

// statusOf maps a response code to its HTTP status.
func statusOf(code errors.Code) int {
	switch code {
	case errors.OK:
		return http.StatusOK
	case errors.ErrInvalidParameters:
		return http.StatusBadRequest
	case errors.ErrObjectNotFound:
		return http.StatusNotFound
	case errors.ErrAppNotAvailable, errors.ErrBusy, errors.ErrInvalidState, errors.ErrNodeExists:
		return http.StatusConflict
	case errors.ErrNotLeader:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeJSON(w, statusOf(code), struct {
		Err     errors.Code `json:"err"`
		HintMsg string      `json:"hint_msg"`
	}{Err: code, HintMsg: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
