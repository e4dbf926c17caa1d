package bulkload

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/provider"
	"github.com/dreamware/bulkload/internal/storage"
)

// AppTable is the part of the meta server's app table the controller
// needs. coordinator.AppRegistry implements it.
type AppTable interface {
	App(appID int32) (cluster.AppInfo, bool)
	AppByName(name string) (cluster.AppInfo, bool)
	Partition(pid cluster.PartitionID) (cluster.PartitionConfig, bool)
	SetBulkLoading(appID int32, loading bool) error
}

// ReplicaClient sends stage requests to partition primaries.
// cluster.HTTPReplicaClient implements it.
type ReplicaClient interface {
	BulkLoad(ctx context.Context, addr string, req *cluster.BulkLoadRequest) (*cluster.BulkLoadResponse, error)
	Ingest(ctx context.Context, addr string, req *cluster.IngestionRequest) (*cluster.IngestionResponse, error)
}

// ProviderSource resolves a file provider type. provider.Registry
// implements it.
type ProviderSource interface {
	Get(typ string) (provider.Provider, error)
}

type Options struct {
	Config    Config
	Store     storage.Store
	Apps      AppTable
	Providers ProviderSource
	Client    ReplicaClient
	Logger    logger.Logger
}

// appState is the in-memory view of one app under bulk load. It mirrors
// the app's records in the coordination store; a field changes only after
// the matching store write succeeded.
type appState struct {
	record     AppRecord
	partitions []*partitionState

	// pending is set while an app record write is in flight.
	pending bool
	// cleaning is set once removal of the app subtree has begun.
	cleaning bool
	// wake is closed and replaced whenever record.Status changes.
	wake chan struct{}
}

func newAppState(rec AppRecord, parts []PartitionRecord) *appState {
	app := &appState{
		record:     rec,
		partitions: make([]*partitionState, len(parts)),
		wake:       make(chan struct{}),
	}
	for i := range parts {
		app.partitions[i] = &partitionState{
			pid:    cluster.PartitionID{AppID: rec.AppID, Index: int32(i)},
			record: parts[i],
		}
	}
	return app
}

func (a *appState) notify() {
	close(a.wake)
	a.wake = make(chan struct{})
}

func (a *appState) partitionStatuses() []Status {
	out := make([]Status, len(a.partitions))
	for i, p := range a.partitions {
		out[i] = p.record.Status
	}
	return out
}

type partitionState struct {
	pid    cluster.PartitionID
	record PartitionRecord

	pending       bool
	rollbacks     int
	attempts      int
	ingestionSent bool
	cleanedUp     bool
}

// term is one period of leadership. Every goroutine started on behalf of
// the controller is tracked by the term it was started in.
type term struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Controller runs bulk loads on the leading meta server. It validates
// start requests, owns the app-level status of every app under bulk load,
// runs one partition driver per partition, aggregates partition outcomes
// into app transitions and removes the app's records once it is finished.
//
// Every state change is written to the coordination store before it is
// applied in memory. State is rebuilt from the store by
// OnLeadershipAcquired, and dropped by OnLeadershipLost.
//
// Thread-safety: all exported methods are safe for concurrent use. mu
// guards the app map and everything reachable from it, and is never held
// across a store write or an RPC. It is acquired before the tracker's lock.
type Controller struct {
	cfg       Config
	layout    Layout
	store     *StateStore
	registry  AppTable
	providers ProviderSource
	client    ReplicaClient
	tracker   *ProgressTracker
	limiter   *rate.Limiter
	logger    logger.Logger

	mu     sync.RWMutex
	leader bool
	epoch  uint64
	term   *term
	apps   map[int32]*appState

	// unknown holds recovered apps the app table did not know yet. Their
	// records are kept until the app shows up.
	unknown map[int32]*RecoveredApp
}

func NewController(opts Options) (*Controller, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Apps == nil || opts.Providers == nil || opts.Client == nil {
		return nil, errors.New(errors.ErrInvalidParameters, "store, app table, providers and replica client are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger
	}
	c := &Controller{
		cfg:       opts.Config,
		layout:    NewLayout(opts.Config.ClusterRoot),
		store:     NewStateStore(opts.Store),
		registry:  opts.Apps,
		providers: opts.Providers,
		client:    opts.Client,
		tracker:   NewProgressTracker(),
		logger:    opts.Logger,
		apps:      make(map[int32]*appState),
		unknown:   make(map[int32]*RecoveredApp),
	}
	if r := opts.Config.RequestRateLimit; r > 0 {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	return c, nil
}

// Tracker returns the progress tracker fed by the partition drivers.
func (c *Controller) Tracker() *ProgressTracker { return c.tracker }

// StartBulkLoad validates req against the app table and the bulk_load_info
// on the file provider, persists the app and partition records and starts
// a driver for every partition.
func (c *Controller) StartBulkLoad(ctx context.Context, req cluster.StartBulkLoadRequest) error {
	if req.AppName == "" || req.ClusterName == "" {
		return errors.New(errors.ErrInvalidParameters, "app name and cluster name are required")
	}
	info, ok := c.registry.AppByName(req.AppName)
	if !ok {
		return errors.Newf(errors.ErrObjectNotFound, "app %s not found", req.AppName)
	}
	if info.Status != cluster.AppAvailable {
		return errors.Newf(errors.ErrAppNotAvailable, "app %s is %s", req.AppName, info.Status)
	}

	rec := AppRecord{
		AppID:            info.AppID,
		PartitionCount:   info.PartitionCount,
		AppName:          info.AppName,
		ClusterName:      req.ClusterName,
		FileProviderType: req.FileProviderType,
		Status:           cluster.StatusNotStart,
	}
	parts := make([]PartitionRecord, info.PartitionCount)
	for i := range parts {
		parts[i].Status = cluster.StatusNotStart
	}

	// Reserve the app id first so that concurrent starts fail fast.
	c.mu.Lock()
	if !c.leader {
		c.mu.Unlock()
		return errors.New(errors.ErrNotLeader, "meta server is not the leader")
	}
	if _, ok := c.apps[info.AppID]; ok || info.IsBulkLoading || c.unknown[info.AppID] != nil {
		c.mu.Unlock()
		return errors.Newf(errors.ErrBusy, "app %s is already bulk loading", req.AppName)
	}
	app := newAppState(rec, parts)
	app.pending = true
	c.apps[info.AppID] = app
	epoch, t := c.epoch, c.term
	c.mu.Unlock()

	if err := c.start(ctx, t, app); err != nil {
		c.mu.Lock()
		if c.aliveLocked(epoch, app) {
			delete(c.apps, info.AppID)
		}
		c.mu.Unlock()
		c.logger.Warnf("start bulk load of app %s(%d) failed: %v", req.AppName, info.AppID, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(epoch, app) {
		return errors.New(errors.ErrNotLeader, "leadership lost while starting bulk load")
	}
	app.pending = false
	app.record.Status = cluster.StatusDownloading
	for _, p := range app.partitions {
		p.record.Status = cluster.StatusDownloading
	}
	c.spawnDriversLocked(app)
	CounterAppsStarted.Inc()
	GaugeAppsInProgress.Set(float64(len(c.apps)))
	c.logger.Infof("started bulk load of app %s(%d) with %d partitions from %s",
		rec.AppName, rec.AppID, rec.PartitionCount, rec.FileProviderType)
	return nil
}

// start performs the provider checks and the store writes of a start
// request for a reserved app.
func (c *Controller) start(ctx context.Context, t *term, app *appState) error {
	rec := app.record
	p, err := c.providers.Get(rec.FileProviderType)
	if err != nil {
		return err
	}
	info, err := provider.ReadBulkLoadInfo(ctx, p, c.cfg.ProviderRoot, rec.ClusterName, rec.AppName)
	if err != nil {
		return err
	}
	switch {
	case info.AppName != "" && info.AppName != rec.AppName:
		return errors.Newf(errors.ErrInvalidParameters, "bulk_load_info names app %s, want %s", info.AppName, rec.AppName)
	case info.AppID != rec.AppID:
		return errors.Newf(errors.ErrInconsistentState, "bulk_load_info app_id %d, app table has %d", info.AppID, rec.AppID)
	case info.PartitionCount != rec.PartitionCount:
		return errors.Newf(errors.ErrInconsistentState, "bulk_load_info partition_count %d, app table has %d",
			info.PartitionCount, rec.PartitionCount)
	}

	next, err := Transition(rec.Status, EventStart)
	if err != nil {
		return err
	}
	rec.Status = next
	if err := c.createRecords(ctx, rec); err != nil {
		c.removeRecords(t, rec.AppID)
		return err
	}
	if err := c.registry.SetBulkLoading(rec.AppID, true); err != nil {
		c.removeRecords(t, rec.AppID)
		return err
	}
	return nil
}

// createRecords writes the app record and one downloading partition
// record per partition.
func (c *Controller) createRecords(ctx context.Context, rec AppRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := c.store.CreateRecursive(ctx, c.layout.App(rec.AppID), data); err != nil {
		return err
	}
	part, err := encodeRecord(PartitionRecord{Status: cluster.StatusDownloading})
	if err != nil {
		return err
	}
	for i := int32(0); i < rec.PartitionCount; i++ {
		pid := cluster.PartitionID{AppID: rec.AppID, Index: i}
		if err := c.store.CreateRecursive(ctx, c.layout.Partition(pid), part); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) removeRecords(t *term, appID int32) {
	if err := c.store.DeleteRecursive(t.ctx, c.layout.App(appID)); err != nil {
		c.logger.Errorf("removing records of app %d: %v", appID, err)
	}
}

// ControlBulkLoad applies an operator action to a running bulk load.
// force_cancel removes the app's records without waiting for the replica
// groups to clean up.
func (c *Controller) ControlBulkLoad(appID int32, typ cluster.ControlType) error {
	ev, ok := controlEvent(typ)
	if !ok {
		return errors.Newf(errors.ErrInvalidParameters, "unknown control type %q", typ)
	}
	if info, ok := c.registry.App(appID); !ok || info.Status != cluster.AppAvailable {
		return errors.Newf(errors.ErrAppNotAvailable, "app %d is not available", appID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leader {
		return errors.New(errors.ErrNotLeader, "meta server is not the leader")
	}
	app, ok := c.apps[appID]
	if !ok {
		return errors.Newf(errors.ErrInvalidState, "app %d is not bulk loading", appID)
	}
	if app.pending || app.cleaning {
		return errors.Newf(errors.ErrBusy, "app %d has a status change in flight", appID)
	}
	from := app.record.Status
	next, err := Transition(from, ev)
	if err != nil {
		return err
	}
	epoch := c.epoch
	if err := c.writeAppLocked(app, next); err != nil {
		return err
	}
	c.logger.Infof("app %s(%d) %s: %s -> %s", app.record.AppName, appID, typ, from, next)

	if typ == cluster.ControlForceCancel {
		c.goLocked(func() { c.cleanup(epoch, app, true) })
		return nil
	}
	c.kickLocked(app)
	return nil
}

// QueryBulkLoad reports the status and progress of an app under bulk load.
func (c *Controller) QueryBulkLoad(appName string) (*cluster.QueryBulkLoadResponse, error) {
	info, ok := c.registry.AppByName(appName)
	if !ok {
		return nil, errors.Newf(errors.ErrObjectNotFound, "app %s not found", appName)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.leader {
		return nil, errors.New(errors.ErrNotLeader, "meta server is not the leader")
	}
	app, ok := c.apps[info.AppID]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidState, "app %s is not bulk loading", appName)
	}

	n := len(app.partitions)
	resp := &cluster.QueryBulkLoadResponse{
		AppID:             info.AppID,
		AppName:           appName,
		AppStatus:         app.record.Status,
		AppProgress:       c.tracker.AppProgress(info.AppID, int32(n)),
		PartitionStatus:   app.partitionStatuses(),
		PartitionProgress: make([]int32, n),
		ReplicaStates:     make([]map[string]cluster.ReplicaState, n),
	}
	for i, p := range app.partitions {
		resp.PartitionProgress[i] = c.tracker.PartitionProgress(p.pid)
		resp.ReplicaStates[i] = c.tracker.Replicas(p.pid)
	}
	return resp, nil
}

// InProgress returns the ids of apps whose bulk load has not reached a
// terminal status.
func (c *Controller) InProgress() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []int32
	for id, app := range c.apps {
		if !app.record.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AppStatus returns the bulk load status of appID, false if the app has no
// bulk load record.
func (c *Controller) AppStatus(appID int32) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[appID]
	if !ok {
		return cluster.StatusInvalid, false
	}
	return app.record.Status, true
}

// PartitionStatuses returns the partition statuses of appID by partition
// index, nil if the app has no bulk load record.
func (c *Controller) PartitionStatuses(appID int32) []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[appID]
	if !ok {
		return nil
	}
	return app.partitionStatuses()
}

// IsLeader reports whether the controller is running bulk loads.
func (c *Controller) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// OnLeadershipAcquired rebuilds the bulk load state from the coordination
// store and resumes every recorded bulk load. It is a no-op if the
// controller is already leading.
func (c *Controller) OnLeadershipAcquired(ctx context.Context) error {
	c.mu.Lock()
	if c.term != nil {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	tctx, cancel := context.WithCancel(context.Background())
	t := &term{ctx: tctx, cancel: cancel}
	c.term = t
	c.mu.Unlock()

	recovered, err := NewScanner(c.store, c.layout, c.logger).Scan(ctx)
	if err != nil {
		c.OnLeadershipLost()
		return errors.Wrap(err, "scanning bulk load records")
	}

	restored := make(map[int32]*appState, len(recovered))
	unknown := make(map[int32]*RecoveredApp)
	for id, rec := range recovered {
		if _, ok := c.registry.App(id); !ok && !rec.Corrupt {
			c.logger.Warnf("app %d is not in the app table yet, keeping its bulk load records", id)
			unknown[id] = rec
			continue
		}
		app, err := c.restore(ctx, rec)
		if err != nil {
			c.OnLeadershipLost()
			return errors.Wrapf(err, "restoring bulk load of app %d", id)
		}
		if app != nil {
			restored[id] = app
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return errors.New(errors.ErrNotLeader, "leadership lost during recovery")
	}
	for _, app := range restored {
		c.resumeLocked(app)
	}
	c.unknown = unknown
	if len(unknown) > 0 {
		c.goLocked(func() { c.adoptUnknown(epoch) })
	}
	c.leader = true
	GaugeAppsInProgress.Set(float64(len(c.apps)))
	return nil
}

// resumeLocked installs a restored app, starts its drivers and aggregates
// the partition statuses it was recovered with.
func (c *Controller) resumeLocked(app *appState) {
	c.apps[app.record.AppID] = app
	c.spawnDriversLocked(app)
	c.kickLocked(app)
	c.logger.Infof("resumed bulk load of app %s(%d) in status %s", app.record.AppName, app.record.AppID, app.record.Status)
}

// adoptUnknown restores recovered apps once the app table knows them. It
// runs until every such app was adopted or the term ends.
func (c *Controller) adoptUnknown(epoch uint64) {
	c.mu.RLock()
	t := c.term
	stale := c.epoch != epoch
	c.mu.RUnlock()
	if t == nil || stale {
		return
	}
	ticker := time.NewTicker(time.Duration(c.cfg.RequestInterval))
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		if c.epoch != epoch {
			c.mu.RUnlock()
			return
		}
		var known []*RecoveredApp
		for id, rec := range c.unknown {
			if _, ok := c.registry.App(id); ok {
				known = append(known, rec)
			}
		}
		c.mu.RUnlock()

		for _, rec := range known {
			app, err := c.restore(t.ctx, rec)
			if err != nil {
				c.logger.Warnf("restoring bulk load of app %d: %v", rec.AppID, err)
				continue
			}
			c.mu.Lock()
			if c.epoch != epoch {
				c.mu.Unlock()
				return
			}
			delete(c.unknown, rec.AppID)
			if app != nil {
				c.resumeLocked(app)
				GaugeAppsInProgress.Set(float64(len(c.apps)))
			}
			c.mu.Unlock()
		}

		c.mu.RLock()
		done := len(c.unknown) == 0
		c.mu.RUnlock()
		if done {
			return
		}
	}
}

// OnLeadershipLost stops every driver and forgets all in-memory state.
// Replies that arrive afterwards are discarded.
func (c *Controller) OnLeadershipLost() {
	c.mu.Lock()
	c.epoch++
	c.leader = false
	t := c.term
	c.term = nil
	ids := make([]int32, 0, len(c.apps))
	for id := range c.apps {
		ids = append(ids, id)
	}
	c.apps = make(map[int32]*appState)
	c.unknown = make(map[int32]*RecoveredApp)
	for _, id := range ids {
		c.tracker.RemoveApp(id)
	}
	c.mu.Unlock()

	if t != nil {
		t.cancel()
		t.wg.Wait()
	}
	GaugeAppsInProgress.Set(0)
}

// Close stops the controller.
func (c *Controller) Close() {
	c.OnLeadershipLost()
}

func (c *Controller) aliveLocked(epoch uint64, app *appState) bool {
	return c.epoch == epoch && c.apps[app.record.AppID] == app
}

// goLocked runs fn on a goroutine owned by the current term. c.mu must be
// held.
func (c *Controller) goLocked(fn func()) {
	t := c.term
	if t == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (c *Controller) spawnDriversLocked(app *appState) {
	for _, p := range app.partitions {
		d := newDriver(c, c.epoch, c.term.ctx, app, p)
		c.goLocked(d.run)
	}
}

// kickLocked schedules aggregation of app's partition statuses.
func (c *Controller) kickLocked(app *appState) {
	epoch := c.epoch
	c.goLocked(func() { c.reconcile(epoch, app) })
}

// writeAppLocked persists next as app's status and applies it once the
// write succeeded. c.mu must be held; it is released during the write.
func (c *Controller) writeAppLocked(app *appState, next Status) error {
	rec := app.record
	rec.Status = next
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	epoch, t := c.epoch, c.term
	app.pending = true
	c.mu.Unlock()

	err = c.persist(t.ctx, "app record", func(ctx context.Context) error {
		return c.store.Set(ctx, c.layout.App(rec.AppID), data)
	})

	c.mu.Lock()
	app.pending = false
	if !c.aliveLocked(epoch, app) {
		return errors.Newf(errors.ErrNotLeader, "app %d was dropped while writing its status", rec.AppID)
	}
	if err != nil {
		return err
	}
	app.record.Status = next
	app.notify()
	return nil
}

// persist re-issues fn until it succeeds, fails permanently or ctx is done.
func (c *Controller) persist(ctx context.Context, what string, fn func(context.Context) error) error {
	interval := time.Duration(c.cfg.StoreRetryInterval)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		switch errors.CodeOf(err) {
		case errors.ErrNodeNotFound, errors.ErrInconsistentState, errors.ErrInvalidParameters:
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		CounterStoreWriteRetries.Inc()
		c.logger.Warnf("writing %s failed, retrying in %s: %v", what, interval, err)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "writing %s", what)
		case <-timer.C:
		}
	}
}

// aggregate returns the event the partition statuses imply for an app in
// status app.
func aggregate(app Status, parts []Status) (Event, bool) {
	count := func(s Status) int {
		n := 0
		for _, p := range parts {
			if p == s {
				n++
			}
		}
		return n
	}
	switch app {
	case cluster.StatusDownloading, cluster.StatusDownloaded, cluster.StatusIngesting:
		if count(cluster.StatusFailed) > 0 {
			return EventPartitionFailed, true
		}
	}
	switch app {
	case cluster.StatusDownloading:
		if count(cluster.StatusDownloaded) == len(parts) {
			return EventAllDownloaded, true
		}
	case cluster.StatusDownloaded:
		return EventIngest, true
	case cluster.StatusIngesting:
		if count(cluster.StatusSucceed) == len(parts) {
			return EventAllSucceed, true
		}
	case cluster.StatusPausing:
		if count(cluster.StatusPaused) == len(parts) {
			return EventAllPaused, true
		}
	}
	return 0, false
}

// reconcile applies the app transitions implied by the partition statuses
// until none is left.
func (c *Controller) reconcile(epoch uint64, app *appState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if !c.aliveLocked(epoch, app) || app.pending || app.cleaning {
			return
		}
		from := app.record.Status
		ev, ok := aggregate(from, app.partitionStatuses())
		if !ok {
			return
		}
		next, err := Transition(from, ev)
		if err != nil {
			c.logger.Errorf("app %d: %v", app.record.AppID, err)
			return
		}
		if err := c.writeAppLocked(app, next); err != nil {
			c.logger.Warnf("app %d: writing status %s: %v", app.record.AppID, next, err)
			return
		}
		c.logger.Infof("app %s(%d) %s: %s -> %s", app.record.AppName, app.record.AppID, ev, from, next)
	}
}

// applyProgress records replica states reported for a partition of a live
// app and forgets replicas that left its replica group.
func (c *Controller) applyProgress(epoch uint64, app *appState, pid cluster.PartitionID, replicas []string, states map[string]cluster.ReplicaState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(epoch, app) {
		return
	}
	if len(states) > 0 {
		c.tracker.Update(pid, states)
	}
	c.tracker.Retain(pid, replicas)
}

func (c *Controller) resetProgress(epoch uint64, app *appState, pid cluster.PartitionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aliveLocked(epoch, app) {
		c.tracker.Reset(pid)
	}
}

// markCleanedUp records that the replica group of p cleaned up after a
// finished bulk load, and removes the app once every group has.
func (c *Controller) markCleanedUp(epoch uint64, app *appState, p *partitionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(epoch, app) {
		return
	}
	p.cleanedUp = true
	for _, q := range app.partitions {
		if !q.cleanedUp {
			return
		}
	}
	c.goLocked(func() { c.cleanup(epoch, app, false) })
}

// cleanup deletes the app's subtree, forgets the app and clears its bulk
// loading flag. forced cleanups do not require a terminal status.
func (c *Controller) cleanup(epoch uint64, app *appState, forced bool) {
	c.mu.Lock()
	if !c.aliveLocked(epoch, app) || app.cleaning {
		c.mu.Unlock()
		return
	}
	if !forced && !app.record.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	app.cleaning = true
	appID, status, t := app.record.AppID, app.record.Status, c.term
	c.mu.Unlock()

	err := c.persist(t.ctx, "app removal", func(ctx context.Context) error {
		return c.store.DeleteRecursive(ctx, c.layout.App(appID))
	})

	c.mu.Lock()
	if !c.aliveLocked(epoch, app) {
		c.mu.Unlock()
		return
	}
	if err != nil {
		app.cleaning = false
		c.mu.Unlock()
		c.logger.Errorf("removing bulk load records of app %d: %v", appID, err)
		return
	}
	delete(c.apps, appID)
	c.tracker.RemoveApp(appID)
	app.notify()
	GaugeAppsInProgress.Set(float64(len(c.apps)))
	c.mu.Unlock()

	if err := c.registry.SetBulkLoading(appID, false); err != nil {
		c.logger.Warnf("clearing bulk loading flag of app %d: %v", appID, err)
	}
	CounterAppsFinished.WithLabelValues(status.String()).Inc()
	c.logger.Infof("bulk load of app %s(%d) finished with status %s", app.record.AppName, appID, status)
}
