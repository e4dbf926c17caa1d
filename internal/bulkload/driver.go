package bulkload

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
)

// driver moves one partition through the bulk load. It repeatedly sends
// the request matching the app's status to the partition's primary and
// persists the partition status the reply implies. The partition record is
// written by its driver only.
type driver struct {
	c     *Controller
	epoch uint64
	ctx   context.Context
	app   *appState
	part  *partitionState

	// ballot of the placement the tracked replica states belong to.
	ballot int64
	logger logger.Logger
}

func newDriver(c *Controller, epoch uint64, ctx context.Context, app *appState, p *partitionState) *driver {
	return &driver{
		c:      c,
		epoch:  epoch,
		ctx:    ctx,
		app:    app,
		part:   p,
		ballot: -1,
		logger: c.logger.WithPrefix(fmt.Sprintf("[%s] ", p.pid)),
	}
}

// view is a consistent copy of the state a tick acts on.
type view struct {
	app           AppRecord
	part          PartitionRecord
	ingestionSent bool
	cleanedUp     bool
	wake          <-chan struct{}
}

func (d *driver) view() (view, bool) {
	d.c.mu.RLock()
	defer d.c.mu.RUnlock()
	if !d.c.aliveLocked(d.epoch, d.app) {
		return view{}, false
	}
	return view{
		app:           d.app.record,
		part:          d.part.record,
		ingestionSent: d.part.ingestionSent,
		cleanedUp:     d.part.cleanedUp,
		wake:          d.app.wake,
	}, true
}

// run ticks until the partition is finished, the app is gone or the term
// ends. The first request is sent immediately; a change of the app status
// cuts the wait before the next one short.
func (d *driver) run() {
	for {
		v, ok := d.view()
		if !ok || d.ctx.Err() != nil {
			return
		}
		delay, done := d.tick(v)
		if done {
			return
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-v.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick performs one step and returns the delay before the next one, or
// done once the driver has nothing left to do.
func (d *driver) tick(v view) (time.Duration, bool) {
	pid := d.part.pid
	info, ok := d.c.registry.App(pid.AppID)
	if !ok || info.Status != cluster.AppAvailable {
		d.logger.Warnf("app %d is not available, removing its bulk load", pid.AppID)
		d.c.forceCleanup(d.epoch, d.app)
		return 0, true
	}
	pc, ok := d.c.registry.Partition(pid)
	if !ok {
		d.logger.Warnf("partition %s no longer exists, removing bulk load of app %d", pid, pid.AppID)
		d.c.forceCleanup(d.epoch, d.app)
		return 0, true
	}
	if pc.Primary == "" {
		d.logger.Debugf("no primary, retrying in %s", d.c.cfg.Retry.Interval)
		return time.Duration(d.c.cfg.Retry.Interval), false
	}
	if pc.Ballot != d.ballot {
		d.c.resetProgress(d.epoch, d.app, pid)
		d.ballot = pc.Ballot
	}

	switch s := v.app.Status; {
	case s == cluster.StatusDownloading:
		return d.download(v, pc)
	case s == cluster.StatusIngesting:
		return d.ingest(v, pc)
	case s == cluster.StatusPausing:
		return d.pause(v, pc)
	case s.IsTerminal():
		return d.finish(v, pc)
	default:
		// downloaded and paused wait for the controller or the operator.
		return d.idle(), false
	}
}

func (d *driver) idle() time.Duration {
	return time.Duration(d.c.cfg.RequestInterval)
}

func (d *driver) retry() time.Duration {
	return time.Duration(d.c.cfg.Retry.Interval)
}

func (d *driver) download(v view, pc cluster.PartitionConfig) (time.Duration, bool) {
	switch v.part.Status {
	case cluster.StatusDownloaded, cluster.StatusFailed:
		return d.idle(), false
	case cluster.StatusDownloading:
	default:
		d.c.resetProgress(d.epoch, d.app, d.part.pid)
		if !d.setPartition(cluster.StatusDownloading, nil) {
			return d.retry(), false
		}
		return 0, false
	}

	resp, err := d.sendBulkLoad(v, pc, cluster.StatusDownloading)
	if err != nil {
		return d.rpcFailed(v, "bulk_load", err)
	}
	code := resp.Err
	if code == errors.OK {
		for _, st := range resp.GroupStates {
			if st.DownloadErr != errors.OK {
				code = st.DownloadErr
				break
			}
		}
	}
	switch code {
	case errors.OK:
	case errors.ErrFileOperationFailed:
		return d.rollback(code)
	case errors.ErrCorruption:
		d.logger.Errorf("download failed: %s", code)
		return d.fail(code)
	default:
		return d.rpcFailed(v, "bulk_load", errors.FromCode(code, "primary rejected download request"))
	}
	d.resetAttempts()

	d.c.applyProgress(d.epoch, d.app, d.part.pid, pc.Replicas(), resp.GroupStates)
	var md *cluster.Metadata
	if v.part.Metadata.IsEmpty() && resp.Metadata != nil && !resp.Metadata.IsEmpty() {
		md = resp.Metadata
	}
	if d.c.tracker.Complete(d.part.pid, pc.Replicas()) {
		if !d.setPartition(cluster.StatusDownloaded, md) {
			return d.retry(), false
		}
		d.logger.Infof("downloaded by all %d replicas", len(pc.Replicas()))
		return d.idle(), false
	}
	if md != nil && !d.setPartition(cluster.StatusDownloading, md) {
		return d.retry(), false
	}
	return d.idle(), false
}

// rollback restarts the partition's download after a transient failure,
// failing the partition once it rolled back too often.
func (d *driver) rollback(code errors.Code) (time.Duration, bool) {
	d.c.mu.Lock()
	if !d.c.aliveLocked(d.epoch, d.app) {
		d.c.mu.Unlock()
		return 0, true
	}
	d.part.rollbacks++
	n := d.part.rollbacks
	d.c.tracker.Reset(d.part.pid)
	d.c.mu.Unlock()

	CounterRollbacks.Inc()
	if n > d.c.cfg.MaxRollbackTimes {
		d.logger.Errorf("download failed %d times, last with %s", n, code)
		return d.fail(code)
	}
	d.logger.Warnf("download failed with %s, rolling back to downloading (%d/%d)", code, n, d.c.cfg.MaxRollbackTimes)
	if !d.setPartition(cluster.StatusDownloading, nil) {
		return d.retry(), false
	}
	return d.retry(), false
}

func (d *driver) ingest(v view, pc cluster.PartitionConfig) (time.Duration, bool) {
	switch v.part.Status {
	case cluster.StatusDownloaded:
		if !d.setPartition(cluster.StatusIngesting, nil) {
			return d.retry(), false
		}
		return 0, false
	case cluster.StatusIngesting:
	default:
		return d.idle(), false
	}

	if !v.ingestionSent {
		req := &cluster.IngestionRequest{
			AppName:  v.app.AppName,
			Pid:      d.part.pid,
			Metadata: v.part.Metadata,
			Ballot:   pc.Ballot,
		}
		if err := d.wait(); err != nil {
			return 0, true
		}
		ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.c.cfg.RPCTimeout))
		resp, err := d.c.client.Ingest(ctx, pc.Primary, req)
		cancel()
		if err != nil {
			CounterReplicaRPCFailures.WithLabelValues("ingestion").Inc()
			return d.rpcFailed(v, "ingestion", err)
		}
		switch resp.Err {
		case errors.OK:
		case errors.ErrIngestionFailed:
			d.logger.Errorf("ingestion failed: %s", resp.EngineErr)
			return d.fail(resp.Err)
		default:
			return d.rpcFailed(v, "ingestion", errors.FromCode(resp.Err, "primary rejected ingestion request"))
		}
		d.resetAttempts()
		d.c.mu.Lock()
		if d.c.aliveLocked(d.epoch, d.app) {
			d.part.ingestionSent = true
		}
		d.c.mu.Unlock()
		return d.idle(), false
	}

	resp, err := d.sendBulkLoad(v, pc, cluster.StatusIngesting)
	if err != nil {
		return d.rpcFailed(v, "bulk_load", err)
	}
	switch resp.Err {
	case errors.OK:
	case errors.ErrIngestionFailed:
		return d.fail(resp.Err)
	default:
		return d.rpcFailed(v, "bulk_load", errors.FromCode(resp.Err, "primary rejected ingestion status request"))
	}
	d.resetAttempts()
	d.c.applyProgress(d.epoch, d.app, d.part.pid, pc.Replicas(), resp.GroupStates)
	for addr, st := range resp.GroupStates {
		if st.IngestStatus == cluster.IngestionFailed {
			d.logger.Errorf("ingestion failed on %s", addr)
			return d.fail(errors.ErrIngestionFailed)
		}
	}
	if resp.IsGroupIngestionFinished {
		if !d.setPartition(cluster.StatusSucceed, nil) {
			return d.retry(), false
		}
		d.logger.Infof("ingestion finished")
	}
	return d.idle(), false
}

func (d *driver) pause(v view, pc cluster.PartitionConfig) (time.Duration, bool) {
	switch v.part.Status {
	case cluster.StatusPaused:
		return d.idle(), false
	case cluster.StatusPausing:
	default:
		if !d.setPartition(cluster.StatusPausing, nil) {
			return d.retry(), false
		}
		return 0, false
	}

	resp, err := d.sendBulkLoad(v, pc, cluster.StatusPausing)
	if err != nil {
		return d.rpcFailed(v, "bulk_load", err)
	}
	if resp.Err != errors.OK {
		return d.rpcFailed(v, "bulk_load", errors.FromCode(resp.Err, "primary rejected pause request"))
	}
	d.resetAttempts()
	d.c.applyProgress(d.epoch, d.app, d.part.pid, pc.Replicas(), resp.GroupStates)
	if resp.IsGroupPaused {
		if !d.setPartition(cluster.StatusPaused, nil) {
			return d.retry(), false
		}
		d.logger.Infof("paused")
	}
	return d.idle(), false
}

// finish tells the primary the bulk load is over until its group reports
// cleaned up.
func (d *driver) finish(v view, pc cluster.PartitionConfig) (time.Duration, bool) {
	if v.cleanedUp {
		return 0, true
	}
	resp, err := d.sendBulkLoad(v, pc, v.app.Status)
	if err != nil {
		d.logger.Warnf("sending %s to %s: %v", v.app.Status, pc.Primary, err)
		return d.retry(), false
	}
	if resp.Err != errors.OK {
		d.logger.Warnf("primary %s rejected %s: %s", pc.Primary, v.app.Status, resp.Err)
		return d.retry(), false
	}
	if !resp.IsGroupCleanedUp {
		return d.idle(), false
	}
	d.logger.Debugf("replica group cleaned up")
	d.c.markCleanedUp(d.epoch, d.app, d.part)
	return 0, true
}

// fail persists the partition as failed. The controller then fails the
// app, and the driver goes on with the finish handshake.
func (d *driver) fail(code errors.Code) (time.Duration, bool) {
	if !d.setPartition(cluster.StatusFailed, nil) {
		return d.retry(), false
	}
	d.logger.Errorf("partition failed: %s", code)
	return 0, false
}

// rpcFailed schedules a resend. With a bounded retry policy, a partition
// whose primary keeps failing while the app is active is failed.
func (d *driver) rpcFailed(v view, rpc string, err error) (time.Duration, bool) {
	if d.ctx.Err() != nil {
		return 0, true
	}
	d.c.mu.Lock()
	d.part.attempts++
	n := d.part.attempts
	d.c.mu.Unlock()

	max := d.c.cfg.Retry.MaxAttempts
	d.logger.Warnf("%s request failed (attempt %d): %v", rpc, n, err)
	switch v.app.Status {
	case cluster.StatusDownloading, cluster.StatusIngesting:
		if max > 0 && n >= max {
			return d.fail(errors.CodeOf(err))
		}
	}
	return d.retry(), false
}

func (d *driver) resetAttempts() {
	d.c.mu.Lock()
	d.part.attempts = 0
	d.c.mu.Unlock()
}

// wait blocks on the controller's request rate limit, if any.
func (d *driver) wait() error {
	if d.c.limiter == nil {
		return nil
	}
	return d.c.limiter.Wait(d.ctx)
}

func (d *driver) sendBulkLoad(v view, pc cluster.PartitionConfig, stage Status) (*cluster.BulkLoadResponse, error) {
	if err := d.wait(); err != nil {
		return nil, err
	}
	req := &cluster.BulkLoadRequest{
		Pid:              d.part.pid,
		AppName:          v.app.AppName,
		ClusterName:      v.app.ClusterName,
		FileProviderType: v.app.FileProviderType,
		RemoteRoot:       d.c.cfg.ProviderRoot,
		Primary:          pc.Primary,
		Secondaries:      pc.Secondaries,
		Ballot:           pc.Ballot,
		Stage:            stage,
		QueryMetadata:    v.part.Metadata.IsEmpty(),
	}
	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.c.cfg.RPCTimeout))
	defer cancel()
	resp, err := d.c.client.BulkLoad(ctx, pc.Primary, req)
	if err != nil {
		CounterReplicaRPCFailures.WithLabelValues("bulk_load").Inc()
		return nil, err
	}
	return resp, nil
}

// setPartition persists a new partition status, and metadata when md is
// not nil, then applies it and lets the controller aggregate. It returns
// false if nothing was applied.
func (d *driver) setPartition(status Status, md *cluster.Metadata) bool {
	c := d.c
	c.mu.Lock()
	if !c.aliveLocked(d.epoch, d.app) || d.part.pending {
		c.mu.Unlock()
		return false
	}
	rec := d.part.record
	rec.Status = status
	if md != nil {
		rec.Metadata = *md
	}
	d.part.pending = true
	c.mu.Unlock()

	data, err := encodeRecord(rec)
	if err == nil {
		err = c.persist(d.ctx, "partition record", func(ctx context.Context) error {
			return c.store.Set(ctx, c.layout.Partition(d.part.pid), data)
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d.part.pending = false
	if !c.aliveLocked(d.epoch, d.app) {
		return false
	}
	if err != nil {
		d.logger.Warnf("writing status %s: %v", status, err)
		return false
	}
	from := d.part.record.Status
	d.part.record = rec
	if from != status {
		if status != cluster.StatusIngesting {
			d.part.ingestionSent = false
		}
		CounterPartitionTransitions.WithLabelValues(status.String()).Inc()
		d.logger.Debugf("%s -> %s", from, status)
	}
	c.kickLocked(d.app)
	return true
}

// forceCleanup removes an app whose bulk load cannot go on, without the
// finish handshake.
func (c *Controller) forceCleanup(epoch uint64, app *appState) {
	c.cleanup(epoch, app, true)
}
