package bulkload

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
)

// scanConcurrency bounds the number of apps read at the same time.
const scanConcurrency = 8

// RecoveredApp is what the coordination store holds for one app.
type RecoveredApp struct {
	AppID  int32
	Record AppRecord
	// Corrupt is set when the app record could not be decoded; Record is
	// then zero.
	Corrupt bool
	// Partitions holds the decodable partition records by index. Missing
	// and undecodable records are absent.
	Partitions map[int32]PartitionRecord
}

// Scanner reads every bulk load record below the layout root.
type Scanner struct {
	store  *StateStore
	layout Layout
	logger logger.Logger
}

func NewScanner(store *StateStore, layout Layout, l logger.Logger) *Scanner {
	if l == nil {
		l = logger.NopLogger
	}
	return &Scanner{store: store, layout: layout, logger: l}
}

// Scan creates the bulk load root if needed and returns the records of
// every app found below it, keyed by app id.
func (s *Scanner) Scan(ctx context.Context) (map[int32]*RecoveredApp, error) {
	root := s.layout.Root()
	if err := s.store.CreateRecursive(ctx, root, nil); err != nil {
		return nil, errors.Wrapf(err, "creating %s", root)
	}
	names, err := s.store.List(ctx, root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", root)
	}

	var mu sync.Mutex
	out := make(map[int32]*RecoveredApp, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, name := range names {
		appID, err := parseIndex(name)
		if err != nil {
			s.logger.Warnf("skipping %s: %v", root.Child(name), err)
			continue
		}
		g.Go(func() error {
			app, err := s.scanApp(gctx, appID)
			if err != nil || app == nil {
				return err
			}
			mu.Lock()
			out[appID] = app
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) scanApp(ctx context.Context, appID int32) (*RecoveredApp, error) {
	app := &RecoveredApp{AppID: appID, Partitions: make(map[int32]PartitionRecord)}
	rec, err := s.store.getApp(ctx, s.layout, appID)
	switch {
	case errors.Is(err, errors.ErrNodeNotFound):
		return nil, nil
	case errors.Is(err, errors.ErrCorruption):
		s.logger.Errorf("app %d: %v", appID, err)
		app.Corrupt = true
		return app, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading app %d", appID)
	}
	app.Record = rec

	dir := s.layout.App(appID)
	names, err := s.store.List(ctx, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	for _, name := range names {
		idx, err := parseIndex(name)
		if err != nil {
			s.logger.Warnf("skipping %s: %v", dir.Child(name), err)
			continue
		}
		pid := cluster.PartitionID{AppID: appID, Index: idx}
		data, err := s.store.Get(ctx, s.layout.Partition(pid))
		if errors.Is(err, errors.ErrNodeNotFound) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading partition %s", pid)
		}
		part, err := decodePartitionRecord(data)
		if err != nil {
			s.logger.Errorf("partition %s: %v", pid, err)
			continue
		}
		app.Partitions[idx] = part
	}
	return app, nil
}

// restore checks a recovered app against the app table and repairs its
// records. It returns nil when the app's bulk load was removed instead:
// the app was dropped, or its id now names another app or partition count.
func (c *Controller) restore(ctx context.Context, rec *RecoveredApp) (*appState, error) {
	if rec.Corrupt {
		c.logger.Errorf("app %d has a corrupt bulk load record, removing it", rec.AppID)
		return nil, c.discard(ctx, rec.AppID)
	}
	info, ok := c.registry.App(rec.AppID)
	switch {
	case !ok, info.Status != cluster.AppAvailable:
		c.logger.Warnf("app %d is not available, removing its bulk load", rec.AppID)
		return nil, c.discard(ctx, rec.AppID)
	case info.AppName != rec.Record.AppName:
		c.logger.Warnf("app %d is now %s, its bulk load was for %s, removing it",
			rec.AppID, info.AppName, rec.Record.AppName)
		return nil, c.discard(ctx, rec.AppID)
	case info.PartitionCount != rec.Record.PartitionCount:
		c.logger.Warnf("app %d has %d partitions, its bulk load record %d, removing it",
			rec.AppID, info.PartitionCount, rec.Record.PartitionCount)
		return nil, c.discard(ctx, rec.AppID)
	}

	app := rec.Record
	var missing []int32
	parts := make([]PartitionRecord, app.PartitionCount)
	for i := int32(0); i < app.PartitionCount; i++ {
		p, ok := rec.Partitions[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		parts[i] = p
	}

	if len(missing) > 0 {
		status := cluster.StatusDownloading
		if app.Status != cluster.StatusDownloading && !app.Status.IsTerminal() {
			// Partitions past downloading cannot be rebuilt.
			next, err := Transition(app.Status, EventPartitionFailed)
			if err != nil {
				next, err = Transition(app.Status, EventCancel)
			}
			if err != nil {
				return nil, err
			}
			c.logger.Errorf("app %d in status %s is missing partitions %v, moving to %s",
				rec.AppID, app.Status, missing, next)
			app.Status = next
			data, err := encodeRecord(app)
			if err != nil {
				return nil, err
			}
			if err := c.store.Set(ctx, c.layout.App(app.AppID), data); err != nil {
				return nil, err
			}
			status = cluster.StatusFailed
		} else if app.Status.IsTerminal() {
			status = app.Status
		}
		for _, i := range missing {
			parts[i] = PartitionRecord{Status: status}
			if err := c.recreatePartition(ctx, cluster.PartitionID{AppID: app.AppID, Index: i}, parts[i]); err != nil {
				return nil, err
			}
		}
	}

	if err := c.registry.SetBulkLoading(app.AppID, true); err != nil {
		return nil, err
	}
	return newAppState(app, parts), nil
}

// recreatePartition writes a partition record that is missing or could not
// be decoded.
func (c *Controller) recreatePartition(ctx context.Context, pid cluster.PartitionID, rec PartitionRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	p := c.layout.Partition(pid)
	err = c.store.CreateRecursive(ctx, p, data)
	if errors.Is(err, errors.ErrInconsistentState) {
		err = c.store.Set(ctx, p, data)
	}
	return err
}

// discard removes an app's bulk load records found during recovery.
func (c *Controller) discard(ctx context.Context, appID int32) error {
	if err := c.store.DeleteRecursive(ctx, c.layout.App(appID)); err != nil {
		return err
	}
	if err := c.registry.SetBulkLoading(appID, false); err != nil &&
		!errors.Is(err, errors.ErrObjectNotFound) {
		c.logger.Warnf("clearing bulk loading flag of app %d: %v", appID, err)
	}
	return nil
}
