package replica

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/provider"
)

// ProviderSource resolves a file provider type.
type ProviderSource interface {
	Get(typ string) (provider.Provider, error)
}

// Stats tracks operation counts of an executor.
type Stats struct {
	Requests        uint64 // stage requests handled
	FilesDownloaded uint64 // files downloaded and verified
	BytesDownloaded uint64 // bytes of verified files
	Ingestions      uint64 // replica ingestions completed
	Cleanups        uint64 // partitions cleaned up
}

// replicaState is the bulk load of one replica of a partition.
type replicaState struct {
	downloaded int64
	err        errors.Code
	ingest     cluster.IngestionStatus
}

// partition is the bulk load state of one partition this node is primary
// of, covering every replica of its group.
type partition struct {
	pid      cluster.PartitionID
	appName  string
	ballot   int64
	stage    cluster.BulkLoadStatus
	replicas map[string]*replicaState
	metadata *cluster.Metadata

	// gen identifies the current download; results of older downloads
	// are discarded.
	gen     uint64
	running bool
	cancel  context.CancelFunc
	// active counts download goroutines that have not returned yet, even
	// canceled ones. Files are only removed once it is zero.
	active    int
	paused    bool
	cleanedUp bool
	engineErr string
}

func (p *partition) total() int64 {
	if p.metadata == nil {
		return 0
	}
	return p.metadata.FileTotalSize
}

func (p *partition) progress(r *replicaState) int32 {
	if p.metadata == nil {
		return 0
	}
	if p.total() == 0 {
		return 100
	}
	return int32(r.downloaded * 100 / p.total())
}

func (p *partition) downloaded() bool {
	if p.metadata == nil || len(p.replicas) == 0 {
		return false
	}
	for _, r := range p.replicas {
		if r.err != errors.OK || p.progress(r) < 100 {
			return false
		}
	}
	return true
}

// Executor runs the replica side of bulk loads for the partitions this
// node is primary of. It downloads the partition's files for every replica
// of the group, verifies them, ingests them through an Engine and removes
// them once the meta server reports the load finished.
//
// Every request is idempotent: a stage request that is already satisfied
// only reports the current state, and files already downloaded and
// verified are not fetched again.
//
// Thread-safety: all methods are safe for concurrent use.
type Executor struct {
	addr      string
	dataDir   string
	providers ProviderSource
	engine    Engine
	logger    logger.Logger

	// ctx bounds ingestions; it ends on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	parts map[cluster.PartitionID]*partition
	wg    sync.WaitGroup

	stats Stats
}

type Options struct {
	// Addr is the address the meta server knows this node by.
	Addr string
	// DataDir holds downloaded files until they are ingested.
	DataDir   string
	Providers ProviderSource
	Engine    Engine
	Logger    logger.Logger
}

func NewExecutor(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger
	}
	if opts.Engine == nil {
		opts.Engine = NewDirEngine(filepath.Join(opts.DataDir, "ingested"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		ctx:       ctx,
		cancel:    cancel,
		addr:      opts.Addr,
		dataDir:   opts.DataDir,
		providers: opts.Providers,
		engine:    opts.Engine,
		logger:    opts.Logger,
		parts:     make(map[cluster.PartitionID]*partition),
	}
}

// HandleBulkLoad acts on a stage request for a partition this node is
// primary of and reports the state of the whole replica group.
func (e *Executor) HandleBulkLoad(ctx context.Context, req *cluster.BulkLoadRequest) *cluster.BulkLoadResponse {
	atomic.AddUint64(&e.stats.Requests, 1)
	resp := &cluster.BulkLoadResponse{Pid: req.Pid, AppName: req.AppName}
	if e.addr != "" && req.Primary != e.addr {
		resp.Err = errors.ErrInvalidState
		return resp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.partitionLocked(req)
	if err != nil {
		resp.Err = errors.CodeOf(err)
		return resp
	}
	p.stage = req.Stage

	switch req.Stage {
	case cluster.StatusDownloading:
		e.downloadLocked(p, req, resp)
	case cluster.StatusIngesting:
		finished := true
		for _, r := range p.replicas {
			if r.ingest != cluster.IngestionSucceed {
				finished = false
			}
			if r.ingest == cluster.IngestionFailed {
				resp.Err = errors.ErrIngestionFailed
			}
		}
		resp.IsGroupIngestionFinished = finished
	case cluster.StatusPausing, cluster.StatusPaused:
		e.stopLocked(p)
		p.paused = true
		resp.IsGroupPaused = true
	case cluster.StatusSucceed, cluster.StatusFailed, cluster.StatusCanceled:
		resp.IsGroupCleanedUp = e.cleanupLocked(p)
	default:
		resp.Err = errors.ErrInvalidParameters
	}

	resp.PrimaryStatus = p.stage
	resp.GroupStates = e.statesLocked(p)
	resp.TotalDownloadProgress = 100
	for _, st := range resp.GroupStates {
		if st.DownloadProgress < resp.TotalDownloadProgress {
			resp.TotalDownloadProgress = st.DownloadProgress
		}
	}
	if req.QueryMetadata && p.metadata != nil {
		md := *p.metadata
		resp.Metadata = &md
	}
	return resp
}

// partitionLocked returns the state of req's partition, creating it on
// the first request and after a finished load. The replica set follows the
// ballot; a request with an older ballot is rejected.
func (e *Executor) partitionLocked(req *cluster.BulkLoadRequest) (*partition, error) {
	p, ok := e.parts[req.Pid]
	if ok && req.Ballot < p.ballot {
		return nil, errors.Newf(errors.ErrInvalidState, "stale ballot %d, current %d", req.Ballot, p.ballot)
	}
	if ok && p.cleanedUp && !req.Stage.IsTerminal() {
		delete(e.parts, req.Pid)
		ok = false
	}
	if !ok {
		p = &partition{
			pid:      req.Pid,
			appName:  req.AppName,
			ballot:   req.Ballot,
			replicas: make(map[string]*replicaState),
		}
		e.parts[req.Pid] = p
	}

	want := append([]string{req.Primary}, req.Secondaries...)
	if req.Ballot > p.ballot || len(p.replicas) == 0 {
		p.ballot = req.Ballot
		next := make(map[string]*replicaState, len(want))
		for _, addr := range want {
			if r, ok := p.replicas[addr]; ok {
				next[addr] = r
				continue
			}
			next[addr] = &replicaState{ingest: cluster.IngestionNotStarted}
		}
		changed := len(next) != len(p.replicas)
		for addr := range next {
			if _, ok := p.replicas[addr]; !ok {
				changed = true
			}
		}
		p.replicas = next
		// New replicas need their files: restart the download.
		if changed && p.running {
			e.stopLocked(p)
		}
	}
	return p, nil
}

func (e *Executor) downloadLocked(p *partition, req *cluster.BulkLoadRequest, resp *cluster.BulkLoadResponse) {
	p.paused = false
	for _, r := range p.replicas {
		if r.err != errors.OK {
			// Report the failure once, then start over on the next request.
			resp.Err = r.err
			for _, r := range p.replicas {
				r.err = errors.OK
				r.downloaded = 0
			}
			return
		}
	}
	if p.running || p.downloaded() {
		return
	}

	prov, err := e.providers.Get(req.FileProviderType)
	if err != nil {
		resp.Err = errors.CodeOf(err)
		return
	}
	for _, r := range p.replicas {
		r.downloaded = 0
	}
	p.gen++
	p.running = true
	ctx, cancel := context.WithCancel(e.ctx)
	p.cancel = cancel
	job := download{
		gen:      p.gen,
		pid:      p.pid,
		root:     req.RemoteRoot,
		cluster:  req.ClusterName,
		app:      req.AppName,
		dir:      e.partitionDir(p.pid),
		replicas: sortedKeys(p.replicas),
		provider: prov,
	}
	p.active++
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			p.active--
			e.mu.Unlock()
		}()
		e.runDownload(ctx, p, job)
	}()
}

type download struct {
	gen      uint64
	pid      cluster.PartitionID
	root     string
	cluster  string
	app      string
	dir      string
	replicas []string
	provider provider.Provider
}

// runDownload fetches the partition's metadata, then every file once per
// replica.
func (e *Executor) runDownload(ctx context.Context, p *partition, job download) {
	md, err := provider.ReadMetadata(ctx, job.provider, job.root, job.cluster, job.app, job.pid.Index)
	if err != nil {
		e.downloadDone(p, job.gen, "", downloadCode(err))
		return
	}
	e.mu.Lock()
	if p.gen == job.gen {
		p.metadata = md
	}
	e.mu.Unlock()

	remoteDir := provider.PartitionDir(job.root, job.cluster, job.app, job.pid.Index)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range job.replicas {
		addr := addr
		g.Go(func() error {
			local := filepath.Join(job.dir, replicaDirName(addr))
			for _, f := range md.Files {
				n, err := e.fetch(gctx, job.provider, path.Join(remoteDir, f.Name), filepath.Join(local, f.Name), f)
				if err != nil {
					e.downloadDone(p, job.gen, addr, downloadCode(err))
					return err
				}
				e.mu.Lock()
				if p.gen == job.gen {
					if r, ok := p.replicas[addr]; ok {
						r.downloaded += n
					}
				}
				e.mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			e.logger.Warnf("download of %s failed: %v", job.pid, err)
		}
		return
	}
	e.downloadDone(p, job.gen, "", errors.OK)
	e.logger.Infof("downloaded %d files of %s for %d replicas", len(md.Files), job.pid, len(job.replicas))
}

// fetch makes localPath a verified copy of f, downloading it unless a
// verified copy is already there.
func (e *Executor) fetch(ctx context.Context, prov provider.Provider, remote, localPath string, f cluster.FileMeta) (int64, error) {
	if n, sum, err := fileDigest(localPath); err == nil && n == f.Size && sum == f.MD5 {
		return n, nil
	}
	n, sum, err := prov.Download(ctx, remote, localPath)
	if err != nil {
		return 0, err
	}
	if n != f.Size || !strings.EqualFold(sum, f.MD5) {
		os.Remove(localPath)
		return 0, errors.Newf(errors.ErrCorruption, "%s: got %d bytes md5 %s, want %d bytes md5 %s", remote, n, sum, f.Size, f.MD5)
	}
	atomic.AddUint64(&e.stats.FilesDownloaded, 1)
	atomic.AddUint64(&e.stats.BytesDownloaded, uint64(n))
	return n, nil
}

// downloadDone ends the download of generation gen. A non-OK code is
// recorded against replica addr, or against every replica when addr is
// empty.
func (e *Executor) downloadDone(p *partition, gen uint64, addr string, code errors.Code) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.gen != gen || !p.running {
		return
	}
	p.running = false
	p.cancel()
	if code == errors.OK {
		return
	}
	for a, r := range p.replicas {
		if addr == "" || a == addr {
			r.err = code
		}
	}
}

func downloadCode(err error) errors.Code {
	if errors.Is(err, errors.ErrCorruption) {
		return errors.ErrCorruption
	}
	return errors.ErrFileOperationFailed
}

// stopLocked cancels a running download. Files already verified are kept.
func (e *Executor) stopLocked(p *partition) {
	if !p.running {
		return
	}
	p.gen++
	p.running = false
	p.cancel()
}

// cleanupLocked stops the partition's work and removes its local files.
// It reports whether the partition is clean.
func (e *Executor) cleanupLocked(p *partition) bool {
	if p.cleanedUp {
		return true
	}
	for _, r := range p.replicas {
		if r.ingest == cluster.IngestionRunning {
			return false
		}
	}
	e.stopLocked(p)
	if p.active > 0 {
		return false
	}
	if err := os.RemoveAll(e.partitionDir(p.pid)); err != nil {
		e.logger.Warnf("removing files of %s: %v", p.pid, err)
		return false
	}
	p.cleanedUp = true
	atomic.AddUint64(&e.stats.Cleanups, 1)
	e.logger.Infof("cleaned up bulk load of %s", p.pid)
	return true
}

func (e *Executor) statesLocked(p *partition) map[string]cluster.ReplicaState {
	out := make(map[string]cluster.ReplicaState, len(p.replicas))
	for addr, r := range p.replicas {
		out[addr] = cluster.ReplicaState{
			Stage:            p.stage,
			DownloadProgress: p.progress(r),
			DownloadErr:      r.err,
			IngestStatus:     r.ingest,
			IsCleanedUp:      p.cleanedUp,
			IsPaused:         p.paused && !p.running,
		}
	}
	return out
}

// HandleIngestion starts ingesting the downloaded files of every replica of
// the partition. A partition already ingesting or ingested is left alone.
func (e *Executor) HandleIngestion(ctx context.Context, req *cluster.IngestionRequest) *cluster.IngestionResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.parts[req.Pid]
	if !ok {
		return &cluster.IngestionResponse{Err: errors.ErrObjectNotFound}
	}
	if req.Ballot < p.ballot {
		return &cluster.IngestionResponse{Err: errors.ErrInvalidState}
	}
	if p.engineErr != "" {
		return &cluster.IngestionResponse{Err: errors.ErrIngestionFailed, EngineErr: p.engineErr}
	}
	started := false
	for _, r := range p.replicas {
		if r.ingest != cluster.IngestionNotStarted {
			started = true
		}
	}
	if started {
		return &cluster.IngestionResponse{}
	}
	if !p.downloaded() {
		return &cluster.IngestionResponse{Err: errors.ErrInvalidState}
	}

	files := p.metadata.Files
	if len(req.Metadata.Files) > 0 {
		files = req.Metadata.Files
	}
	for addr, r := range p.replicas {
		r.ingest = cluster.IngestionRunning
		dir := filepath.Join(e.partitionDir(p.pid), replicaDirName(addr))
		e.wg.Add(1)
		go func(addr string, r *replicaState) {
			defer e.wg.Done()
			err := e.engine.Ingest(e.ctx, p.pid, addr, dir, files)

			e.mu.Lock()
			defer e.mu.Unlock()
			if err != nil {
				e.logger.Errorf("ingesting %s on %s: %v", p.pid, addr, err)
				r.ingest = cluster.IngestionFailed
				p.engineErr = err.Error()
				return
			}
			r.ingest = cluster.IngestionSucceed
			atomic.AddUint64(&e.stats.Ingestions, 1)
		}(addr, r)
	}
	return &cluster.IngestionResponse{}
}

// Stats returns a snapshot of the executor's counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Requests:        atomic.LoadUint64(&e.stats.Requests),
		FilesDownloaded: atomic.LoadUint64(&e.stats.FilesDownloaded),
		BytesDownloaded: atomic.LoadUint64(&e.stats.BytesDownloaded),
		Ingestions:      atomic.LoadUint64(&e.stats.Ingestions),
		Cleanups:        atomic.LoadUint64(&e.stats.Cleanups),
	}
}

// Close stops every download and waits for background work to end.
func (e *Executor) Close() {
	e.mu.Lock()
	for _, p := range e.parts {
		e.stopLocked(p)
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) partitionDir(pid cluster.PartitionID) string {
	return filepath.Join(e.dataDir, "bulk_load", pid.String())
}

// replicaDirName turns a node address into a directory name.
func replicaDirName(addr string) string {
	return strings.NewReplacer("://", "_", ":", "_", "/", "_").Replace(addr)
}

func sortedKeys(m map[string]*replicaState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fileDigest returns the size and md5 of a local file.
func fileDigest(name string) (int64, string, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
