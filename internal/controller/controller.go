// Package controller is the reconciler: one single-threaded tick that
// drains worker outputs, rebuilds the model, processes user commands
// and drives downloads, extraction and validation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"

	"github.com/rccypher/rapidcopy/internal/config"
	"github.com/rccypher/rapidcopy/internal/dispatcher"
	"github.com/rccypher/rapidcopy/internal/downloader"
	"github.com/rccypher/rapidcopy/internal/events"
	"github.com/rccypher/rapidcopy/internal/extractor"
	"github.com/rccypher/rapidcopy/internal/logging"
	"github.com/rccypher/rapidcopy/internal/model"
	"github.com/rccypher/rapidcopy/internal/modelbuilder"
	"github.com/rccypher/rapidcopy/internal/persist"
	"github.com/rccypher/rapidcopy/internal/supervisor"
	"github.com/rccypher/rapidcopy/internal/sysscan"
	"github.com/rccypher/rapidcopy/internal/validation"
)

var ErrNotStarted = errors.New("controller: not started")

// ScanSource is the supervisor surface the controller drains.
type ScanSource interface {
	PopLatestResult() *supervisor.Result
	ForceScan()
	PropagateException() error
}

// Downloader is the driver surface the controller schedules on.
type Downloader interface {
	Queue(ctx context.Context, name string, isDir bool, pairID, remoteRoot, localRoot string) error
	Kill(ctx context.Context, name string) error
	Status(ctx context.Context) ([]downloader.Status, error)
	RaisePendingError() error
}

// Validator is the validation worker surface.
type Validator interface {
	Validate(validation.Command)
	UpdateLocalSize(localPath string, size int64)
	ResumeChunk(localPath string, index int)
	PopLatestStatus() *validation.StatusSnapshot
	PopCompleted() []validation.Completed
	PopRedownloads() []validation.Redownload
	PropagateException() error
}

// Extractor is the archive-extractor collaborator surface.
type Extractor interface {
	Extract(name, pairID string)
	PopLatestStatuses() []extractor.Status
	PopCompleted() []extractor.Completed
	PropagateException() error
}

// RangeFetcher fetches one byte range of a remote file into the local
// file, for corrupt-chunk repair.
type RangeFetcher interface {
	FetchRange(ctx context.Context, remotePath, localPath string, offset, size int64) error
}

// RemoteRemover runs the remote-side delete.
type RemoteRemover interface {
	Shell(ctx context.Context, command string) ([]byte, error)
}

// LocalRemover deletes a local tree; split out so tests stay off the
// real filesystem.
type LocalRemover func(path string) error

// ActiveSetter receives the set of in-flight files each tick, feeding
// the active scanner. The active scan supervisor implements it.
type ActiveSetter interface {
	SetActiveFiles(files []sysscan.ActiveFile)
}

// Deps wires the controller to its collaborators.
type Deps struct {
	Config     *config.Config
	Pairs      []model.PathPair
	RemoteScan ScanSource
	LocalScan  ScanSource
	ActiveScan ScanSource
	Downloader Downloader
	Validator  Validator
	Extractor  Extractor
	Fetcher    RangeFetcher
	Remover    RemoteRemover
	RemoveAll  LocalRemover

	PersistPath string
	Events      *events.Logger
	Metrics     prometheus.Registerer
}

// oneShot is a reaped-next-tick background command, e.g. a local
// delete followed by a forced scan.
type oneShot struct {
	name string
	done chan error
	post func()
}

// Controller is the single reconciler. All mutation happens inside
// Process; the web-facing read surface goes through the Model's own
// lock and the status tracker.
type Controller struct {
	cfg   *config.Config
	deps  Deps
	log   *slog.Logger
	event *events.Logger

	model    *model.Model
	builder  *modelbuilder.Builder
	commands *dispatcher.Queue
	status   statusTracker
	metrics  *metrics

	downloaded *xsync.MapOf[string, struct{}]
	extracted  *xsync.MapOf[string, struct{}]
	validated  *xsync.MapOf[string, struct{}]
	retries    *xsync.MapOf[string, int]

	pairsByID map[string]model.PathPair

	// remotePresent/localPresent track which keys the latest scans
	// saw; command preconditions consult them.
	remotePresent map[model.Key]bool
	localPresent  map[model.Key]bool

	oneShots []*oneShot

	// valKeys maps an in-flight validation name back to its model key.
	valKeys map[string]model.Key

	started bool
}

func New(deps Deps) (*Controller, error) {
	c := &Controller{
		cfg:           deps.Config,
		deps:          deps,
		log:           logging.For("controller"),
		event:         deps.Events,
		model:         model.New(),
		builder:       modelbuilder.New(),
		commands:      dispatcher.NewQueue(),
		metrics:       newMetrics(deps.Metrics),
		downloaded:    xsync.NewMapOf[string, struct{}](),
		extracted:     xsync.NewMapOf[string, struct{}](),
		validated:     xsync.NewMapOf[string, struct{}](),
		retries:       xsync.NewMapOf[string, int](),
		pairsByID:     make(map[string]model.PathPair),
		remotePresent: make(map[model.Key]bool),
		localPresent:  make(map[model.Key]bool),
		valKeys:       make(map[string]model.Key),
	}
	if c.event == nil {
		c.event = events.NewLogger()
	}
	for _, p := range deps.Pairs {
		c.pairsByID[p.ID] = p
	}
	if deps.RemoveAll == nil {
		return nil, errors.New("controller: RemoveAll is required")
	}
	return c, nil
}

// Start validates configuration and loads persisted state. On an
// incomplete config the controller reports down and refuses to start;
// no worker scheduling happens.
func (c *Controller) Start() error {
	if err := c.cfg.Validate(); err != nil {
		var inc *config.IncompleteError
		if errors.As(err, &inc) {
			c.status.setUp(false, err.Error())
			c.status.recordFault(ConfigIncomplete, err.Error())
			return err
		}
		c.status.setUp(false, err.Error())
		return err
	}

	state, err := persist.LoadControllerState(c.deps.PersistPath)
	if err != nil {
		c.status.setUp(false, err.Error())
		return err
	}
	for _, n := range state.Downloaded {
		c.downloaded.Store(n, struct{}{})
	}
	for _, n := range state.Extracted {
		c.extracted.Store(n, struct{}{})
	}
	for _, n := range state.Validated {
		c.validated.Store(n, struct{}{})
	}
	for n, count := range state.ValidationRetryCounts {
		c.retries.Store(n, count)
	}
	c.builder.SetDownloadedFiles(c.setSnapshot(c.downloaded))
	c.builder.SetExtractedFiles(c.setSnapshot(c.extracted))

	c.started = true
	c.status.setUp(true, "")
	c.event.Log(events.StartupComplete, nil)
	c.log.Info("controller started", "pairs", len(c.pairsByID))
	return nil
}

// Process advances the controller by one tick. The step order is part
// of the contract: exceptions, command cleanup, user commands, model
// rebuild, validation outputs.
func (c *Controller) Process(ctx context.Context) error {
	if !c.started {
		return ErrNotStarted
	}
	c.metrics.ticks.Inc()

	if err := c.propagateExceptions(); err != nil {
		c.status.setUp(false, err.Error())
		return err
	}
	if err := c.cleanupCommands(); err != nil {
		c.status.setUp(false, err.Error())
		return err
	}
	c.processCommands(ctx)
	c.updateModel(ctx)
	c.applyValidationOutputs(ctx)
	return nil
}

// Run ticks Process on the interval until the context ends. Serve wraps
// it as the suture.Service entry point so the root supervisor can own it.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := c.Process(ctx); err != nil {
			return fmt.Errorf("controller tick: %w", err)
		}
		timer.Reset(interval)
	}
}

// Serve runs at the configured downloading-scan cadence.
func (c *Controller) Serve(ctx context.Context) error {
	err := c.Run(ctx, time.Duration(c.cfg.Controller.IntervalMsDownloadingScan)*time.Millisecond)
	if err != nil && !errors.Is(err, context.Canceled) {
		return suture.ErrDoNotRestart
	}
	return err
}

func (c *Controller) String() string { return "controller" }

// --- web-facing surface ---

// GetModelFiles returns a deep copy of the model.
func (c *Controller) GetModelFiles() []*model.ModelFile {
	return c.model.Snapshot()
}

// GetModelFilesAndAddListener atomically snapshots and subscribes.
func (c *Controller) GetModelFilesAndAddListener(l model.Listener) []*model.ModelFile {
	return c.model.SnapshotAndAddListener(l)
}

// RemoveModelListener unsubscribes a listener.
func (c *Controller) RemoveModelListener(l model.Listener) {
	c.model.RemoveListener(l)
}

// QueueCommand enqueues a user command for the next tick.
func (c *Controller) QueueCommand(cmd *dispatcher.Command) {
	c.commands.Push(cmd)
}

// NotifyAutoQueueMatch lets the auto-queue pattern matcher enqueue a
// download through the same FIFO as user commands.
func (c *Controller) NotifyAutoQueueMatch(pairID, name string) {
	c.commands.Push(dispatcher.NewCommand(dispatcher.ActionQueue, model.Key{PairID: pairID, Name: name}))
}

// Status returns the current status snapshot.
func (c *Controller) Status() Status {
	return c.status.snapshot()
}

// Events exposes the controller's event logger for subscribers.
func (c *Controller) Events() *events.Logger {
	return c.event
}

// --- tick steps ---

func (c *Controller) propagateExceptions() error {
	for name, src := range map[string]ScanSource{
		"remote": c.deps.RemoteScan,
		"local":  c.deps.LocalScan,
		"active": c.deps.ActiveScan,
	} {
		if src == nil {
			continue
		}
		if err := src.PropagateException(); err != nil {
			c.status.recordFault(ScanNonRecoverable, err.Error())
			return fmt.Errorf("%s scanner died: %w", name, err)
		}
	}
	if err := c.deps.Validator.PropagateException(); err != nil {
		c.status.recordFault(ValidatorFatal, err.Error())
		return fmt.Errorf("validator died: %w", err)
	}
	if c.deps.Extractor != nil {
		if err := c.deps.Extractor.PropagateException(); err != nil {
			return fmt.Errorf("extractor died: %w", err)
		}
	}
	if err := c.deps.Downloader.RaisePendingError(); err != nil {
		// Engine errors are recorded and the tick continues; the
		// engine keeps serving its other jobs.
		c.status.recordFault(DownloadEngine, err.Error())
		c.log.Warn("downloader engine error", "error", err)
	}
	return nil
}

func (c *Controller) cleanupCommands() error {
	remaining := c.oneShots[:0]
	for _, shot := range c.oneShots {
		select {
		case err := <-shot.done:
			if err != nil {
				return fmt.Errorf("%s: %w", shot.name, err)
			}
			if shot.post != nil {
				shot.post()
			}
		default:
			remaining = append(remaining, shot)
		}
	}
	c.oneShots = remaining
	return nil
}

func (c *Controller) spawnOneShot(name string, run func() error, post func()) {
	shot := &oneShot{name: name, done: make(chan error, 1), post: post}
	c.oneShots = append(c.oneShots, shot)
	go func() { shot.done <- run() }()
}

func (c *Controller) updateModel(ctx context.Context) {
	latestRemote := c.deps.RemoteScan.PopLatestResult()
	latestLocal := c.deps.LocalScan.PopLatestResult()
	var latestActive *supervisor.Result
	if c.deps.ActiveScan != nil {
		latestActive = c.deps.ActiveScan.PopLatestResult()
	}

	jobs, err := c.deps.Downloader.Status(ctx)
	jobsOK := err == nil
	if !jobsOK {
		c.status.recordFault(DownloadEngine, err.Error())
		c.log.Warn("downloader status unavailable", "error", err)
	}

	var extractStatuses []extractor.Status
	var extractDone []extractor.Completed
	if c.deps.Extractor != nil {
		extractStatuses = c.deps.Extractor.PopLatestStatuses()
		extractDone = c.deps.Extractor.PopCompleted()
	}

	if latestRemote != nil {
		if latestRemote.Failed {
			c.status.recordRemoteScan(latestRemote.Timestamp, true, latestRemote.ErrorMessage)
			c.status.recordFault(ScanTransient, latestRemote.ErrorMessage)
		} else {
			c.status.recordRemoteScan(latestRemote.Timestamp, false, "")
			c.builder.SetRemoteFiles(latestRemote.Files)
			c.remotePresent = presenceSet(latestRemote.Files)
			c.event.Log(events.RemoteScanCompleted, len(latestRemote.Files))
		}
	}
	if latestLocal != nil {
		c.status.recordLocalScan(latestLocal.Timestamp)
		c.builder.SetLocalFiles(latestLocal.Files)
		c.localPresent = presenceSet(latestLocal.Files)
		c.event.Log(events.LocalScanCompleted, len(latestLocal.Files))
	}
	if latestActive != nil {
		c.builder.SetActiveFiles(latestActive.Files)
	}
	if jobsOK {
		c.builder.SetDownloaderStatuses(jobs)
	}
	if extractStatuses != nil {
		c.builder.SetExtractStatuses(extractStatuses)
	}
	for _, done := range extractDone {
		c.extracted.Store(done.Name, struct{}{})
		c.event.Log(events.FileExtracted, done.Name)
	}
	if len(extractDone) > 0 {
		c.builder.SetExtractedFiles(c.setSnapshot(c.extracted))
		c.savePersist()
	}

	if !c.builder.HasChanges() {
		return
	}

	newFiles := c.builder.Build()
	c.preserveValidationStates(newFiles)
	changes := c.model.ReplaceAll(newFiles)

	persistDirty := false
	for _, change := range changes {
		if !enteredState(change, model.Downloaded) {
			continue
		}
		name := change.New.Name
		c.downloaded.Store(name, struct{}{})
		persistDirty = true
		c.event.Log(events.FileDownloaded, name)
		c.log.Info("download finished", "name", name)

		if c.cfg.Validation.Enabled && c.cfg.Validation.ValidateAfterFile {
			c.startValidation(change.New, false)
		}
	}
	if persistDirty {
		c.builder.SetDownloadedFiles(c.setSnapshot(c.downloaded))
	}

	// Inline validation rides along with the download itself.
	if c.cfg.Validation.Enabled && c.cfg.Validation.ValidateAfterChunk {
		for _, change := range changes {
			if enteredState(change, model.Downloading) {
				c.startValidation(change.New, true)
			}
		}
		for _, f := range newFiles {
			if f.State == model.Downloading {
				c.deps.Validator.UpdateLocalSize(c.localAbs(f), f.LocalSize)
			}
		}
	}

	// Prune the extracted set of files deleted locally so a
	// re-download does not resurrect EXTRACTED.
	pruned := false
	for _, f := range newFiles {
		if f.State == model.Deleted {
			if _, ok := c.extracted.LoadAndDelete(f.Name); ok {
				pruned = true
			}
		}
	}
	if pruned {
		c.builder.SetExtractedFiles(c.setSnapshot(c.extracted))
		persistDirty = true
	}
	if persistDirty {
		c.savePersist()
	}

	c.feedActiveScanner(newFiles)
	c.metrics.observeModel(newFiles)
}

// preserveValidationStates carries VALIDATING/VALIDATED/CORRUPT and
// their fields across a rebuild, but only onto files the rebuild
// derived as DOWNLOADED; any other derived state means the downloader
// or a newer scan moved the file and wins.
func (c *Controller) preserveValidationStates(newFiles []*model.ModelFile) {
	for _, nf := range newFiles {
		old, err := c.model.Get(model.Key{PairID: nf.PairID, Name: nf.Name})
		if err != nil {
			continue
		}
		switch old.State {
		case model.Validating, model.Validated, model.Corrupt:
			if nf.State == model.Downloaded {
				nf.State = old.State
				nf.ValidationProgress = old.ValidationProgress
				nf.ValidationError = old.ValidationError
				nf.CorruptChunks = append([]int(nil), old.CorruptChunks...)
			}
		}
	}
}

func (c *Controller) applyValidationOutputs(ctx context.Context) {
	if snapshot := c.deps.Validator.PopLatestStatus(); snapshot != nil {
		for name, fi := range snapshot.Files {
			key, ok := c.valKeys[name]
			if !ok {
				continue
			}
			f, err := c.model.Get(key)
			if err != nil {
				continue
			}
			// Files re-queued for download mid-flight are left alone.
			if f.State != model.Downloaded && f.State != model.Validating {
				continue
			}
			f.State = model.Validating
			f.ValidationProgress = model.ValidationProgress{Set: true, Value: fi.Progress()}
			c.model.Update(f)
			c.metrics.validationGauge.Set(fi.Progress())
		}
	}

	for _, done := range c.deps.Validator.PopCompleted() {
		c.finishValidation(done)
	}

	for _, red := range c.deps.Validator.PopRedownloads() {
		c.metrics.corruptChunks.Inc()
		c.event.Log(events.ChunkCorrupt, red.ChunkIndex)
		red := red
		c.spawnOneShot(
			fmt.Sprintf("redownload %s #%d", path.Base(red.LocalPath), red.ChunkIndex),
			func() error {
				return c.deps.Fetcher.FetchRange(ctx, red.RemotePath, red.LocalPath, red.Offset, red.Size)
			},
			func() {
				c.event.Log(events.ChunkRepaired, red.ChunkIndex)
				c.deps.Validator.ResumeChunk(red.LocalPath, red.ChunkIndex)
			},
		)
	}
}

func (c *Controller) finishValidation(done validation.Completed) {
	key, ok := c.valKeys[done.Name]
	if !ok {
		return
	}
	delete(c.valKeys, done.Name)

	f, err := c.model.Get(key)
	if err != nil {
		return
	}
	switch f.State {
	case model.Validating, model.Downloaded, model.Corrupt:
	default:
		// Deleted or re-queued mid-validation; the completion is
		// silently dropped.
		c.log.Debug("ignoring completion for moved file", "name", done.Name, "state", f.State)
		return
	}

	if done.IsValid {
		f.State = model.Validated
		f.ValidationError = ""
		f.CorruptChunks = nil
		f.ValidationProgress = model.ValidationProgress{Set: true, Value: 1.0}
		c.validated.Store(done.Name, struct{}{})
		c.retries.Delete(done.Name)
	} else {
		f.State = model.Corrupt
		f.CorruptChunks = append([]int(nil), done.CorruptChunks...)
		if len(done.CorruptChunks) > 0 {
			f.ValidationError = fmt.Sprintf("Corrupt chunks: %v", done.CorruptChunks)
		} else {
			f.ValidationError = "Validation failed"
		}
		count, _ := c.retries.Load(done.Name)
		c.retries.Store(done.Name, count+1)
	}
	c.model.Update(f)
	c.savePersist()
	c.event.Log(events.ValidationCompleted, done.Name)
	c.log.Info("validation result", "name", done.Name, "valid", done.IsValid)
}

func (c *Controller) startValidation(f *model.ModelFile, inline bool) {
	if f.IsDir {
		// Chunked validation is per file; directories are validated by
		// their contents on a future pass.
		return
	}
	if _, active := c.valKeys[f.Name]; active {
		return
	}
	c.valKeys[f.Name] = model.Key{PairID: f.PairID, Name: f.Name}
	c.deps.Validator.Validate(validation.Command{
		Name:       f.Name,
		LocalPath:  c.localAbs(f),
		RemotePath: c.remoteAbs(f),
		Size:       f.RemoteSize,
		Inline:     inline,
	})
	c.event.Log(events.ValidationStarted, f.Name)
}

func (c *Controller) feedActiveScanner(files []*model.ModelFile) {
	if setter, ok := c.deps.ActiveScan.(ActiveSetter); ok {
		var active []sysscan.ActiveFile
		for _, f := range files {
			switch f.State {
			case model.Downloading, model.Extracting:
				active = append(active, sysscan.ActiveFile{Name: f.Name, PairID: f.PairID})
			}
		}
		setter.SetActiveFiles(active)
	}
}

// --- path resolution ---

func (c *Controller) pairFor(f *model.ModelFile) (model.PathPair, bool) {
	if f.PairID == "" {
		return model.PathPair{}, false
	}
	p, ok := c.pairsByID[f.PairID]
	return p, ok
}

func (c *Controller) localRoot(f *model.ModelFile) string {
	if p, ok := c.pairFor(f); ok {
		return p.LocalPath
	}
	return c.cfg.Transfer.LocalPath
}

func (c *Controller) remoteRoot(f *model.ModelFile) string {
	if p, ok := c.pairFor(f); ok {
		return p.RemotePath
	}
	return c.cfg.Transfer.RemotePath
}

func (c *Controller) localAbs(f *model.ModelFile) string {
	return filepath.Join(c.localRoot(f), f.Name)
}

func (c *Controller) remoteAbs(f *model.ModelFile) string {
	return path.Join(c.remoteRoot(f), f.Name)
}

// --- persisted sets ---

func (c *Controller) setSnapshot(m *xsync.MapOf[string, struct{}]) []string {
	var out []string
	m.Range(func(k string, _ struct{}) bool {
		out = append(out, k)
		return true
	})
	return out
}

func (c *Controller) savePersist() {
	if c.deps.PersistPath == "" {
		return
	}
	state := persist.NewControllerState()
	state.Downloaded = c.setSnapshot(c.downloaded)
	state.Extracted = c.setSnapshot(c.extracted)
	state.Validated = c.setSnapshot(c.validated)
	c.retries.Range(func(k string, v int) bool {
		state.ValidationRetryCounts[k] = v
		return true
	})
	if err := state.Save(c.deps.PersistPath); err != nil {
		c.log.Error("persist save failed", "error", err)
	}
}

func presenceSet(files []model.SystemFile) map[model.Key]bool {
	set := make(map[model.Key]bool, len(files))
	for _, f := range files {
		set[model.Key{PairID: f.PairID, Name: f.Name}] = true
	}
	return set
}

func enteredState(change model.Change, state model.State) bool {
	switch change.Type {
	case model.Added:
		return change.New.State == state
	case model.Updated:
		return change.New.State == state && change.Old.State != state
	}
	return false
}
