// Package syncer reacts to engine readiness and file-list events and runs
// the sync workflow: list, delete already-processed files, download and
// delete new ones, then time sync, device info and a location refresh.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/engine"
	"github.com/pirorin215/fastrec-sub000/history"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/observe"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

const logPrefix = "sync"

// ErrPassRunning is returned when a processing pass is already in progress
var ErrPassRunning = errors.New("sync pass already running")

// Engine is the subset of *engine.Engine the orchestrator drives
type Engine interface {
	Subscribe(buffer int) (<-chan engine.Event, func())
	LinkContext() context.Context
	FetchFileList(ctx context.Context, silent bool) ([]protocol.FileEntry, error)
	DownloadFile(ctx context.Context, file protocol.FileEntry) (string, error)
	DeleteFile(ctx context.Context, name string) error
	SyncTime(ctx context.Context) error
	PollDeviceInfo(ctx context.Context) (protocol.DeviceInfo, error)
}

// ProcessedIndex remembers recordings already handed downstream
type ProcessedIndex interface {
	IsProcessed(name string) bool
	MarkProcessed(name string) error
}

// HistoryStore records location samples
type HistoryStore interface {
	AddEntry(ts time.Time, loc *history.Location, batteryLevel, batteryVoltage *float64) error
}

// LocationProvider samples the current position
type LocationProvider interface {
	Current(ctx context.Context) (*history.Location, error)
}

// Deps are the orchestrator's collaborators. History and Location are optional.
type Deps struct {
	Index    ProcessedIndex
	History  HistoryStore
	Location LocationProvider
}

// Trigger names what started a pass
type Trigger string

const (
	TriggerReady       Trigger = "ready"
	TriggerListChanged Trigger = "list-changed"
)

// PassReport summarizes one processing pass
type PassReport struct {
	Trigger     Trigger   `json:"trigger"`
	At          time.Time `json:"at"`
	Downloaded  int       `json:"downloaded"`
	Deleted     int       `json:"deleted"`
	Failed      int       `json:"failed"`
	PostSynced  bool      `json:"post_synced"`
	Err         string    `json:"error,omitempty"`
	FileListTry int       `json:"file_list_attempts,omitempty"`
}

// Syncer is the sync orchestrator
type Syncer struct {
	cfg     *config.Config
	eng     Engine
	deps    Deps
	globs   []glob.Glob
	running atomic.Bool
	last    *observe.Value[PassReport]
	now     func() time.Time

	// link of a ready pass that arrived while the guard was held
	pendingMu    sync.Mutex
	pendingReady context.Context
}

// New creates an orchestrator. Index is required.
func New(cfg *config.Config, eng Engine, deps Deps) (*Syncer, error) {
	if deps.Index == nil {
		return nil, errors.New("syncer: processed index is required")
	}
	globs, err := cfg.Globs()
	if err != nil {
		return nil, err
	}
	return &Syncer{
		cfg:   cfg,
		eng:   eng,
		deps:  deps,
		globs: globs,
		last:  observe.NewValue(PassReport{}),
		now:   time.Now,
	}, nil
}

// LastPass is the observable report of the most recent pass
func (s *Syncer) LastPass() *observe.Value[PassReport] { return s.last }

// Start subscribes to engine events and handles them until ctx ends. Passes
// run on their own goroutines so events keep draining while one is in flight.
func (s *Syncer) Start(ctx context.Context) {
	events, cancel := s.eng.Subscribe(64)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				switch {
				case ev.Kind == engine.EventDeviceReady:
					go s.logPass(s.OnDeviceReady(ctx))
				case ev.Kind == engine.EventFileListChanged && !ev.Silent:
					files := ev.Files
					go s.logPass(s.OnFileListChanged(ctx, files))
				}
			}
		}
	}()
}

func (s *Syncer) logPass(report PassReport, err error) {
	switch {
	case errors.Is(err, ErrPassRunning):
		logger.Debug(logPrefix, "Pass (%s) skipped: another pass is running", report.Trigger)
	case err != nil:
		logger.Warn(logPrefix, "⚠️  Pass (%s) ended early: %v", report.Trigger, err)
	default:
		logger.Info(logPrefix, "✅ Pass (%s): %d downloaded, %d deleted, %d failed", report.Trigger, report.Downloaded, report.Deleted, report.Failed)
	}
}

// OnDeviceReady fetches the file list, retrying while the device is busy,
// processes it and always finishes with the post-transfer sequence
func (s *Syncer) OnDeviceReady(ctx context.Context) (PassReport, error) {
	return s.pass(ctx, TriggerReady, func(ctx context.Context, report *PassReport) error {
		files, attempts, err := s.fetchWithRetry(ctx)
		report.FileListTry = attempts
		if err != nil {
			return err
		}
		if err := s.process(ctx, files, report); err != nil {
			return err
		}
		return s.postTransfer(ctx, report)
	})
}

// OnFileListChanged processes a list published by someone else's fetch; the
// post-transfer sequence runs only if the pass moved at least one file
func (s *Syncer) OnFileListChanged(ctx context.Context, files []protocol.FileEntry) (PassReport, error) {
	return s.pass(ctx, TriggerListChanged, func(ctx context.Context, report *PassReport) error {
		if err := s.process(ctx, files, report); err != nil {
			return err
		}
		if report.Downloaded+report.Deleted == 0 {
			return nil
		}
		return s.postTransfer(ctx, report)
	})
}

// pass runs body under the non-reentrant guard, scoped to the current link.
// The report is published after the guard is released.
func (s *Syncer) pass(ctx context.Context, trigger Trigger, body func(context.Context, *PassReport) error) (PassReport, error) {
	report := PassReport{Trigger: trigger, At: s.now()}
	if !s.running.CompareAndSwap(false, true) {
		if trigger == TriggerReady {
			s.deferReady(ctx)
		}
		return report, ErrPassRunning
	}

	err := func() error {
		defer s.running.Store(false)
		ctx, stop := s.linkScoped(ctx)
		defer stop()
		return body(ctx, &report)
	}()

	if err != nil {
		report.Err = err.Error()
	}
	s.last.Set(report)
	logger.DebugJSON(logPrefix, "Pass report", report)
	s.runDeferredReady(ctx)
	return report, err
}

// deferReady remembers a skipped ready pass; DeviceReady fires only once
// per connection
func (s *Syncer) deferReady(ctx context.Context) {
	s.pendingMu.Lock()
	s.pendingReady = s.eng.LinkContext()
	s.pendingMu.Unlock()
	logger.Info(logPrefix, "⏳ Ready pass deferred until the running pass ends")

	// The running pass may have released the guard before the record above
	if !s.running.Load() {
		s.runDeferredReady(ctx)
	}
}

// runDeferredReady starts the deferred ready pass, unless its link has
// dropped since; the next connection brings its own DeviceReady
func (s *Syncer) runDeferredReady(ctx context.Context) {
	s.pendingMu.Lock()
	link := s.pendingReady
	s.pendingReady = nil
	s.pendingMu.Unlock()
	if link == nil || link.Err() != nil || ctx.Err() != nil {
		return
	}
	go s.logPass(s.OnDeviceReady(ctx))
}

// linkScoped derives a context that also ends when the current link drops
func (s *Syncer) linkScoped(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.eng.LinkContext(), cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

// fetchWithRetry tolerates a device that is busy recording. Any failure is
// retried up to FileListMaxAttempts; a dropped link aborts immediately.
func (s *Syncer) fetchWithRetry(ctx context.Context) ([]protocol.FileEntry, int, error) {
	limit := s.cfg.Sync.FileListMaxAttempts
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		files, err := s.eng.FetchFileList(ctx, true)
		if err == nil {
			if attempt > 1 {
				logger.Info(logPrefix, "📂 File list fetched on attempt %d", attempt)
			}
			return files, attempt, nil
		}
		if ctx.Err() != nil || errors.Is(err, protocol.ErrDisconnected) {
			return nil, attempt, fmt.Errorf("file list: %w", protocol.ErrDisconnected)
		}
		lastErr = err
		logger.Warn(logPrefix, "⚠️  File list attempt %d/%d failed: %v", attempt, limit, err)

		if attempt < limit {
			t := time.NewTimer(s.cfg.FileListRetryDelay())
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, attempt, fmt.Errorf("file list: %w", protocol.ErrDisconnected)
			}
		}
	}
	return nil, limit, fmt.Errorf("file list after %d attempts: %w: %w", limit, protocol.ErrRetriesExhausted, lastErr)
}

// process deletes already-processed files first to free device storage, then
// downloads, marks and deletes new ones. Per-file failures are counted and
// skipped; only a lost link stops the pass.
func (s *Syncer) process(ctx context.Context, files []protocol.FileEntry, report *PassReport) error {
	var deleteOnly, fresh []protocol.FileEntry
	for _, f := range files {
		if !s.matches(f.Name) {
			continue
		}
		if s.deps.Index.IsProcessed(f.Name) {
			deleteOnly = append(deleteOnly, f)
		} else {
			fresh = append(fresh, f)
		}
	}
	if len(deleteOnly)+len(fresh) > 0 {
		logger.Info(logPrefix, "🗂️  %d to delete, %d to download", len(deleteOnly), len(fresh))
	}

	for _, f := range deleteOnly {
		if err := s.eng.DeleteFile(ctx, f.Name); err != nil {
			if aborted(ctx, err) {
				return err
			}
			report.Failed++
			logger.Warn(logPrefix, "⚠️  Delete of processed %s failed: %v", f.Name, err)
			continue
		}
		report.Deleted++
	}

	for _, f := range fresh {
		if _, err := s.eng.DownloadFile(ctx, f); err != nil {
			if aborted(ctx, err) {
				return err
			}
			report.Failed++
			continue
		}
		report.Downloaded++

		if err := s.deps.Index.MarkProcessed(f.Name); err != nil {
			// The file is saved; the next pass downloads it again
			logger.Error(logPrefix, "❌ Could not mark %s processed: %v", f.Name, err)
			report.Failed++
			continue
		}
		if err := s.eng.DeleteFile(ctx, f.Name); err != nil {
			if aborted(ctx, err) {
				return err
			}
			report.Failed++
			logger.Warn(logPrefix, "⚠️  %s downloaded but not deleted, will retry next sync: %v", f.Name, err)
			continue
		}
		report.Deleted++
	}
	return nil
}

// postTransfer runs refresh -> time sync -> device info -> location. The
// first failing step ends the sequence.
func (s *Syncer) postTransfer(ctx context.Context, report *PassReport) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"file list refresh", func(ctx context.Context) error {
			_, err := s.eng.FetchFileList(ctx, true)
			return err
		}},
		{"time sync", s.eng.SyncTime},
		{"device info", func(ctx context.Context) error {
			_, err := s.eng.PollDeviceInfo(ctx)
			return err
		}},
		{"location refresh", s.refreshLocation},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			logger.Warn(logPrefix, "⚠️  Post-transfer %s failed, skipping the rest: %v", step.name, err)
			return fmt.Errorf("post-transfer %s: %w", step.name, err)
		}
	}
	report.PostSynced = true
	return nil
}

func (s *Syncer) refreshLocation(ctx context.Context) error {
	if s.deps.Location == nil || s.deps.History == nil {
		return nil
	}
	loc, err := s.deps.Location.Current(ctx)
	if err != nil {
		return err
	}
	if loc == nil {
		return nil
	}
	return s.deps.History.AddEntry(s.now(), loc, nil, nil)
}

func (s *Syncer) matches(name string) bool {
	if len(s.globs) == 0 {
		return true
	}
	for _, g := range s.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, protocol.ErrDisconnected)
}
