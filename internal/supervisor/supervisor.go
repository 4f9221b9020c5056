// Package supervisor hosts a periodic scanner in its own worker task.
// The latest scan result is published through a single-slot mailbox:
// pushing a new result discards an unread older one, so the controller
// always folds the freshest view and never queues stale scans.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/rccypher/rapidcopy/internal/logging"
	"github.com/rccypher/rapidcopy/internal/model"
	"github.com/rccypher/rapidcopy/internal/remotescan"
)

// Scanner is any source of SystemFile trees: the local walker, the
// remote scan program runner, or the active scanner.
type Scanner interface {
	Scan(ctx context.Context) ([]model.SystemFile, error)
}

// ScannerFunc adapts a plain function to the Scanner interface.
type ScannerFunc func(ctx context.Context) ([]model.SystemFile, error)

func (f ScannerFunc) Scan(ctx context.Context) ([]model.SystemFile, error) { return f(ctx) }

// Result is one scan outcome. Failed results carry the error message
// for the status snapshot; the files of a failed scan are nil.
type Result struct {
	Timestamp    time.Time
	Files        []model.SystemFile
	Failed       bool
	ErrorMessage string
}

// Supervisor runs one scanner at a fixed interval. Intervals are lower
// bounds: a scan in progress delays the next. It implements
// suture.Service.
type Supervisor struct {
	name     string
	scanner  Scanner
	interval time.Duration
	verbose  bool
	log      *slog.Logger

	mut    sync.Mutex
	latest *Result
	fatal  error

	force chan struct{}
}

func New(name string, scanner Scanner, interval time.Duration, verbose bool) *Supervisor {
	return &Supervisor{
		name:     name,
		scanner:  scanner,
		interval: interval,
		verbose:  verbose,
		log:      logging.For("supervisor"),
		force:    make(chan struct{}, 1),
	}
}

func (s *Supervisor) String() string {
	return fmt.Sprintf("supervisor/%s", s.name)
}

// Serve scans once immediately, then on every interval or force
// request, until the context is cancelled. A non-recoverable scan error
// is held for PropagateException and stops the service without
// restart.
func (s *Supervisor) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.force:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := s.scanOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.mut.Lock()
			s.fatal = err
			s.mut.Unlock()
			s.log.Error("scanner died", "scanner", s.name, "error", err)
			return suture.ErrDoNotRestart
		}

		timer.Reset(s.interval)
	}
}

func (s *Supervisor) scanOnce(ctx context.Context) error {
	start := time.Now()
	files, err := s.scanner.Scan(ctx)
	result := &Result{Timestamp: time.Now()}

	switch {
	case err == nil:
		result.Files = files
		if s.verbose {
			s.log.Info("scan complete", "scanner", s.name, "entries", len(files), "took", time.Since(start))
		} else {
			s.log.Debug("scan complete", "scanner", s.name, "entries", len(files), "took", time.Since(start))
		}
	case errors.Is(err, context.Canceled):
		return err
	case remotescan.Recoverable(err):
		result.Failed = true
		result.ErrorMessage = err.Error()
		s.log.Warn("scan failed, will retry", "scanner", s.name, "error", err)
	default:
		return err
	}

	s.mut.Lock()
	s.latest = result
	s.mut.Unlock()
	return nil
}

// PopLatestResult returns the most recent scan output since the
// previous call, or nil. Only the single most recent result is kept.
func (s *Supervisor) PopLatestResult() *Result {
	s.mut.Lock()
	defer s.mut.Unlock()
	r := s.latest
	s.latest = nil
	return r
}

// ForceScan requests an immediate scan, coalesced if one is already
// pending.
func (s *Supervisor) ForceScan() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// PropagateException returns the fatal error that stopped the worker,
// if any.
func (s *Supervisor) PropagateException() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.fatal
}
