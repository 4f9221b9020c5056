// Package downloader drives the external parallel-fetch engine over a
// textual command channel. The driver owns command formatting and
// status parsing; the engine owns connections, parallelism and disk
// writes.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/rccypher/rapidcopy/internal/logging"
)

var (
	ErrEngine = errors.New("downloader: engine error")
	ErrBadJob = errors.New("downloader: no such job")
	ErrStatus = errors.New("downloader: unparsable status")
)

// JobState is the engine-reported state of one transfer job.
type JobState int

const (
	JobQueued JobState = iota
	JobRunning
	JobStopped
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "QUEUED"
	case JobRunning:
		return "RUNNING"
	case JobStopped:
		return "STOPPED"
	case JobFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

func parseJobState(s string) (JobState, error) {
	switch s {
	case "QUEUED":
		return JobQueued, nil
	case "RUNNING":
		return JobRunning, nil
	case "STOPPED":
		return JobStopped, nil
	case "FINISHED":
		return JobFinished, nil
	}
	return 0, fmt.Errorf("%w: state %q", ErrStatus, s)
}

// FileStatus is the per-file breakdown of a directory job.
type FileStatus struct {
	Name           string
	State          JobState
	TotalSize      int64
	DownloadedSize int64
	SpeedBPS       float64
	ETA            time.Duration
}

// Status is one job in a status snapshot.
type Status struct {
	Name           string
	PairID         string
	State          JobState
	IsDir          bool
	TotalSize      int64
	LocalSize      int64
	DownloadedSize int64
	SpeedBPS       float64
	ETA            time.Duration
	Files          []FileStatus
}

// Engine is the command channel to the external transfer engine.
// Exec issues one textual command and returns the engine's response.
// Asynchronous failures (a connection dying mid-transfer) surface via
// PendingError, drained by the driver's RaisePendingError.
type Engine interface {
	Exec(ctx context.Context, command string) ([]byte, error)
	PendingError() error
}

// Config is applied once when the driver starts the engine.
type Config struct {
	MaxParallelJobs        int
	MaxParallelFilesPerJob int
	ConnectionsPerRootFile int
	ConnectionsPerDirFile  int
	MaxTotalConnections    int
	RemotePath             string
	LocalPath              string
	TempSuffix             string
	RateLimit              string
	Verbose                bool
}

// Driver wraps the engine. All methods are safe for concurrent use;
// commands are serialized onto the engine's channel.
type Driver struct {
	engine Engine
	cfg    Config
	log    *slog.Logger

	mut     sync.Mutex
	pairIDs map[string]string // job name -> pair id, for status tagging
}

func NewDriver(engine Engine, cfg Config) *Driver {
	return &Driver{
		engine:  engine,
		cfg:     cfg,
		log:     logging.For("downloader"),
		pairIDs: make(map[string]string),
	}
}

// Start applies the engine configuration. Must be called once before
// any queue command.
func (d *Driver) Start(ctx context.Context) error {
	settings := []string{
		fmt.Sprintf("set jobs %d", d.cfg.MaxParallelJobs),
		fmt.Sprintf("set files-per-job %d", d.cfg.MaxParallelFilesPerJob),
		fmt.Sprintf("set conns-per-file %d", d.cfg.ConnectionsPerRootFile),
		fmt.Sprintf("set conns-per-dir-file %d", d.cfg.ConnectionsPerDirFile),
		fmt.Sprintf("set conns-total %d", d.cfg.MaxTotalConnections),
		"set temp-suffix " + shellquote.Join(d.cfg.TempSuffix),
	}
	if d.cfg.RateLimit != "" {
		settings = append(settings, "set rate-limit "+shellquote.Join(d.cfg.RateLimit))
	}
	if d.cfg.Verbose {
		settings = append(settings, "set verbose on")
	}
	for _, s := range settings {
		if _, err := d.engine.Exec(ctx, s); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrEngine, s, err)
		}
	}
	return nil
}

// Queue enqueues a fetch job. When remoteRoot/localRoot are non-empty
// the job runs against those roots instead of the configured defaults;
// this is how multi-pair downloads land in the correct directories.
func (d *Driver) Queue(ctx context.Context, name string, isDir bool, pairID, remoteRoot, localRoot string) error {
	if remoteRoot == "" {
		remoteRoot = d.cfg.RemotePath
	}
	if localRoot == "" {
		localRoot = d.cfg.LocalPath
	}
	kind := "file"
	if isDir {
		kind = "dir"
	}
	cmd := "queue " + kind + " " + shellquote.Join(name, remoteRoot, localRoot)
	if _, err := d.engine.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("%w: queue %s: %w", ErrEngine, name, err)
	}
	d.mut.Lock()
	d.pairIDs[name] = pairID
	d.mut.Unlock()
	d.log.Info("queued", "name", name, "dir", isDir, "pair", pairID)
	return nil
}

// QueueRange fetches exactly [offset, offset+size) of one remote file
// into the same range of the local file. Used for corrupt-chunk
// repair; the job completes without appearing in Status.
func (d *Driver) QueueRange(ctx context.Context, remotePath, localPath string, offset, size int64) error {
	cmd := fmt.Sprintf("fetch-range %d %d %s", offset, size, shellquote.Join(remotePath, localPath))
	if _, err := d.engine.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("%w: fetch-range %s: %w", ErrEngine, remotePath, err)
	}
	return nil
}

// Kill cancels an active or queued job.
func (d *Driver) Kill(ctx context.Context, name string) error {
	out, err := d.engine.Exec(ctx, "kill "+shellquote.Join(name))
	if err != nil {
		return fmt.Errorf("%w: kill %s: %w", ErrEngine, name, err)
	}
	if strings.HasPrefix(string(out), "no such job") {
		return fmt.Errorf("%w: %s", ErrBadJob, name)
	}
	d.log.Info("killed", "name", name)
	return nil
}

// Status returns a snapshot of all current jobs.
func (d *Driver) Status(ctx context.Context) ([]Status, error) {
	out, err := d.engine.Exec(ctx, "status")
	if err != nil {
		return nil, fmt.Errorf("%w: status: %w", ErrEngine, err)
	}
	statuses, err := parseStatus(string(out))
	if err != nil {
		return nil, err
	}
	d.mut.Lock()
	for i := range statuses {
		statuses[i].PairID = d.pairIDs[statuses[i].Name]
	}
	d.mut.Unlock()
	return statuses, nil
}

// RaisePendingError surfaces an asynchronous engine failure, or nil.
func (d *Driver) RaisePendingError() error {
	if err := d.engine.PendingError(); err != nil {
		return fmt.Errorf("%w: %w", ErrEngine, err)
	}
	return nil
}

// parseStatus decodes the engine's status response: one tab-separated
// line per job
//
//	job <name> <state> <is_dir> <total> <local> <downloaded> <speed> <eta>
//
// followed by zero or more per-file breakdown lines for directory jobs
//
//	file <name> <state> <total> <downloaded> <speed> <eta>
func parseStatus(out string) ([]Status, error) {
	var statuses []Status
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case "job":
			if len(fields) != 9 {
				return nil, fmt.Errorf("%w: job line has %d fields", ErrStatus, len(fields))
			}
			state, err := parseJobState(fields[2])
			if err != nil {
				return nil, err
			}
			s := Status{Name: fields[1], State: state, IsDir: fields[3] == "dir"}
			if s.TotalSize, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: total: %w", ErrStatus, err)
			}
			if s.LocalSize, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: local: %w", ErrStatus, err)
			}
			if s.DownloadedSize, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: downloaded: %w", ErrStatus, err)
			}
			if s.SpeedBPS, err = strconv.ParseFloat(fields[7], 64); err != nil {
				return nil, fmt.Errorf("%w: speed: %w", ErrStatus, err)
			}
			eta, err := strconv.ParseInt(fields[8], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: eta: %w", ErrStatus, err)
			}
			s.ETA = time.Duration(eta) * time.Second
			statuses = append(statuses, s)
		case "file":
			if len(statuses) == 0 {
				return nil, fmt.Errorf("%w: file line before any job", ErrStatus)
			}
			if len(fields) != 7 {
				return nil, fmt.Errorf("%w: file line has %d fields", ErrStatus, len(fields))
			}
			state, err := parseJobState(fields[2])
			if err != nil {
				return nil, err
			}
			f := FileStatus{Name: fields[1], State: state}
			if f.TotalSize, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: file total: %w", ErrStatus, err)
			}
			if f.DownloadedSize, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: file downloaded: %w", ErrStatus, err)
			}
			if f.SpeedBPS, err = strconv.ParseFloat(fields[5], 64); err != nil {
				return nil, fmt.Errorf("%w: file speed: %w", ErrStatus, err)
			}
			eta, err := strconv.ParseInt(fields[6], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: file eta: %w", ErrStatus, err)
			}
			f.ETA = time.Duration(eta) * time.Second
			last := &statuses[len(statuses)-1]
			last.Files = append(last.Files, f)
		default:
			return nil, fmt.Errorf("%w: unknown line %q", ErrStatus, line)
		}
	}
	return statuses, nil
}
