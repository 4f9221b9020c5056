package validation

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/rccypher/rapidcopy/internal/chunk"
)

// tickInterval is how often the worker advances the dispatch when
// there is work; an idle worker wakes at the same cadence to notice
// new commands.
const tickInterval = 100 * time.Millisecond

// inboundBuffer sizes the worker's command channels. Commands beyond
// the buffer block the sender briefly; status-like outputs never
// block.
const inboundBuffer = 64

// StatusSnapshot is the per-tick view of in-progress validations.
type StatusSnapshot struct {
	Timestamp time.Time
	Files     map[string]*chunk.FileInfo
}

// Worker hosts a Dispatch in its own task. Inbound traffic (validate
// commands, local-size updates, resume acks) arrives on buffered FIFO
// channels; outbound status is a keep-latest slot and completions and
// redownload requests are drain-all queues, matching how the
// controller consumes them once per tick.
type Worker struct {
	dispatch *Dispatch

	cmds    chan Command
	sizes   chan sizeUpdate
	resumes chan resumeCmd

	mut         sync.Mutex
	latest      *StatusSnapshot
	completed   []Completed
	redownloads []Redownload
	fatal       error
}

type sizeUpdate struct {
	localPath string
	size      int64
}

type resumeCmd struct {
	localPath string
	index     int
}

func NewWorker(dispatch *Dispatch) *Worker {
	return &Worker{
		dispatch: dispatch,
		cmds:     make(chan Command, inboundBuffer),
		sizes:    make(chan sizeUpdate, inboundBuffer),
		resumes:  make(chan resumeCmd, inboundBuffer),
	}
}

func (w *Worker) String() string { return "validation/worker" }

// Serve runs the dispatch loop until the context is cancelled. It
// implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	defer w.dispatch.Close()
	timer := time.NewTimer(tickInterval)
	defer timer.Stop()

	for {
		w.drainInbound()

		if result := w.dispatch.Tick(ctx); result != nil {
			w.mut.Lock()
			w.completed = append(w.completed, *result)
			w.mut.Unlock()
		}

		if reds := w.dispatch.PopRedownloads(); len(reds) > 0 {
			w.mut.Lock()
			w.redownloads = append(w.redownloads, reds...)
			w.mut.Unlock()
		}

		snapshot := &StatusSnapshot{Timestamp: time.Now(), Files: w.dispatch.Status()}
		w.mut.Lock()
		w.latest = snapshot
		w.mut.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(tickInterval)
		}
	}
}

func (w *Worker) drainInbound() {
	for {
		select {
		case cmd := <-w.cmds:
			w.dispatch.Enqueue(cmd)
		case u := <-w.sizes:
			w.dispatch.UpdateLocalSize(u.localPath, u.size)
		case r := <-w.resumes:
			w.dispatch.Resume(r.localPath, r.index)
		default:
			return
		}
	}
}

// Validate queues a file for validation.
func (w *Worker) Validate(cmd Command) {
	w.cmds <- cmd
}

// UpdateLocalSize reports bytes-on-disk for an inline-validated file.
func (w *Worker) UpdateLocalSize(localPath string, size int64) {
	w.sizes <- sizeUpdate{localPath: localPath, size: size}
}

// ResumeChunk signals that a requested byte range is on disk.
func (w *Worker) ResumeChunk(localPath string, index int) {
	w.resumes <- resumeCmd{localPath: localPath, index: index}
}

// PopLatestStatus returns the most recent status snapshot since the
// previous call, or nil.
func (w *Worker) PopLatestStatus() *StatusSnapshot {
	w.mut.Lock()
	defer w.mut.Unlock()
	s := w.latest
	w.latest = nil
	return s
}

// PopCompleted returns all completion records since the previous call.
func (w *Worker) PopCompleted() []Completed {
	w.mut.Lock()
	defer w.mut.Unlock()
	out := w.completed
	w.completed = nil
	return out
}

// PopRedownloads returns all redownload requests since the previous
// call.
func (w *Worker) PopRedownloads() []Redownload {
	w.mut.Lock()
	defer w.mut.Unlock()
	out := w.redownloads
	w.redownloads = nil
	return out
}

// PropagateException surfaces a fatal worker error, if any.
func (w *Worker) PropagateException() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.fatal
}

var _ suture.Service = (*Worker)(nil)
