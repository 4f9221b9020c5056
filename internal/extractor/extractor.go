// Package extractor is the controller-facing surface of the archive
// extractor collaborator. The extraction itself happens elsewhere;
// this package carries extract requests out and status/completion
// reports back, with the same pop-latest / drain-all semantics the
// controller uses for its other workers.
package extractor

import (
	"sync"
	"time"
)

// State of one extraction job.
type State int

const (
	Queued State = iota
	Extracting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Extracting:
		return "EXTRACTING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status is one job in the extractor's status report.
type Status struct {
	Name   string
	PairID string
	State  State
}

// Completed reports one finished extraction.
type Completed struct {
	Name   string
	PairID string
}

// Request is an extract job handed to the collaborator.
type Request struct {
	Name   string
	PairID string
}

// Client is the bidirectional mailbox between the controller and the
// extractor collaborator. The controller side calls Extract and the
// Pop methods; the collaborator side drains requests and pushes
// statuses and completions.
type Client struct {
	mut       sync.Mutex
	requests  []Request
	statuses  []Status
	statusAt  time.Time
	haveStat  bool
	completed []Completed
	fatal     error
}

func NewClient() *Client {
	return &Client{}
}

// Extract queues an extraction request.
func (c *Client) Extract(name, pairID string) {
	c.mut.Lock()
	c.requests = append(c.requests, Request{Name: name, PairID: pairID})
	c.mut.Unlock()
}

// PopRequests drains pending extraction requests; collaborator side.
func (c *Client) PopRequests() []Request {
	c.mut.Lock()
	defer c.mut.Unlock()
	out := c.requests
	c.requests = nil
	return out
}

// PushStatuses replaces the current status report; collaborator side.
func (c *Client) PushStatuses(statuses []Status) {
	c.mut.Lock()
	c.statuses = append([]Status(nil), statuses...)
	c.statusAt = time.Now()
	c.haveStat = true
	c.mut.Unlock()
}

// PushCompleted appends a completion; collaborator side.
func (c *Client) PushCompleted(done Completed) {
	c.mut.Lock()
	c.completed = append(c.completed, done)
	c.mut.Unlock()
}

// PushFatal records a collaborator crash for PropagateException.
func (c *Client) PushFatal(err error) {
	c.mut.Lock()
	c.fatal = err
	c.mut.Unlock()
}

// PopLatestStatuses returns the newest status report since the last
// call, or nil.
func (c *Client) PopLatestStatuses() []Status {
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.haveStat {
		return nil
	}
	c.haveStat = false
	return c.statuses
}

// PopCompleted drains completion reports.
func (c *Client) PopCompleted() []Completed {
	c.mut.Lock()
	defer c.mut.Unlock()
	out := c.completed
	c.completed = nil
	return out
}

// PropagateException surfaces a collaborator crash, if any.
func (c *Client) PropagateException() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.fatal
}
