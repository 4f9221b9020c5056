// Package dispatcher is the FIFO queue of user commands between the
// web-facing threads and the controller tick. Commands carry optional
// callbacks; the controller invokes exactly one of success or failure
// per command, in submission order.
package dispatcher

import (
	"sync"

	"github.com/rccypher/rapidcopy/internal/model"
)

// Action is the kind of user command.
type Action int

const (
	ActionQueue Action = iota
	ActionStop
	ActionExtract
	ActionDeleteLocal
	ActionDeleteRemote
	ActionValidate
)

func (a Action) String() string {
	switch a {
	case ActionQueue:
		return "QUEUE"
	case ActionStop:
		return "STOP"
	case ActionExtract:
		return "EXTRACT"
	case ActionDeleteLocal:
		return "DELETE_LOCAL"
	case ActionDeleteRemote:
		return "DELETE_REMOTE"
	case ActionValidate:
		return "VALIDATE"
	default:
		return "UNKNOWN"
	}
}

// Callback observes one command's outcome. OnFailure receives a
// one-sentence human-readable reason.
type Callback interface {
	OnSuccess()
	OnFailure(reason string)
}

// Command is one queued user action against a model file.
type Command struct {
	Action    Action
	File      model.Key
	callbacks []Callback
}

// NewCommand builds a command for the named file.
func NewCommand(action Action, file model.Key) *Command {
	return &Command{Action: action, File: file}
}

// AddCallback registers an outcome observer.
func (c *Command) AddCallback(cb Callback) {
	c.callbacks = append(c.callbacks, cb)
}

// Succeed notifies all callbacks of success.
func (c *Command) Succeed() {
	for _, cb := range c.callbacks {
		cb.OnSuccess()
	}
}

// Fail notifies all callbacks of failure.
func (c *Command) Fail(reason string) {
	for _, cb := range c.callbacks {
		cb.OnFailure(reason)
	}
}

// Queue is the FIFO command queue. Push may be called from any
// goroutine; Drain is called by the controller tick.
type Queue struct {
	mut      sync.Mutex
	commands []*Command
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a command.
func (q *Queue) Push(c *Command) {
	q.mut.Lock()
	q.commands = append(q.commands, c)
	q.mut.Unlock()
}

// Drain removes and returns all queued commands in submission order.
func (q *Queue) Drain() []*Command {
	q.mut.Lock()
	cmds := q.commands
	q.commands = nil
	q.mut.Unlock()
	return cmds
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.commands)
}
