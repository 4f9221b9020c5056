package controller

import (
	"context"
	"fmt"

	"github.com/kballard/go-shellquote"

	"github.com/rccypher/rapidcopy/internal/dispatcher"
	"github.com/rccypher/rapidcopy/internal/events"
	"github.com/rccypher/rapidcopy/internal/model"
)

// precondition is one row of the command table: the states a command
// is allowed in (nil means any) and which sides of the mirror must
// have the file.
type precondition struct {
	states         []model.State
	needLocal      bool
	needRemote     bool
	needValidation bool
}

var preconditions = map[dispatcher.Action]precondition{
	dispatcher.ActionQueue: {
		needRemote: true,
	},
	dispatcher.ActionStop: {
		states: []model.State{model.Downloading, model.Queued},
	},
	dispatcher.ActionExtract: {
		states:    []model.State{model.Default, model.Downloaded, model.Extracted},
		needLocal: true,
	},
	// DELETE_LOCAL additionally covers files mid-validation or found
	// corrupt: deleting the local copy is how a user abandons or
	// restarts a bad download.
	dispatcher.ActionDeleteLocal: {
		states:    []model.State{model.Default, model.Downloaded, model.Extracted, model.Validating, model.Corrupt},
		needLocal: true,
	},
	dispatcher.ActionDeleteRemote: {
		states:     []model.State{model.Default, model.Downloaded, model.Extracted, model.Deleted},
		needRemote: true,
	},
	dispatcher.ActionValidate: {
		states:         []model.State{model.Default, model.Downloaded, model.Extracted, model.Validated, model.Corrupt},
		needLocal:      true,
		needRemote:     true,
		needValidation: true,
	},
}

// processCommands drains the FIFO once, checking each command against
// the current model state and invoking its callback with the outcome.
// A rejected command never affects other work.
func (c *Controller) processCommands(ctx context.Context) {
	for _, cmd := range c.commands.Drain() {
		if reason := c.checkCommand(cmd); reason != "" {
			c.rejectCommand(cmd, reason)
			continue
		}
		if err := c.executeCommand(ctx, cmd); err != nil {
			c.rejectCommand(cmd, err.Error())
			continue
		}
		c.metrics.commands.WithLabelValues(cmd.Action.String(), "ok").Inc()
		cmd.Succeed()
	}
}

func (c *Controller) rejectCommand(cmd *dispatcher.Command, reason string) {
	c.metrics.commands.WithLabelValues(cmd.Action.String(), "rejected").Inc()
	c.status.recordFault(CommandRejected, reason)
	c.event.Log(events.CommandRejected, reason)
	c.log.Info("command rejected", "action", cmd.Action, "file", cmd.File.Name, "reason", reason)
	cmd.Fail(reason)
}

// checkCommand returns a human-readable rejection reason, or "".
func (c *Controller) checkCommand(cmd *dispatcher.Command) string {
	pre, ok := preconditions[cmd.Action]
	if !ok {
		return fmt.Sprintf("Unknown command %s", cmd.Action)
	}

	f, err := c.model.Get(cmd.File)
	if err != nil {
		return fmt.Sprintf("File '%s' not found", cmd.File.Name)
	}

	if pre.states != nil {
		allowed := false
		for _, s := range pre.states {
			if f.State == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("Cannot %s file '%s' in state %s", cmd.Action, f.Name, f.State)
		}
	}
	if pre.needRemote && !c.remotePresent[cmd.File] {
		return fmt.Sprintf("File '%s' does not exist remotely", f.Name)
	}
	if pre.needLocal && !c.localPresent[cmd.File] {
		return fmt.Sprintf("File '%s' does not exist locally", f.Name)
	}
	if pre.needValidation && !c.cfg.Validation.Enabled {
		return "Validation is disabled"
	}
	return ""
}

func (c *Controller) executeCommand(ctx context.Context, cmd *dispatcher.Command) error {
	f, err := c.model.Get(cmd.File)
	if err != nil {
		return err
	}

	switch cmd.Action {
	case dispatcher.ActionQueue:
		// The pair's roots steer multi-pair downloads into the right
		// directories; the driver falls back to the configured
		// defaults for pairless files.
		var remoteRoot, localRoot string
		if p, ok := c.pairFor(f); ok {
			remoteRoot, localRoot = p.RemotePath, p.LocalPath
		}
		if err := c.deps.Downloader.Queue(ctx, f.Name, f.IsDir, f.PairID, remoteRoot, localRoot); err != nil {
			return err
		}
		c.event.Log(events.FileQueued, f.Name)

	case dispatcher.ActionStop:
		return c.deps.Downloader.Kill(ctx, f.Name)

	case dispatcher.ActionExtract:
		if c.deps.Extractor == nil {
			return fmt.Errorf("no extractor available")
		}
		c.deps.Extractor.Extract(f.Name, f.PairID)

	case dispatcher.ActionDeleteLocal:
		target := c.localAbs(f)
		c.spawnOneShot("delete local "+f.Name,
			func() error { return c.deps.RemoveAll(target) },
			func() {
				c.event.Log(events.FileDeleted, f.Name)
				c.deps.LocalScan.ForceScan()
			},
		)

	case dispatcher.ActionDeleteRemote:
		target := c.remoteAbs(f)
		c.spawnOneShot("delete remote "+f.Name,
			func() error {
				_, err := c.deps.Remover.Shell(ctx, "rm -rf "+shellquote.Join(target))
				return err
			},
			func() {
				c.event.Log(events.FileDeleted, f.Name)
				c.deps.RemoteScan.ForceScan()
			},
		)

	case dispatcher.ActionValidate:
		c.startValidation(f, false)
	}
	return nil
}
