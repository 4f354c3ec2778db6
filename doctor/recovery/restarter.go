// Package recovery issues the operating-system level restart of a host that
// stopped answering probes.
package recovery

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// DefaultCommand restarts a container named after the host.
var DefaultCommand = []string{"docker", "restart"}

const DefaultRestartTimeout = 30 * time.Second

// Restarter is the recovery action boundary. Implementations report failure
// but callers only log it.
type Restarter interface {
	Restart(ctx context.Context, host string) error
}

type runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandRestarter runs a fixed command with the host appended as its last
// argument, e.g. "docker restart filter-1".
type CommandRestarter struct {
	command []string
	timeout time.Duration
	run     runner
	l       log15.Logger
}

func NewCommandRestarter(command []string, l log15.Logger) *CommandRestarter {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &CommandRestarter{
		command: append([]string(nil), command...),
		timeout: DefaultRestartTimeout,
		run:     execRunner{},
		l:       l.New("component", "restarter"),
	}
}

// ParseCommand splits a RESTART_COMMAND style string on whitespace.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

func (r *CommandRestarter) Restart(ctx context.Context, host string) error {
	if host == "" {
		return errors.New("cannot restart an empty host")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), r.command[1:]...), host)
	l := r.l.New("host", host, "request", uuid.New())
	l.Info("restarting host", "command", strings.Join(append([]string{r.command[0]}, args...), " "))

	out, err := r.run.Run(ctx, r.command[0], args...)
	if err != nil {
		l.Error("restart failed", "err", err, "output", strings.TrimSpace(string(out)))
		return errors.Wrapf(err, "restart of %s failed", host)
	}
	l.Info("restart issued", "output", strings.TrimSpace(string(out)))
	return nil
}
