package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// JobRunner is the subset of JobsCLI used by Dispatch.
type JobRunner interface {
	Trigger(ctx context.Context, name string) (string, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// Deps carries what the subcommands need.
type Deps struct {
	DSN     string
	Logger  *slog.Logger
	Out     io.Writer
	Migrate func(dsn string, logger *slog.Logger) error
	Jobs    func() (JobRunner, func() error, error)
}

// ErrUsage reports an unknown or incomplete command line.
var ErrUsage = errors.New("usage: medstock [migrate | jobs trigger <task> | jobs stats]")

// Dispatch runs a one-shot subcommand instead of the HTTP server.
func Dispatch(ctx context.Context, args []string, deps Deps) error {
	if len(args) == 0 {
		return ErrUsage
	}
	switch args[0] {
	case "migrate":
		if deps.Migrate == nil {
			return errors.New("migrate: not configured")
		}
		return deps.Migrate(deps.DSN, deps.Logger)
	case "jobs":
		if len(args) < 2 || deps.Jobs == nil {
			return ErrUsage
		}
		runner, closeFn, err := deps.Jobs()
		if err != nil {
			return err
		}
		defer func() { _ = closeFn() }()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		switch args[1] {
		case "trigger":
			if len(args) != 3 {
				return ErrUsage
			}
			id, err := runner.Trigger(ctx, args[2])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(deps.Out, "enqueued %s as %s\n", args[2], id)
			return err
		case "stats":
			stats, err := runner.Stats(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(deps.Out, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
			return err
		}
	}
	return ErrUsage
}

// Runner adapts JobsCLI to JobRunner.
func (c *JobsCLI) Runner() JobRunner { return jobsRunner{c} }

type jobsRunner struct{ c *JobsCLI }

func (r jobsRunner) Trigger(ctx context.Context, name string) (string, error) {
	info, err := r.c.Trigger(ctx, name)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (r jobsRunner) Stats(ctx context.Context) (QueueStats, error) { return r.c.InspectQueue(ctx) }
