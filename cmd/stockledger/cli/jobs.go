// Package cli holds operator commands that talk to the job queue.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/ingest"
	"github.com/odyssey-erp/stockledger/internal/reconcile"
	"github.com/odyssey-erp/stockledger/jobs"
)

// JobsCLI wraps manual management helpers for queued work.
type JobsCLI struct {
	client    *jobs.Client
	inspector jobs.Inspector
	closeFn   func() error
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	client := jobs.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	return &JobsCLI{
		client:    client,
		inspector: inspector,
		closeFn: func() error {
			return errors.Join(inspector.Close(), client.Close())
		},
	}
}

// NewJobsCLIWith builds a JobsCLI over explicit collaborators.
func NewJobsCLIWith(client *jobs.Client, inspector jobs.Inspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	if c == nil || c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// TriggerOptions selects the job and its scope.
type TriggerOptions struct {
	Name        string
	WarehouseID int64
	ItemID      int64
	BatchSize   int
}

// Trigger enqueues a supported maintenance job out of schedule.
func (c *JobsCLI) Trigger(ctx context.Context, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch opts.Name {
	case jobs.TaskReservationExpire:
		return c.client.EnqueueReservationExpire(ctx, opts.BatchSize)
	case jobs.TaskReconcileSnapshot:
		return c.client.EnqueueSnapshot(ctx)
	case jobs.TaskReconcileThreeBooks:
		return c.client.EnqueueThreeBooks(ctx, reconcile.Scope{WarehouseID: opts.WarehouseID, ItemID: opts.ItemID})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", opts.Name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the state of every queue the worker serves.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 2)
	for _, name := range []string{jobs.QueueDefault, jobs.QueueIngest} {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("inspect %s: %w", name, err)
		}
		if err == nil && info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// CommandIO carries the output streams of a command.
type CommandIO struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (o *CommandIO) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// TriggerCommand runs `jobs trigger` and returns the process exit code.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions, out CommandIO) int {
	out.defaults()
	info, err := c.Trigger(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(out.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

// PublishCommand runs `jobs publish`, reading one JSON marketplace event
// from in. Invalid events are rejected before they reach the queue.
func (c *JobsCLI) PublishCommand(ctx context.Context, in io.Reader, out CommandIO) int {
	out.defaults()
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(out.Stderr, "jobs publish: client not configured")
		return 1
	}
	var event ingest.Event
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs publish: decode event: %v\n", err)
		return 1
	}
	info, err := c.client.EnqueueMarketplaceEvent(ctx, event)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs publish: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(out.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

// InspectCommand runs `jobs inspect` and prints JSON queue stats.
func (c *JobsCLI) InspectCommand(out CommandIO) int {
	out.defaults()
	stats, err := c.InspectQueues()
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs inspect: %v\n", err)
		return 1
	}
	if err := json.NewEncoder(out.Stdout).Encode(stats); err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs inspect: encode json: %v\n", err)
		return 1
	}
	return 0
}
