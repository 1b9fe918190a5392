package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/reconcile"
)

// Reconciler is the reconciliation behaviour driven by the scheduled tasks.
type Reconciler interface {
	SnapshotToday(ctx context.Context) (reconcile.Snapshot, error)
	ThreeBooks(ctx context.Context, scope reconcile.Scope) (reconcile.Report, error)
}

// ThreeBooksPayload selects the scope of a scheduled check. Zero means all.
type ThreeBooksPayload struct {
	WarehouseID int64 `json:"warehouse_id"`
	ItemID      int64 `json:"item_id"`
}

// ReconcileJob runs the daily snapshot and the periodic three-books check.
type ReconcileJob struct {
	Service Reconciler
	Locker  *lock.Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	LockTTL time.Duration
}

// NewReconcileJob constructs the reconciliation handlers.
func NewReconcileJob(service Reconciler, locker *lock.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Locker: locker, Logger: logger, Metrics: metrics, LockTTL: 10 * time.Minute}
}

// NewSnapshotTask creates the daily snapshot task.
func NewSnapshotTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileSnapshot, nil, asynq.Queue(QueueDefault))
}

// NewThreeBooksTask creates a three-books task for scope.
func NewThreeBooksTask(scope reconcile.Scope) (*asynq.Task, error) {
	body, err := json.Marshal(ThreeBooksPayload{WarehouseID: scope.WarehouseID, ItemID: scope.ItemID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileThreeBooks, body, asynq.Queue(QueueDefault)), nil
}

// HandleSnapshot takes today's snapshot. Re-running on the same day is harmless.
func (j *ReconcileJob) HandleSnapshot(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile snapshot: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskReconcileSnapshot)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	ran, err := j.exclusive(ctx, TaskReconcileSnapshot, func(ctx context.Context) error {
		snap, err := j.Service.SnapshotToday(ctx)
		if err != nil {
			return err
		}
		if snap.Created {
			j.Metrics.AddProcessed(TaskReconcileSnapshot, int(snap.Lines))
		}
		j.logger().Info("snapshot job done",
			slog.Int64("snapshot_id", snap.ID),
			slog.Bool("created", snap.Created),
			slog.Int64("lines", snap.Lines))
		return nil
	})
	resultErr = err
	if !ran && err == nil {
		tracker.Skip()
	}
	if resultErr != nil {
		j.logger().Error("snapshot job failed", slog.Any("error", resultErr))
	}
	return resultErr
}

// HandleThreeBooks runs the check. An integrity alarm fails the task without
// retry: the holds are already in place and only an operator can clear them.
func (j *ReconcileJob) HandleThreeBooks(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile three books: dependencies not configured")
	}
	var payload ThreeBooksPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	scope := reconcile.Scope{WarehouseID: payload.WarehouseID, ItemID: payload.ItemID}

	tracker := j.Metrics.Track(TaskReconcileThreeBooks)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	name := fmt.Sprintf("%s:%d:%d", TaskReconcileThreeBooks, scope.WarehouseID, scope.ItemID)
	ran, err := j.exclusive(ctx, name, func(ctx context.Context) error {
		report, err := j.Service.ThreeBooks(ctx, scope)
		if err != nil {
			return err
		}
		if report.Alarm != nil {
			return fmt.Errorf("%w: %w", report.Alarm, asynq.SkipRetry)
		}
		j.logger().Info("three books balanced",
			slog.String("scope", scope.String()),
			slog.Int64("sum_stocks", report.SumStocks),
			slog.Int64("snapshot_drift", report.SnapshotDrift))
		return nil
	})
	resultErr = err
	if !ran && err == nil {
		tracker.Skip()
	}
	return resultErr
}

func (j *ReconcileJob) exclusive(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	if j.Locker == nil {
		return true, fn(ctx)
	}
	return j.Locker.Run(ctx, name, j.LockTTL, fn)
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
