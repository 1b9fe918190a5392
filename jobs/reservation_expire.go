package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
)

// ReservationExpirer is the reservation behaviour the sweep needs.
type ReservationExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// ReservationExpirePayload tunes a single sweep.
type ReservationExpirePayload struct {
	BatchSize int `json:"batch_size"`
}

// ReservationExpireJob moves overdue reservations to EXPIRED. Only one
// replica sweeps at a time; the others skip.
type ReservationExpireJob struct {
	Service   ReservationExpirer
	Locker    *lock.Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	BatchSize int
	LockTTL   time.Duration
	// MaxBatches bounds one run so a large backlog cannot pin the worker.
	MaxBatches int
}

// NewReservationExpireJob constructs the sweep handler.
func NewReservationExpireJob(service ReservationExpirer, locker *lock.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics, batchSize int) *ReservationExpireJob {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ReservationExpireJob{
		Service:    service,
		Locker:     locker,
		Logger:     logger,
		Metrics:    metrics,
		BatchSize:  batchSize,
		LockTTL:    time.Minute,
		MaxBatches: 50,
	}
}

// NewReservationExpireTask creates the scheduled sweep task.
func NewReservationExpireTask(batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationExpirePayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpire, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes one sweep.
func (j *ReservationExpireJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reservation expire: dependencies not configured")
	}
	var payload ReservationExpirePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	batch := payload.BatchSize
	if batch <= 0 {
		batch = j.BatchSize
	}

	tracker := j.metrics().Track(TaskReservationExpire)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	expired := 0
	sweep := func(ctx context.Context) error {
		for i := 0; i < j.maxBatches(); i++ {
			n, err := j.Service.ExpireDue(ctx, batch)
			expired += n
			if err != nil {
				return err
			}
			if n < batch {
				return nil
			}
		}
		return nil
	}

	if j.Locker == nil {
		resultErr = sweep(ctx)
	} else {
		ran, err := j.Locker.Run(ctx, TaskReservationExpire, j.LockTTL, sweep)
		resultErr = err
		if !ran && err == nil {
			tracker.Skip()
			j.logger().Debug("reservation sweep skipped, lock held elsewhere")
			return resultErr
		}
	}
	j.metrics().AddProcessed(TaskReservationExpire, expired)
	if resultErr != nil {
		j.logger().Error("reservation sweep failed", slog.Int("expired", expired), slog.Any("error", resultErr))
		return resultErr
	}
	if expired > 0 {
		j.logger().Info("reservations expired", slog.Int("expired", expired), slog.Duration("duration", time.Since(start)))
	}
	return resultErr
}

func (j *ReservationExpireJob) maxBatches() int {
	if j.MaxBatches <= 0 {
		return 1
	}
	return j.MaxBatches
}

func (j *ReservationExpireJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}

func (j *ReservationExpireJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
