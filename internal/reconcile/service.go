package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Service takes snapshots and runs the three-books check.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics *observability.Metrics
	group   singleflight.Group
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SnapshotToday copies every slot into today's snapshot. Calling it again on
// the same UTC day returns the existing snapshot.
func (s *Service) SnapshotToday(ctx context.Context) (Snapshot, error) {
	asOf := s.now()
	date := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	var out Snapshot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, inserted, err := tx.InsertSnapshot(ctx, date, asOf)
		if err != nil {
			return fmt.Errorf("reconcile: insert snapshot: %w", err)
		}
		if !inserted {
			out, err = tx.SnapshotByDate(ctx, date)
			if err != nil {
				return fmt.Errorf("reconcile: load snapshot: %w", err)
			}
			return nil
		}
		lines, err := tx.CopySlotsToSnapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("reconcile: copy slots: %w", err)
		}
		out = Snapshot{ID: id, Date: date, AsOf: asOf, Lines: lines, Created: true}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if out.Created {
		s.logger.Info("snapshot taken",
			slog.Int64("snapshot_id", out.ID),
			slog.Time("snapshot_date", out.Date),
			slog.Int64("lines", out.Lines))
	}
	return out, nil
}

// ThreeBooks compares live balances, ledger sums and the latest snapshot for
// scope. A stocks/ledger mismatch raises a hold on every affected warehouse
// and is returned on Report.Alarm; snapshot drift is only reported.
// Concurrent calls for the same scope share one run.
func (s *Service) ThreeBooks(ctx context.Context, scope Scope) (Report, error) {
	if err := shared.ValidateStruct(scope); err != nil {
		return Report{}, err
	}
	// The shared run outlives whichever caller started it.
	detached := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(scope.String(), func() (any, error) {
		return s.threeBooks(detached, scope)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (s *Service) threeBooks(ctx context.Context, scope Scope) (Report, error) {
	report := Report{Scope: scope, GeneratedAt: s.now()}
	err := s.repo.ReadConsistent(ctx, func(ctx context.Context, tx TxRepository) error {
		stocks, err := tx.SlotTotals(ctx, scope)
		if err != nil {
			return fmt.Errorf("reconcile: slot totals: %w", err)
		}
		ledgerSums, err := tx.LedgerTotals(ctx, scope)
		if err != nil {
			return fmt.Errorf("reconcile: ledger totals: %w", err)
		}
		report.SumStocks, report.SumLedger, report.Mismatches = compare(stocks, ledgerSums)

		snap, err := tx.LatestSnapshot(ctx)
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reconcile: latest snapshot: %w", err)
		}
		onHand, err := tx.SnapshotOnHand(ctx, snap.ID, scope)
		if err != nil {
			return fmt.Errorf("reconcile: snapshot on hand: %w", err)
		}
		report.SumSnapshotOnHand = &onHand
		report.SnapshotDate = &snap.Date
		report.SnapshotDrift = report.SumStocks - onHand
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	if report.SnapshotDrift != 0 {
		s.logger.Warn("snapshot drift",
			slog.String("scope", scope.String()),
			slog.Int64("sum_stocks", report.SumStocks),
			slog.Int64("drift", report.SnapshotDrift))
	}
	if report.Balanced() {
		return report, nil
	}

	alarm := &shared.IntegrityAlarm{
		WarehouseIDs: mismatchedWarehouses(report.Mismatches),
		Details:      describe(report),
	}
	report.Alarm = alarm
	report.HeldWarehouses = alarm.WarehouseIDs
	s.metrics.ObserveIntegrityAlarm(alarm.WarehouseIDs)
	s.logger.Error("integrity alarm",
		slog.String("scope", scope.String()),
		slog.Int64("sum_stocks", report.SumStocks),
		slog.Int64("sum_ledger", report.SumLedger),
		slog.Any("warehouses", alarm.WarehouseIDs),
		slog.Any("mismatches", report.Mismatches))

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, wh := range alarm.WarehouseIDs {
			if _, err := tx.RaiseHold(ctx, wh, alarm.Details, report.GeneratedAt); err != nil {
				return fmt.Errorf("reconcile: raise hold on warehouse %d: %w", wh, err)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	s.refreshHoldGauge(ctx)
	return report, nil
}

// ClearHold lifts the active hold on a warehouse after manual reconciliation.
func (s *Service) ClearHold(ctx context.Context, warehouseID int64, by string) error {
	if warehouseID <= 0 {
		return shared.NewValidationError("warehouse_id", "must be positive")
	}
	if strings.TrimSpace(by) == "" {
		return shared.NewValidationError("cleared_by", "is required")
	}
	var cleared int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		cleared, err = tx.ClearHolds(ctx, warehouseID, by, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("reconcile: clear hold: %w", err)
	}
	if cleared == 0 {
		return fmt.Errorf("reconcile: no active hold on warehouse %d: %w", warehouseID, shared.ErrNotFound)
	}
	s.logger.Warn("integrity hold cleared",
		slog.Int64("warehouse_id", warehouseID),
		slog.String("cleared_by", by))
	s.refreshHoldGauge(ctx)
	return nil
}

// ActiveHolds lists uncleared holds.
func (s *Service) ActiveHolds(ctx context.Context) ([]Hold, error) {
	var holds []Hold
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		holds, err = tx.ListActiveHolds(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list holds: %w", err)
	}
	if holds == nil {
		holds = []Hold{}
	}
	return holds, nil
}

func (s *Service) refreshHoldGauge(ctx context.Context) {
	holds, err := s.ActiveHolds(ctx)
	if err != nil {
		s.logger.Warn("refresh hold gauge", slog.Any("error", err))
		return
	}
	s.metrics.SetActiveHolds(len(holds))
}

func describe(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sum_stocks=%d sum_ledger=%d;", r.SumStocks, r.SumLedger)
	for i, m := range r.Mismatches {
		if i == 10 {
			fmt.Fprintf(&b, " and %d more", len(r.Mismatches)-i)
			break
		}
		fmt.Fprintf(&b, " %s slot=%d ledger=%d", m.Slot, m.SlotQty, m.LedgerSum)
	}
	return b.String()
}
