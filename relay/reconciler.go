package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dungeongate/observability"
	"dungeongate/storage"
)

// Reconciliation outcomes.
const (
	OutcomeMined      = "mined"
	OutcomeReverted   = "reverted"
	OutcomeUnresolved = "unresolved"
)

// Reconciler polls for a submitted entry's receipt and settles its terminal
// state. A mined entry also earns the participation credit; the key is the
// entry id, so re-running reconciliation never double-credits.
type Reconciler struct {
	store    *storage.Store
	ledger   Ledger
	polls    int
	interval time.Duration
	log      *slog.Logger
	metrics  *observability.RelayMetrics

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler builds a reconciler with the given poll budget.
func NewReconciler(store *storage.Store, ledger Ledger, polls int, interval time.Duration, logger *slog.Logger, metrics *observability.RelayMetrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		ledger:   ledger,
		polls:    polls,
		interval: interval,
		log:      logger,
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

// Reconcile polls the entry's receipt up to the poll budget. It returns the
// outcome; an exhausted budget leaves the entry submitted for a later manual
// pass.
func (r *Reconciler) Reconcile(ctx context.Context, entry storage.QueueEntry) (string, error) {
	if entry.TxRef == "" {
		return OutcomeUnresolved, fmt.Errorf("relay: entry %d has no tx ref", entry.ID)
	}
	for attempt := 0; attempt < r.polls; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.interval); err != nil {
				return OutcomeUnresolved, err
			}
		}
		r.metrics.RecordReceiptPoll()
		status, err := r.ledger.Receipt(ctx, entry.TxRef)
		if err != nil {
			r.log.Warn("receipt poll failed", "id", entry.ID, "tx", entry.TxRef, "err", err)
			continue
		}
		if !status.Found {
			continue
		}
		if status.Success {
			return OutcomeMined, r.settleMined(ctx, entry)
		}
		return OutcomeReverted, r.settleReverted(ctx, entry)
	}
	r.metrics.RecordReconcile(OutcomeUnresolved)
	r.log.Warn("receipt unresolved after poll budget", "id", entry.ID, "tx", entry.TxRef, "polls", r.polls)
	return OutcomeUnresolved, nil
}

func (r *Reconciler) settleMined(ctx context.Context, entry storage.QueueEntry) error {
	if err := r.store.MarkMined(ctx, entry.ID, entry.TxRef); err != nil {
		return fmt.Errorf("relay: mark mined %d: %w", entry.ID, err)
	}
	r.metrics.RecordReconcile(OutcomeMined)
	r.log.Info("transaction mined", "id", entry.ID, "tx", entry.TxRef, "method", entry.Method)

	applied, err := r.store.Award(ctx, storage.RewardEvent{
		IdempotencyKey: fmt.Sprintf("tx_mined:%d", entry.ID),
		SubjectID:      entry.CallerID,
		EventType:      storage.EventTxMined,
		XPAmount:       xpMinedParticipation,
		Source:         rewardSourceReconciler,
	})
	if err != nil {
		// The entry is already mined; the credit can be replayed by a
		// later manual reconcile, so log and move on.
		r.log.Error("participation credit failed", "id", entry.ID, "caller", entry.CallerID, "err", err)
		return nil
	}
	r.metrics.RecordReward(storage.EventTxMined, applied)
	return nil
}

func (r *Reconciler) settleReverted(ctx context.Context, entry storage.QueueEntry) error {
	if err := r.store.MarkFailed(ctx, entry.ID, "reverted on chain"); err != nil {
		return fmt.Errorf("relay: mark failed %d: %w", entry.ID, err)
	}
	r.metrics.RecordReconcile(OutcomeReverted)
	r.log.Warn("transaction reverted", "id", entry.ID, "tx", entry.TxRef, "method", entry.Method)
	return nil
}

// ReconcileByID re-runs reconciliation for one submitted entry, for the ops
// surface.
func (r *Reconciler) ReconcileByID(ctx context.Context, id uint64) (string, error) {
	entry, err := r.store.GetEntry(ctx, id)
	if err != nil {
		return "", err
	}
	if entry.Status != storage.StatusSubmitted {
		return "", fmt.Errorf("relay: entry %d is %s, only submitted entries reconcile", id, entry.Status)
	}
	return r.Reconcile(ctx, entry)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
