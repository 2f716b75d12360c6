package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dungeongate/chain"
	"dungeongate/observability"
	"dungeongate/storage"
)

// NonceAllocator is the slice of chain.NonceAllocator the worker uses.
type NonceAllocator interface {
	Next(ctx context.Context) (uint64, error)
	Reset()
}

// QueueStore is the queue surface the worker drives. storage.Store satisfies
// it.
type QueueStore interface {
	PendingEntries(ctx context.Context, limit int) ([]storage.QueueEntry, error)
	MarkSubmitting(ctx context.Context, id uint64) error
	MarkSubmitted(ctx context.Context, id uint64, txRef string) error
	MarkFailed(ctx context.Context, id uint64, reason string) error
}

// Worker drains the pending queue on a fixed cadence. Entries are processed
// strictly in FIFO order through the single nonce allocator, so broadcast
// order matches admission order. One entry's failure never blocks the rest
// of the batch.
type Worker struct {
	store    QueueStore
	ledger   Ledger
	nonces   NonceAllocator
	recon    *Reconciler
	interval time.Duration
	batch    int
	log      *slog.Logger
	metrics  *observability.RelayMetrics
	now      func() time.Time
}

// WorkerConfig wires the submission worker.
type WorkerConfig struct {
	Store    QueueStore
	Ledger   Ledger
	Nonces   NonceAllocator
	Recon    *Reconciler
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
	Metrics  *observability.RelayMetrics
}

// NewWorker builds the submission worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Nonces == nil || cfg.Recon == nil {
		return nil, errors.New("relay: worker dependencies missing")
	}
	if cfg.Interval <= 0 || cfg.Batch <= 0 {
		return nil, errors.New("relay: worker cadence missing")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		nonces:   cfg.Nonces,
		recon:    cfg.Recon,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		log:      logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

// Run drives worker cycles until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Info("submission worker started", "interval", w.interval, "batch", w.batch)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("submission worker stopped")
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle processes one batch of pending entries.
func (w *Worker) Cycle(ctx context.Context) {
	entries, err := w.store.PendingEntries(ctx, w.batch)
	if err != nil {
		w.log.Error("pending batch load failed", "err", err)
		return
	}
	w.metrics.SetQueueDepth(len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry storage.QueueEntry) {
	// The nonce is allocated before any status change: if the ledger is
	// unreachable the entry stays pending and a later cycle retries it.
	nonce, err := w.nonces.Next(ctx)
	if err != nil {
		w.log.Warn("nonce allocation failed, entry stays pending", "id", entry.ID, "err", err)
		return
	}
	if err := w.store.MarkSubmitting(ctx, entry.ID); err != nil {
		// Whether another worker claimed the entry or the store faulted,
		// the allocated nonce was never broadcast. Reset so the next
		// allocation reloads instead of leaving a gap.
		w.nonces.Reset()
		w.metrics.RecordNonceReset()
		if !errors.Is(err, storage.ErrStatusRegression) {
			w.log.Error("mark submitting failed, entry stays pending", "id", entry.ID, "err", err)
		}
		return
	}

	start := w.now()
	txRef, err := w.ledger.Submit(ctx, entry.Method, entry.Params, nonce)
	w.metrics.RecordSubmission(entry.Method, err, w.now().Sub(start))
	if err != nil {
		// Terminal: callers resubmit with a fresh action id. The unused
		// nonce is reclaimed from the ledger on the next allocation.
		if markErr := w.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			w.log.Error("mark failed failed", "id", entry.ID, "err", markErr)
		}
		w.nonces.Reset()
		w.metrics.RecordNonceReset()
		w.log.Error("broadcast failed", "id", entry.ID, "method", entry.Method, "nonce", nonce, "err", err)
		return
	}

	if err := w.store.MarkSubmitted(ctx, entry.ID, txRef); err != nil {
		// The transaction is already on the wire. Keep the txRef in hand
		// and fall through to reconciliation, which can settle the entry
		// directly from submitting and persist the reference then.
		w.log.Error("mark submitted failed, settling via reconciler", "id", entry.ID, "tx", txRef, "err", err)
	}
	w.log.Info("transaction broadcast", "id", entry.ID, "method", entry.Method, "nonce", nonce, "tx", txRef)

	entry.TxRef = txRef
	entry.Status = storage.StatusSubmitted
	if _, err := w.recon.Reconcile(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("reconcile failed", "id", entry.ID, "tx", txRef, "err", err)
	}
}

var (
	_ NonceAllocator = (*chain.NonceAllocator)(nil)
	_ QueueStore     = (*storage.Store)(nil)
)
