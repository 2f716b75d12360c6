package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dungeongate/chain"
	"dungeongate/storage"
)

func newTestWorker(t *testing.T, store *storage.Store, ledger *fakeLedger) (*Worker, *chain.NonceAllocator) {
	t.Helper()
	nonces := chain.NewNonceAllocator(ledger)
	recon := NewReconciler(store, ledger, 3, time.Millisecond, nil, nil)
	recon.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	worker, err := NewWorker(WorkerConfig{
		Store:    store,
		Ledger:   ledger,
		Nonces:   nonces,
		Recon:    recon,
		Interval: time.Second,
		Batch:    5,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return worker, nonces
}

func enqueueN(t *testing.T, store *storage.Store, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		res, err := store.Enqueue(context.Background(), "agent-1",
			string(rune('a'+i))+"-action", chain.MethodRegister,
			`{"wallet":"0x2222222222222222222222222222222222222222"}`)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, res.Entry.ID)
	}
	return ids
}

func TestWorkerBroadcastsInOrderWithSequentialNonces(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = 40
	store := newTestStore(t)
	worker, _ := newTestWorker(t, store, ledger)
	ids := enqueueN(t, store, 3)

	// Receipts resolve immediately as mined.
	ledger.mu.Lock()
	for i := 0; i < 3; i++ {
		ledger.receipts[fmt.Sprintf("0xtx%04d", 40+i)] = chain.ReceiptStatus{Found: true, Success: true}
	}
	ledger.mu.Unlock()

	worker.Cycle(context.Background())

	if len(ledger.submitted) != 3 {
		t.Fatalf("submitted = %d, want 3", len(ledger.submitted))
	}
	for i, call := range ledger.submitted {
		if call.nonce != uint64(40+i) {
			t.Fatalf("nonce[%d] = %d, want %d", i, call.nonce, 40+i)
		}
	}
	for _, id := range ids {
		entry, err := store.GetEntry(context.Background(), id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if entry.Status != storage.StatusMined {
			t.Fatalf("entry %d status = %s, want mined", id, entry.Status)
		}
		if entry.TxRef == "" {
			t.Fatalf("entry %d has no tx ref", id)
		}
	}
}

func TestWorkerBroadcastFailureIsTerminalAndIsolated(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = 10
	store := newTestStore(t)
	worker, _ := newTestWorker(t, store, ledger)
	ids := enqueueN(t, store, 2)
	ctx := context.Background()

	ledger.mu.Lock()
	ledger.submitErr = errors.New("insufficient funds")
	ledger.mu.Unlock()

	worker.Cycle(ctx)

	for _, id := range ids {
		entry, err := store.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if entry.Status != storage.StatusFailed {
			t.Fatalf("entry %d status = %s, want failed", id, entry.Status)
		}
		if entry.Error == "" {
			t.Fatalf("entry %d has no failure reason", id)
		}
	}

	// Recovery: the allocator reloads from the ledger, so the next
	// broadcast reuses the never-consumed nonce.
	ledger.mu.Lock()
	ledger.submitErr = nil
	ledger.mu.Unlock()
	res, err := store.Enqueue(ctx, "agent-1", "post-recovery", chain.MethodRegister, `{"wallet":"0x2222222222222222222222222222222222222222"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ledger.mu.Lock()
	ledger.receipts["0xtx0010"] = chain.ReceiptStatus{Found: true, Success: true}
	ledger.mu.Unlock()

	worker.Cycle(ctx)

	if len(ledger.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(ledger.submitted))
	}
	if ledger.submitted[0].nonce != 10 {
		t.Fatalf("recovered nonce = %d, want 10", ledger.submitted[0].nonce)
	}
	entry, err := store.GetEntry(ctx, res.Entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.StatusMined {
		t.Fatalf("recovered entry status = %s, want mined", entry.Status)
	}
}

type failingNonceSource struct {
	err error
}

func (f *failingNonceSource) Next(ctx context.Context) (uint64, error) { return 0, f.err }
func (f *failingNonceSource) Reset()                                   {}

func TestWorkerNonceFailureLeavesEntryPending(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	recon := NewReconciler(store, ledger, 1, time.Millisecond, nil, nil)
	recon.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	worker, err := NewWorker(WorkerConfig{
		Store:    store,
		Ledger:   ledger,
		Nonces:   &failingNonceSource{err: errors.New("rpc down")},
		Recon:    recon,
		Interval: time.Second,
		Batch:    5,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ids := enqueueN(t, store, 1)
	ctx := context.Background()

	worker.Cycle(ctx)

	entry, err := store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending (no regression on nonce failure)", entry.Status)
	}
	if len(ledger.submitted) != 0 {
		t.Fatalf("submitted = %d, want 0", len(ledger.submitted))
	}
}

// faultStore injects one-shot status-write failures over a real store.
type faultStore struct {
	*storage.Store
	submittingErr error
	submittedErr  error
}

func (f *faultStore) MarkSubmitting(ctx context.Context, id uint64) error {
	if f.submittingErr != nil {
		err := f.submittingErr
		f.submittingErr = nil
		return err
	}
	return f.Store.MarkSubmitting(ctx, id)
}

func (f *faultStore) MarkSubmitted(ctx context.Context, id uint64, txRef string) error {
	if f.submittedErr != nil {
		err := f.submittedErr
		f.submittedErr = nil
		return err
	}
	return f.Store.MarkSubmitted(ctx, id, txRef)
}

func newFaultWorker(t *testing.T, store *faultStore, ledger *fakeLedger) (*Worker, *chain.NonceAllocator) {
	t.Helper()
	nonces := chain.NewNonceAllocator(ledger)
	recon := NewReconciler(store.Store, ledger, 3, time.Millisecond, nil, nil)
	recon.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	worker, err := NewWorker(WorkerConfig{
		Store:    store,
		Ledger:   ledger,
		Nonces:   nonces,
		Recon:    recon,
		Interval: time.Second,
		Batch:    5,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return worker, nonces
}

func TestWorkerClaimFaultDoesNotBurnNonce(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = 100
	store := &faultStore{Store: newTestStore(t), submittingErr: errors.New("database is locked")}
	worker, _ := newFaultWorker(t, store, ledger)
	ids := enqueueN(t, store.Store, 1)
	ctx := context.Background()

	// The claim fails after the nonce was handed out; nothing is broadcast
	// and the entry stays pending for the next cycle.
	worker.Cycle(ctx)
	if len(ledger.submitted) != 0 {
		t.Fatalf("submitted = %d, want 0", len(ledger.submitted))
	}
	entry, err := store.Store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", entry.Status)
	}

	// The retry must reuse the never-broadcast nonce, not skip past it.
	ledger.mu.Lock()
	ledger.receipts["0xtx0100"] = chain.ReceiptStatus{Found: true, Success: true}
	ledger.mu.Unlock()

	worker.Cycle(ctx)
	if len(ledger.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(ledger.submitted))
	}
	if ledger.submitted[0].nonce != 100 {
		t.Fatalf("retry nonce = %d, want 100 (gap left by claim fault)", ledger.submitted[0].nonce)
	}
	entry, err = store.Store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.StatusMined {
		t.Fatalf("status = %s, want mined", entry.Status)
	}
}

func TestWorkerSettlesEntryWhenSubmittedWriteFails(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = 7
	store := &faultStore{Store: newTestStore(t), submittedErr: errors.New("database is locked")}
	worker, _ := newFaultWorker(t, store, ledger)
	ids := enqueueN(t, store.Store, 1)
	ctx := context.Background()

	ledger.mu.Lock()
	ledger.receipts["0xtx0007"] = chain.ReceiptStatus{Found: true, Success: true}
	ledger.mu.Unlock()

	// The broadcast succeeds but the submitted write fails. Reconciliation
	// still settles the entry and persists the reference.
	worker.Cycle(ctx)

	entry, err := store.Store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.StatusMined {
		t.Fatalf("status = %s, want mined", entry.Status)
	}
	if entry.TxRef != "0xtx0007" {
		t.Fatalf("tx ref = %q, want 0xtx0007", entry.TxRef)
	}

	stats, err := store.Store.GetStats(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalXP != 10 {
		t.Fatalf("participation credit = %d xp, want 10", stats.TotalXP)
	}
}
