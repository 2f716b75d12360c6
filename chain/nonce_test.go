package chain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

type fakeNonceSource struct {
	mu      sync.Mutex
	pending uint64
	calls   int
	err     error
}

func (f *fakeNonceSource) PendingNonce(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.pending, nil
}

func TestNonceAllocatorSequential(t *testing.T) {
	source := &fakeNonceSource{pending: 7}
	alloc := NewNonceAllocator(source)
	ctx := context.Background()

	for want := uint64(7); want < 12; want++ {
		got, err := alloc.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("nonce = %d, want %d", got, want)
		}
	}
	if source.calls != 1 {
		t.Fatalf("source calls = %d, want 1 (lazy load once)", source.calls)
	}
}

func TestNonceAllocatorConcurrent(t *testing.T) {
	source := &fakeNonceSource{pending: 100}
	alloc := NewNonceAllocator(source)
	ctx := context.Background()

	const workers = 32
	nonces := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := alloc.Next(ctx)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			nonces[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, n := range nonces {
		want := uint64(100 + i)
		if n != want {
			t.Fatalf("sorted nonce[%d] = %d, want %d (duplicate or gap)", i, n, want)
		}
	}
}

func TestNonceAllocatorSourceFailureDoesNotBurn(t *testing.T) {
	source := &fakeNonceSource{pending: 5, err: errors.New("rpc down")}
	alloc := NewNonceAllocator(source)
	ctx := context.Background()

	if _, err := alloc.Next(ctx); err == nil {
		t.Fatal("expected error while source is down")
	}

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()

	got, err := alloc.Next(ctx)
	if err != nil {
		t.Fatalf("next after recovery: %v", err)
	}
	if got != 5 {
		t.Fatalf("nonce = %d, want 5", got)
	}
}

func TestNonceAllocatorReset(t *testing.T) {
	source := &fakeNonceSource{pending: 20}
	alloc := NewNonceAllocator(source)
	ctx := context.Background()

	if _, err := alloc.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := alloc.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	// A broadcast failure burns nonce 21 on our side only. Reset reloads
	// from the ledger so the gap never reaches the chain.
	source.mu.Lock()
	source.pending = 21
	source.mu.Unlock()
	alloc.Reset()

	got, err := alloc.Next(ctx)
	if err != nil {
		t.Fatalf("next after reset: %v", err)
	}
	if got != 21 {
		t.Fatalf("nonce = %d, want 21 (reloaded from ledger)", got)
	}
	if source.calls != 2 {
		t.Fatalf("source calls = %d, want 2", source.calls)
	}
}
