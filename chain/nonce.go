package chain

import (
	"context"
	"fmt"
	"sync"
)

// NonceSource yields the hot wallet's pending nonce from the ledger.
type NonceSource interface {
	PendingNonce(ctx context.Context) (uint64, error)
}

// NonceAllocator hands out strictly increasing nonces for the single hot
// wallet. The first allocation after construction or Reset loads the pending
// nonce from the source; later allocations increment locally. All access is
// serialised on one mutex, so concurrent submitters never share a nonce.
type NonceAllocator struct {
	mu     sync.Mutex
	source NonceSource
	next   *uint64
}

// NewNonceAllocator builds an allocator over the given source.
func NewNonceAllocator(source NonceSource) *NonceAllocator {
	return &NonceAllocator{source: source}
}

// Next allocates the next nonce. A source failure leaves the allocator
// unchanged, so the caller can retry without burning a value.
func (a *NonceAllocator) Next(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == nil {
		pending, err := a.source.PendingNonce(ctx)
		if err != nil {
			return 0, fmt.Errorf("chain: load pending nonce: %w", err)
		}
		a.next = &pending
	}
	nonce := *a.next
	*a.next = nonce + 1
	return nonce, nil
}

// Reset drops the cached counter. The next allocation reloads from the
// ledger, which is how a failed broadcast's unused nonce gets reclaimed and
// how operators recover after moving the wallet externally.
func (a *NonceAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = nil
}
