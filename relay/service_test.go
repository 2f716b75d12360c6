package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"dungeongate/chain"
	"dungeongate/storage"
)

type fakeLedger struct {
	mu         sync.Mutex
	sessions   map[uint64]chain.SessionInfo
	epoch      chain.EpochInfo
	pending    uint64
	submitErr  error
	submitted  []submitCall
	receipts   map[string]chain.ReceiptStatus
	receiptErr error
}

type submitCall struct {
	method string
	params string
	nonce  uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		sessions: map[uint64]chain.SessionInfo{},
		epoch:    chain.EpochInfo{CurrentEpoch: 3, State: chain.EpochActive},
		receipts: map[string]chain.ReceiptStatus{},
	}
}

func (f *fakeLedger) GetSession(ctx context.Context, id uint64) (chain.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sessions[id]
	if !ok {
		return chain.SessionInfo{}, chain.ErrSessionNotFound
	}
	return info, nil
}

func (f *fakeLedger) GetEpoch(ctx context.Context) (chain.EpochInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch, nil
}

func (f *fakeLedger) Submit(ctx context.Context, method, params string, nonce uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, submitCall{method: method, params: params, nonce: nonce})
	return fmt.Sprintf("0xtx%04d", nonce), nil
}

func (f *fakeLedger) Receipt(ctx context.Context, txRef string) (chain.ReceiptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return chain.ReceiptStatus{}, f.receiptErr
	}
	return f.receipts[txRef], nil
}

func (f *fakeLedger) PendingNonce(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return store
}

func newTestService(t *testing.T, store *storage.Store, ledger Ledger) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Store:           store,
		Ledger:          ledger,
		RateLimitMax:    10,
		RateLimitWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func addr(hex string) *common.Address {
	a := common.HexToAddress(hex)
	return &a
}

func TestSubmitActionAdmission(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{SessionID: 7, State: chain.SessionActive, TurnNumber: 4, EpochID: 3}
	store := newTestStore(t)
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	status, err := svc.SubmitAction(ctx, "agent-1", ActionRequest{
		ActionID: "a1", SessionID: 7, TurnIndex: 4, Action: "light a torch",
	})
	if err != nil {
		t.Fatalf("submit action: %v", err)
	}
	if status.Status != string(storage.StatusPending) {
		t.Fatalf("status = %s, want pending", status.Status)
	}

	logs, err := store.ActionsForSession(ctx, 7)
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(logs) != 1 || logs[0].ActionText != "light a torch" {
		t.Fatalf("action log = %+v", logs)
	}
}

func TestSubmitActionTurnMismatch(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{SessionID: 7, State: chain.SessionActive, TurnNumber: 5}
	svc := newTestService(t, newTestStore(t), ledger)

	_, err := svc.SubmitAction(context.Background(), "agent-1", ActionRequest{
		ActionID: "a1", SessionID: 7, TurnIndex: 4,
	})
	var rej *AdmissionError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want AdmissionError", err)
	}
	if rej.Code != CodeTurnMismatch {
		t.Fatalf("code = %s, want TURN_MISMATCH", rej.Code)
	}
	if rej.Expected == nil || *rej.Expected != 5 || rej.Got == nil || *rej.Got != 4 {
		t.Fatalf("expected/got = %v/%v", rej.Expected, rej.Got)
	}
}

func TestSubmitActionSessionStates(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[8] = chain.SessionInfo{SessionID: 8, State: chain.SessionCompleted}
	svc := newTestService(t, newTestStore(t), ledger)
	ctx := context.Background()

	_, err := svc.SubmitAction(ctx, "agent-1", ActionRequest{ActionID: "a1", SessionID: 8, TurnIndex: 0})
	var rej *AdmissionError
	if !errors.As(err, &rej) || rej.Code != CodeSessionNotActive {
		t.Fatalf("completed session err = %v, want SESSION_NOT_ACTIVE", err)
	}
	if rej.CurrentState != "Completed" {
		t.Fatalf("current state = %s, want Completed", rej.CurrentState)
	}

	_, err = svc.SubmitAction(ctx, "agent-1", ActionRequest{ActionID: "a2", SessionID: 99, TurnIndex: 0})
	if !errors.As(err, &rej) || rej.Code != CodeSessionNotFound {
		t.Fatalf("missing session err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestEnterDungeonRequiresActiveEpoch(t *testing.T) {
	ledger := newFakeLedger()
	ledger.epoch.State = chain.EpochGrace
	svc := newTestService(t, newTestStore(t), ledger)

	_, err := svc.EnterDungeon(context.Background(), "agent-1", EnterRequest{ActionID: "a1", DungeonID: 2})
	var rej *AdmissionError
	if !errors.As(err, &rej) || rej.Code != CodeEpochNotActive {
		t.Fatalf("err = %v, want EPOCH_NOT_ACTIVE", err)
	}
}

func TestReplayReturnsOriginalOutcome(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{SessionID: 7, State: chain.SessionActive, TurnNumber: 4}
	store := newTestStore(t)
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	first, err := svc.SubmitAction(ctx, "agent-1", ActionRequest{ActionID: "a1", SessionID: 7, TurnIndex: 4})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The session moves on; a replay of the same action id must still
	// return the stored entry instead of a turn mismatch.
	ledger.mu.Lock()
	info := ledger.sessions[7]
	info.TurnNumber = 5
	ledger.sessions[7] = info
	ledger.mu.Unlock()

	replay, err := svc.SubmitAction(ctx, "agent-1", ActionRequest{ActionID: "a1", SessionID: 7, TurnIndex: 4})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay id = %d, want %d", replay.ID, first.ID)
	}
}

func TestRateLimitCeiling(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{SessionID: 7, State: chain.SessionActive, TurnNumber: 0}
	store := newTestStore(t)
	svc, err := NewService(Config{
		Store:           store,
		Ledger:          ledger,
		RateLimitMax:    2,
		RateLimitWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Register(ctx, "agent-1", fmt.Sprintf("r%d", i), "0x2222222222222222222222222222222222222222"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	_, err = svc.Register(ctx, "agent-1", "r2", "0x2222222222222222222222222222222222222222")
	var rej *AdmissionError
	if !errors.As(err, &rej) || rej.Code != CodeRateLimited {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED", err)
	}

	// Another caller is unaffected.
	if _, err := svc.Register(ctx, "agent-2", "r0", "0x3333333333333333333333333333333333333333"); err != nil {
		t.Fatalf("other caller: %v", err)
	}
}

func TestAcceptDMAwardsHostingOnce(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{
		SessionID: 7,
		State:     chain.SessionWaitingDM,
		DM:        addr("0x4444444444444444444444444444444444444444"),
		DMEpoch:   9,
	}
	store := newTestStore(t)
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	if _, err := svc.AcceptDM(ctx, "agent-1", AcceptDMRequest{ActionID: "d1", SessionID: 7, DMEpoch: 9}); err != nil {
		t.Fatalf("accept dm: %v", err)
	}
	// A second accept with a fresh action id passes validation (the fake
	// session is still WaitingDM) but the reward key dedupes the credit.
	if _, err := svc.AcceptDM(ctx, "agent-1", AcceptDMRequest{ActionID: "d2", SessionID: 7, DMEpoch: 9}); err != nil {
		t.Fatalf("second accept dm: %v", err)
	}

	stats, err := store.GetStats(ctx, "agent-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalXP != 75 {
		t.Fatalf("xp = %d, want 75 (hosting credited once)", stats.TotalXP)
	}
	if stats.DMSessions != 1 {
		t.Fatalf("dm sessions = %d, want 1", stats.DMSessions)
	}
}

func TestAcceptDMValidations(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sessions[7] = chain.SessionInfo{SessionID: 7, State: chain.SessionWaitingDM, DMEpoch: 9}
	ledger.sessions[8] = chain.SessionInfo{SessionID: 8, State: chain.SessionActive}
	svc := newTestService(t, newTestStore(t), ledger)
	ctx := context.Background()

	var rej *AdmissionError
	_, err := svc.AcceptDM(ctx, "agent-1", AcceptDMRequest{ActionID: "d1", SessionID: 7, DMEpoch: 8})
	if !errors.As(err, &rej) || rej.Code != CodeDMEpochMismatch {
		t.Fatalf("stale epoch err = %v, want DM_EPOCH_MISMATCH", err)
	}

	_, err = svc.AcceptDM(ctx, "agent-1", AcceptDMRequest{ActionID: "d2", SessionID: 8, DMEpoch: 9})
	if !errors.As(err, &rej) || rej.Code != CodeAlreadyAccepted {
		t.Fatalf("active session err = %v, want ALREADY_ACCEPTED", err)
	}
}

func TestDMResponseExpandsEffects(t *testing.T) {
	req := DMRequest{
		Effects: []DMEffect{
			{Target: "0x1", GoldReward: 10, XPReward: 5},
			{Target: "0x2", Damage: 3, IsKilled: true},
		},
		IsComplete: true,
	}
	actions := expandEffects(req)
	want := []uint8{1, 2, 3, 4, 5}
	if len(actions) != len(want) {
		t.Fatalf("actions = %d, want %d", len(actions), len(want))
	}
	for i, a := range actions {
		if a.ActionType != want[i] {
			t.Fatalf("action[%d] type = %d, want %d", i, a.ActionType, want[i])
		}
	}
}

func TestActionIDShapeRejected(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	_, err := svc.EnterDungeon(ctx, "agent-1", EnterRequest{ActionID: "", DungeonID: 1})
	var rej *AdmissionError
	if !errors.As(err, &rej) || rej.Code != CodeInvalidAction {
		t.Fatalf("empty action id err = %v, want %s", err, CodeInvalidAction)
	}

	long := strings.Repeat("x", 65)
	_, err = svc.Register(ctx, "agent-1", long, "0x1111111111111111111111111111111111111111")
	if !errors.As(err, &rej) || rej.Code != CodeInvalidAction {
		t.Fatalf("oversized action id err = %v, want %s", err, CodeInvalidAction)
	}

	// Exactly 64 characters is still a valid idempotency token.
	edge := strings.Repeat("y", 64)
	status, err := svc.EnterDungeon(ctx, "agent-1", EnterRequest{ActionID: edge, DungeonID: 1})
	if err != nil {
		t.Fatalf("64-char action id rejected: %v", err)
	}
	if status.ActionID != edge {
		t.Fatalf("stored action id = %q", status.ActionID)
	}

	// Rejected ids must not leave rows behind.
	if _, err := store.GetEntryByAction(ctx, "agent-1", long); !errors.Is(err, storage.ErrEntryNotFound) {
		t.Fatalf("oversized id stored: err = %v", err)
	}
}
