package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dungeongate/chain"
	"dungeongate/observability"
	"dungeongate/storage"
)

// Reward amounts and sources.
const (
	xpMinedParticipation = 10
	xpDMHosted           = 75

	rewardSourceReconciler = "reconciler"
	rewardSourceAdmission  = "admission"
)

// QueueStatus is the externally visible state of a queued submission.
type QueueStatus struct {
	ID       uint64 `json:"id"`
	ActionID string `json:"actionId"`
	Status   string `json:"status"`
	TxRef    string `json:"txRef,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EnterRequest queues a dungeon entry for the caller.
type EnterRequest struct {
	ActionID  string `json:"actionId"`
	DungeonID uint64 `json:"dungeonId"`
}

// ActionRequest queues a player turn.
type ActionRequest struct {
	ActionID  string `json:"actionId"`
	SessionID uint64 `json:"sessionId"`
	TurnIndex uint64 `json:"turnIndex"`
	Action    string `json:"action"`
}

// DMEffect is one per-target effect in a DM response.
type DMEffect struct {
	Target     string `json:"target"`
	GoldReward uint64 `json:"goldReward"`
	XPReward   uint64 `json:"xpReward"`
	Damage     uint64 `json:"damage"`
	IsKilled   bool   `json:"isKilled"`
}

// DMRequest queues a DM turn resolution.
type DMRequest struct {
	ActionID   string     `json:"actionId"`
	SessionID  uint64     `json:"sessionId"`
	TurnIndex  uint64     `json:"turnIndex"`
	Narrative  string     `json:"narrative"`
	Effects    []DMEffect `json:"effects"`
	IsComplete bool       `json:"isComplete"`
	IsFailed   bool       `json:"isFailed"`
}

// AcceptDMRequest queues a DM seat claim.
type AcceptDMRequest struct {
	ActionID  string `json:"actionId"`
	SessionID uint64 `json:"sessionId"`
	DMEpoch   uint64 `json:"dmEpoch"`
}

// Config wires the admission service.
type Config struct {
	Store           *storage.Store
	Ledger          Ledger
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          *slog.Logger
	Metrics         *observability.RelayMetrics
}

// Service is the admission pipeline: validate against fresh ledger state,
// enforce the rolling rate limit, then enqueue idempotently.
type Service struct {
	store     *storage.Store
	ledger    Ledger
	validator *Validator
	limitMax  int
	limitWin  time.Duration
	log       *slog.Logger
	metrics   *observability.RelayMetrics
}

// NewService builds the admission service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("relay: ledger required")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, errors.New("relay: rate limit settings required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		validator: NewValidator(cfg.Ledger),
		limitMax:  cfg.RateLimitMax,
		limitWin:  cfg.RateLimitWindow,
		log:       logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Validator exposes the underlying validator for read endpoints.
func (s *Service) Validator() *Validator { return s.validator }

// Register queues an agent wallet registration. No ledger preconditions; the
// contract rejects duplicates on its own.
func (s *Service) Register(ctx context.Context, callerID, actionID, wallet string) (QueueStatus, error) {
	if dup, ok, err := s.replay(ctx, callerID, actionID); err != nil {
		return QueueStatus{}, err
	} else if ok {
		return dup, nil
	}
	if err := s.checkRateLimit(ctx, callerID, chain.MethodRegister); err != nil {
		return QueueStatus{}, err
	}
	return s.enqueue(ctx, callerID, actionID, chain.MethodRegister, chain.RegisterParams{Wallet: wallet})
}

// EnterDungeon queues a dungeon entry after checking the epoch admits new
// sessions.
func (s *Service) EnterDungeon(ctx context.Context, callerID string, req EnterRequest) (QueueStatus, error) {
	if dup, ok, err := s.replay(ctx, callerID, req.ActionID); err != nil {
		return QueueStatus{}, err
	} else if ok {
		return dup, nil
	}
	epoch, err := s.validator.ValidateJoin(ctx)
	if err != nil {
		return QueueStatus{}, s.reject(chain.MethodJoin, err)
	}
	if err := s.checkRateLimit(ctx, callerID, chain.MethodJoin); err != nil {
		return QueueStatus{}, err
	}
	status, err := s.enqueue(ctx, callerID, req.ActionID, chain.MethodJoin, chain.JoinParams{DungeonID: req.DungeonID})
	if err != nil {
		return QueueStatus{}, err
	}
	s.logAction(ctx, &storage.ActionLog{
		ActionID:   req.ActionID,
		CallerID:   callerID,
		ActionType: "enter_dungeon",
		EpochRef:   epoch.CurrentEpoch,
	})
	return status, nil
}

// SubmitAction queues a player turn after validating session state and turn
// index against the live ledger.
func (s *Service) SubmitAction(ctx context.Context, callerID string, req ActionRequest) (QueueStatus, error) {
	if dup, ok, err := s.replay(ctx, callerID, req.ActionID); err != nil {
		return QueueStatus{}, err
	} else if ok {
		return dup, nil
	}
	info, err := s.validator.ValidateTurn(ctx, req.SessionID, req.TurnIndex)
	if err != nil {
		return QueueStatus{}, s.reject(chain.MethodAction, err)
	}
	if err := s.checkRateLimit(ctx, callerID, chain.MethodAction); err != nil {
		return QueueStatus{}, err
	}
	status, err := s.enqueue(ctx, callerID, req.ActionID, chain.MethodAction, chain.ActionParams{
		SessionID: req.SessionID,
		TurnIndex: req.TurnIndex,
		Action:    req.Action,
	})
	if err != nil {
		return QueueStatus{}, err
	}
	s.logAction(ctx, &storage.ActionLog{
		ActionID:   req.ActionID,
		SessionRef: req.SessionID,
		CallerID:   callerID,
		ActionType: "player_action",
		EpochRef:   info.EpochID,
		ActionText: req.Action,
	})
	return status, nil
}

// SubmitDMResponse queues a DM turn resolution. Per-target effects expand
// into the contract's action tuples; a closing complete/fail marker is
// appended when requested.
func (s *Service) SubmitDMResponse(ctx context.Context, callerID string, req DMRequest) (QueueStatus, error) {
	if dup, ok, err := s.replay(ctx, callerID, req.ActionID); err != nil {
		return QueueStatus{}, err
	} else if ok {
		return dup, nil
	}
	info, err := s.validator.ValidateTurn(ctx, req.SessionID, req.TurnIndex)
	if err != nil {
		return QueueStatus{}, s.reject(chain.MethodDMResponse, err)
	}
	if err := s.checkRateLimit(ctx, callerID, chain.MethodDMResponse); err != nil {
		return QueueStatus{}, err
	}

	dmAddr := ""
	if info.DM != nil {
		dmAddr = info.DM.Hex()
	} else if info.CurrentActor != nil {
		dmAddr = info.CurrentActor.Hex()
	}
	params := chain.DMResponseParams{
		SessionID: req.SessionID,
		TurnIndex: req.TurnIndex,
		Narrative: req.Narrative,
		Actions:   expandEffects(req),
		DM:        dmAddr,
	}
	status, err := s.enqueue(ctx, callerID, req.ActionID, chain.MethodDMResponse, params)
	if err != nil {
		return QueueStatus{}, err
	}

	effectsJSON := ""
	if len(req.Effects) > 0 {
		if raw, marshalErr := json.Marshal(req.Effects); marshalErr == nil {
			effectsJSON = string(raw)
		}
	}
	s.logAction(ctx, &storage.ActionLog{
		ActionID:      req.ActionID,
		SessionRef:    req.SessionID,
		CallerID:      callerID,
		ActionType:    "dm_response",
		EpochRef:      info.EpochID,
		ActionText:    req.Narrative,
		DMActionsJSON: effectsJSON,
	})
	return status, nil
}

// AcceptDM queues a DM seat claim and credits the hosting reward at
// admission time. The reward key is derived from session and caller, so a
// replayed accept cannot double-credit.
func (s *Service) AcceptDM(ctx context.Context, callerID string, req AcceptDMRequest) (QueueStatus, error) {
	if dup, ok, err := s.replay(ctx, callerID, req.ActionID); err != nil {
		return QueueStatus{}, err
	} else if ok {
		return dup, nil
	}
	info, err := s.validator.ValidateDMAccept(ctx, req.SessionID, req.DMEpoch)
	if err != nil {
		return QueueStatus{}, s.reject(chain.MethodAcceptDM, err)
	}
	if err := s.checkRateLimit(ctx, callerID, chain.MethodAcceptDM); err != nil {
		return QueueStatus{}, err
	}

	dmAddr := ""
	if info.DM != nil {
		dmAddr = info.DM.Hex()
	}
	status, err := s.enqueue(ctx, callerID, req.ActionID, chain.MethodAcceptDM, chain.AcceptDMParams{
		SessionID: req.SessionID,
		Epoch:     req.DMEpoch,
		DM:        dmAddr,
	})
	if err != nil {
		return QueueStatus{}, err
	}

	applied, awardErr := s.store.Award(ctx, storage.RewardEvent{
		IdempotencyKey: fmt.Sprintf("dm_hosted:%d:%s", req.SessionID, callerID),
		SubjectID:      callerID,
		SessionRef:     req.SessionID,
		EpochRef:       req.DMEpoch,
		EventType:      storage.EventDMHosted,
		XPAmount:       xpDMHosted,
		Source:         rewardSourceAdmission,
	})
	if awardErr != nil {
		s.log.Error("dm hosting reward failed", "caller", callerID, "session", req.SessionID, "err", awardErr)
	} else {
		s.metrics.RecordReward(storage.EventDMHosted, applied)
	}

	s.logAction(ctx, &storage.ActionLog{
		ActionID:   req.ActionID,
		SessionRef: req.SessionID,
		CallerID:   callerID,
		ActionType: "accept_dm",
		EpochRef:   req.DMEpoch,
	})
	return status, nil
}

// Status fetches a queue entry by id.
func (s *Service) Status(ctx context.Context, id uint64) (QueueStatus, error) {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return QueueStatus{}, err
	}
	return statusOf(entry), nil
}

// StatusByAction fetches a queue entry by its idempotency pair.
func (s *Service) StatusByAction(ctx context.Context, callerID, actionID string) (QueueStatus, error) {
	entry, err := s.store.GetEntryByAction(ctx, callerID, actionID)
	if err != nil {
		return QueueStatus{}, err
	}
	return statusOf(entry), nil
}

// maxActionIDLen caps the caller-supplied idempotency token. The column is
// sized to match but sqlite does not enforce varchar lengths, so the shape
// is checked here.
const maxActionIDLen = 64

func validateActionID(actionID string) error {
	if actionID == "" {
		return rejection(CodeInvalidAction, "actionId is required")
	}
	if len(actionID) > maxActionIDLen {
		return rejection(CodeInvalidAction, "actionId exceeds %d characters", maxActionIDLen)
	}
	return nil
}

// replay returns the stored outcome when the (caller, action) pair was
// already admitted. Replays bypass validation: the ledger may have advanced
// past the original preconditions, but the caller is owed the first answer.
// The action id's shape is the one thing checked first, since a malformed id
// can never name a stored entry.
func (s *Service) replay(ctx context.Context, callerID, actionID string) (QueueStatus, bool, error) {
	if err := validateActionID(actionID); err != nil {
		return QueueStatus{}, false, err
	}
	entry, err := s.store.GetEntryByAction(ctx, callerID, actionID)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return QueueStatus{}, false, nil
	}
	if err != nil {
		return QueueStatus{}, false, err
	}
	s.metrics.RecordAdmission(entry.Method, "duplicate")
	return statusOf(entry), true, nil
}

func (s *Service) checkRateLimit(ctx context.Context, callerID, method string) error {
	count, err := s.store.CountRecentEntries(ctx, callerID, s.limitWin)
	if err != nil {
		return fmt.Errorf("relay: rate limit count: %w", err)
	}
	if count >= int64(s.limitMax) {
		s.metrics.RecordAdmission(method, "rate_limited")
		s.log.Warn("rate limit exceeded", "caller", callerID, "count", count, "max", s.limitMax)
		return rejection(CodeRateLimited, "caller %s exceeded %d submissions per %s", callerID, s.limitMax, s.limitWin)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, callerID, actionID, method string, params interface{}) (QueueStatus, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("relay: encode params: %w", err)
	}
	res, err := s.store.Enqueue(ctx, callerID, actionID, method, string(raw))
	if err != nil {
		return QueueStatus{}, err
	}
	result := "accepted"
	if res.Duplicate {
		result = "duplicate"
	}
	s.metrics.RecordAdmission(method, result)
	s.log.Info("submission queued", "caller", callerID, "action", actionID, "method", method, "id", res.Entry.ID, "duplicate", res.Duplicate)
	return statusOf(res.Entry), nil
}

func (s *Service) reject(method string, err error) error {
	var rej *AdmissionError
	if errors.As(err, &rej) {
		s.metrics.RecordAdmission(method, "rejected")
	}
	return err
}

func (s *Service) logAction(ctx context.Context, log *storage.ActionLog) {
	if err := s.store.RecordAction(ctx, log); err != nil {
		s.log.Error("action log write failed", "action", log.ActionID, "err", err)
	}
}

func expandEffects(req DMRequest) []chain.DMAction {
	var actions []chain.DMAction
	for _, e := range req.Effects {
		if e.GoldReward > 0 {
			actions = append(actions, chain.DMAction{ActionType: 1, Target: e.Target, Value: e.GoldReward})
		}
		if e.XPReward > 0 {
			actions = append(actions, chain.DMAction{ActionType: 2, Target: e.Target, Value: e.XPReward})
		}
		if e.Damage > 0 {
			actions = append(actions, chain.DMAction{ActionType: 3, Target: e.Target, Value: e.Damage})
		}
		if e.IsKilled {
			actions = append(actions, chain.DMAction{ActionType: 4, Target: e.Target})
		}
	}
	if req.IsComplete {
		actions = append(actions, chain.DMAction{ActionType: 5})
	}
	if req.IsFailed {
		actions = append(actions, chain.DMAction{ActionType: 6})
	}
	return actions
}

func statusOf(entry storage.QueueEntry) QueueStatus {
	return QueueStatus{
		ID:       entry.ID,
		ActionID: entry.ActionID,
		Status:   string(entry.Status),
		TxRef:    entry.TxRef,
		Error:    entry.Error,
	}
}
