package relay

import (
	"context"
	"errors"
	"fmt"

	"dungeongate/chain"
)

// Ledger is the read/write contract surface the relay needs. chain.Client
// satisfies it; tests substitute a fake.
type Ledger interface {
	GetSession(ctx context.Context, sessionID uint64) (chain.SessionInfo, error)
	GetEpoch(ctx context.Context) (chain.EpochInfo, error)
	Submit(ctx context.Context, method, paramsJSON string, nonce uint64) (string, error)
	Receipt(ctx context.Context, txRef string) (chain.ReceiptStatus, error)
}

// Validator checks admission preconditions against fresh ledger state. It
// never trusts stored snapshots: every check re-reads the chain.
type Validator struct {
	ledger Ledger
}

// NewValidator builds a validator over the ledger.
func NewValidator(ledger Ledger) *Validator {
	return &Validator{ledger: ledger}
}

// ValidateJoin admits a dungeon entry while the epoch accepts new sessions.
func (v *Validator) ValidateJoin(ctx context.Context) (chain.EpochInfo, error) {
	epoch, err := v.ledger.GetEpoch(ctx)
	if err != nil {
		return chain.EpochInfo{}, fmt.Errorf("relay: read epoch: %w", err)
	}
	if epoch.State != chain.EpochActive {
		rej := rejection(CodeEpochNotActive, "epoch %d is in %s, not accepting new sessions", epoch.CurrentEpoch, epoch.State)
		return chain.EpochInfo{}, rej
	}
	return epoch, nil
}

// ValidateTurn admits a turn submission: the session must exist, be Active,
// and the submitted turn index must match the session's current turn.
func (v *Validator) ValidateTurn(ctx context.Context, sessionID, turnIndex uint64) (chain.SessionInfo, error) {
	info, err := v.session(ctx, sessionID)
	if err != nil {
		return chain.SessionInfo{}, err
	}
	if info.State != chain.SessionActive {
		rej := rejection(CodeSessionNotActive, "session %d is in %s, not Active", sessionID, info.State)
		rej.CurrentState = info.State.String()
		return chain.SessionInfo{}, rej
	}
	if info.TurnNumber != turnIndex {
		rej := rejection(CodeTurnMismatch, "session %d is on turn %d, got %d", sessionID, info.TurnNumber, turnIndex)
		rej.Expected = u64(info.TurnNumber)
		rej.Got = u64(turnIndex)
		return chain.SessionInfo{}, rej
	}
	return info, nil
}

// ValidateDMAccept admits a DM seat claim: the session must be WaitingDM and
// the caller's epoch token must match the session's DM epoch. A session that
// already moved to Active reports AlreadyAccepted so replayed accepts do not
// read as hard failures.
func (v *Validator) ValidateDMAccept(ctx context.Context, sessionID, dmEpoch uint64) (chain.SessionInfo, error) {
	info, err := v.session(ctx, sessionID)
	if err != nil {
		return chain.SessionInfo{}, err
	}
	if info.State != chain.SessionWaitingDM {
		if info.State == chain.SessionActive {
			rej := rejection(CodeAlreadyAccepted, "session %d already has a DM", sessionID)
			rej.CurrentState = info.State.String()
			return chain.SessionInfo{}, rej
		}
		rej := rejection(CodeSessionNotWaitingDM, "session %d is in %s, not WaitingDM", sessionID, info.State)
		rej.CurrentState = info.State.String()
		return chain.SessionInfo{}, rej
	}
	if info.DMEpoch != dmEpoch {
		rej := rejection(CodeDMEpochMismatch, "session %d expects dm epoch %d, got %d", sessionID, info.DMEpoch, dmEpoch)
		rej.Expected = u64(info.DMEpoch)
		rej.Got = u64(dmEpoch)
		return chain.SessionInfo{}, rej
	}
	return info, nil
}

func (v *Validator) session(ctx context.Context, sessionID uint64) (chain.SessionInfo, error) {
	info, err := v.ledger.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, chain.ErrSessionNotFound) {
			return chain.SessionInfo{}, rejection(CodeSessionNotFound, "session %d not found", sessionID)
		}
		return chain.SessionInfo{}, fmt.Errorf("relay: read session %d: %w", sessionID, err)
	}
	return info, nil
}
