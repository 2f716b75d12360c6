package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SessionState mirrors the DungeonManager session lifecycle enum.
type SessionState uint8

const (
	SessionWaiting SessionState = iota
	SessionWaitingDM
	SessionActive
	SessionCompleted
	SessionFailed
	SessionCancelled
	SessionTimedOut
)

var sessionStateNames = map[SessionState]string{
	SessionWaiting:   "Waiting",
	SessionWaitingDM: "WaitingDM",
	SessionActive:    "Active",
	SessionCompleted: "Completed",
	SessionFailed:    "Failed",
	SessionCancelled: "Cancelled",
	SessionTimedOut:  "TimedOut",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// EpochState mirrors the contract's epoch phase enum.
type EpochState uint8

const (
	EpochActive EpochState = iota
	EpochGrace
)

func (e EpochState) String() string {
	if e == EpochActive {
		return "Active"
	}
	return "Grace"
}

// SessionInfo is a point-in-time snapshot of one on-chain session.
type SessionInfo struct {
	SessionID        uint64
	DungeonID        uint64
	DM               *common.Address
	State            SessionState
	TurnNumber       uint64
	CurrentActor     *common.Address
	TurnDeadline     uint64
	GoldPool         *big.Int
	MaxGold          *big.Int
	DMAcceptDeadline uint64
	LastActivity     uint64
	DMEpoch          uint64
	EpochID          uint64
}

// EpochInfo is a point-in-time snapshot of the ledger's epoch registers.
type EpochInfo struct {
	CurrentEpoch   uint64
	State          EpochState
	GraceStart     uint64
	SessionCount   uint64
	ActiveSessions uint64
}

// AgentStats is the on-chain aggregate the contract keeps per agent wallet.
type AgentStats struct {
	XP              *big.Int
	TotalGoldEarned *big.Int
	GamesPlayed     uint64
	IsRegistered    bool
}

// ReceiptStatus summarises a transaction receipt poll.
type ReceiptStatus struct {
	Found   bool
	Success bool
	Block   *big.Int
	GasUsed uint64
}
