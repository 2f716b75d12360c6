package storage

import (
	"time"

	"gorm.io/gorm"
)

// Status represents a queue entry's position in the submission lifecycle.
type Status string

// Lifecycle states. Transitions only move forward:
// pending -> submitting -> submitted -> mined | failed.
const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusMined      Status = "mined"
	StatusFailed     Status = "failed"
)

// rank orders statuses so transitions can be checked for monotonicity.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitting:
		return 1
	case StatusSubmitted:
		return 2
	case StatusMined, StatusFailed:
		return 3
	}
	return -1
}

// QueueEntry is one relay request awaiting or past on-chain submission.
// The (caller_id, action_id) pair is unique; a duplicate insert surfaces
// as a constraint violation rather than a second row.
type QueueEntry struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ActionID  string `gorm:"size:64;not null;uniqueIndex:idx_caller_action,priority:2"`
	CallerID  string `gorm:"size:128;not null;uniqueIndex:idx_caller_action,priority:1;index:idx_caller_created"`
	Method    string `gorm:"size:32;not null"`
	Params    string `gorm:"type:text;not null"`
	Status    Status `gorm:"size:16;not null;index"`
	TxRef     string `gorm:"size:80"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index:idx_caller_created"`
	UpdatedAt time.Time
}

// RewardEvent is an append-only credit record. Rows are never updated or
// deleted; the idempotency key uniqueness turns a replayed award into a no-op.
type RewardEvent struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string `gorm:"size:160;not null;uniqueIndex"`
	SubjectID      string `gorm:"size:128;not null;index"`
	SessionRef     uint64
	EpochRef       uint64
	EventType      string `gorm:"size:48;not null"`
	XPAmount       int64  `gorm:"not null"`
	GoldAmount     int64  `gorm:"not null"`
	Source         string `gorm:"size:64"`
	Metadata       string `gorm:"type:text"`
	CreatedAt      time.Time
}

// SubjectStats is the derived projection over a subject's reward events.
// It is a cache: Rebuild must reproduce it exactly from the event log.
type SubjectStats struct {
	SubjectID        string `gorm:"primaryKey;size:128"`
	DisplayName      string `gorm:"size:128"`
	TotalXP          int64  `gorm:"not null;index"`
	LifetimeGold     int64  `gorm:"not null"`
	LifetimeSessions int64  `gorm:"not null"`
	LifetimeWins     int64  `gorm:"not null"`
	DMSessions       int64  `gorm:"not null"`
	CurrentLevel     string `gorm:"size:16;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActionLog records every admitted game action for history and audit.
type ActionLog struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	ActionID       string `gorm:"size:64;not null;uniqueIndex"`
	SessionRef     uint64 `gorm:"index"`
	CallerID       string `gorm:"size:128;not null;index"`
	ActionType     string `gorm:"size:32;not null"`
	EpochRef       uint64
	ActionText     string `gorm:"type:text"`
	DMActionsJSON  string `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}

// Level thresholds over cumulative XP.
const (
	LevelNovice     = "novice"
	LevelAdventurer = "adventurer"
	LevelVeteran    = "veteran"
	LevelLegend     = "legend"

	adventurerXP = 500
	veteranXP    = 2000
	legendXP     = 10000
)

// LevelFor maps a cumulative XP total to its named tier.
func LevelFor(totalXP int64) string {
	switch {
	case totalXP >= legendXP:
		return LevelLegend
	case totalXP >= veteranXP:
		return LevelVeteran
	case totalXP >= adventurerXP:
		return LevelAdventurer
	}
	return LevelNovice
}

// AutoMigrate performs all schema migrations for the relay store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&QueueEntry{},
		&RewardEvent{},
		&SubjectStats{},
		&ActionLog{},
	)
}
