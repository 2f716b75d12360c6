package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStatsNotFound is returned when a subject has no stats row.
var ErrStatsNotFound = errors.New("storage: subject stats not found")

// Event types recognised by the projection's side counters.
const (
	EventTxMined         = "tx_mined"
	EventDMHosted        = "dm_hosted"
	EventSessionComplete = "session_complete"
	EventSessionWin      = "session_win"
)

// Award appends a reward event and folds it into the subject's stats inside
// one transaction. A replayed idempotency key leaves the ledger untouched and
// reports applied=false.
func (s *Store) Award(ctx context.Context, ev RewardEvent) (applied bool, err error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&ev).Error; createErr != nil {
			if isUniqueViolation(createErr) {
				return nil
			}
			return fmt.Errorf("insert reward event: %w", createErr)
		}
		applied = true
		return s.fold(tx, ev)
	})
	if err != nil {
		return false, fmt.Errorf("storage: award %s: %w", ev.IdempotencyKey, err)
	}
	return applied, nil
}

// fold applies one event's deltas to the subject's stats row as a single
// atomic UPDATE. Concurrent awards for the same subject serialize on the row
// instead of overwriting each other through a read-then-save. The row is
// created on first contact.
func (s *Store) fold(tx *gorm.DB, ev RewardEvent) error {
	now := s.now().UTC()
	seed := SubjectStats{
		SubjectID:    ev.SubjectID,
		CurrentLevel: LevelNovice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return fmt.Errorf("seed stats: %w", err)
	}

	// The level is recomputed in the same statement so it always reflects
	// the post-delta total, even under concurrent awards.
	updates := map[string]interface{}{
		"total_xp":      gorm.Expr("total_xp + ?", ev.XPAmount),
		"lifetime_gold": gorm.Expr("lifetime_gold + ?", ev.GoldAmount),
		"current_level": gorm.Expr(
			"CASE WHEN total_xp + ? >= ? THEN ? WHEN total_xp + ? >= ? THEN ? WHEN total_xp + ? >= ? THEN ? ELSE ? END",
			ev.XPAmount, legendXP, LevelLegend,
			ev.XPAmount, veteranXP, LevelVeteran,
			ev.XPAmount, adventurerXP, LevelAdventurer,
			LevelNovice,
		),
		"updated_at": now,
	}
	switch ev.EventType {
	case EventDMHosted:
		updates["dm_sessions"] = gorm.Expr("dm_sessions + 1")
	case EventSessionComplete:
		updates["lifetime_sessions"] = gorm.Expr("lifetime_sessions + 1")
	case EventSessionWin:
		updates["lifetime_wins"] = gorm.Expr("lifetime_wins + 1")
	}
	res := tx.Model(&SubjectStats{}).Where("subject_id = ?", ev.SubjectID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("apply stats delta: %w", res.Error)
	}
	return nil
}

func applyEvent(stats *SubjectStats, ev RewardEvent) {
	stats.TotalXP += ev.XPAmount
	stats.LifetimeGold += ev.GoldAmount
	switch ev.EventType {
	case EventDMHosted:
		stats.DMSessions++
	case EventSessionComplete:
		stats.LifetimeSessions++
	case EventSessionWin:
		stats.LifetimeWins++
	}
	stats.CurrentLevel = LevelFor(stats.TotalXP)
}

// RebuildStats discards a subject's projection and refolds it from the event
// log in insertion order. The result is identical to what incremental awards
// produced, which makes the projection safe to repair after a bad migration.
func (s *Store) RebuildStats(ctx context.Context, subjectID string) (SubjectStats, error) {
	var rebuilt SubjectStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []RewardEvent
		if err := tx.Where("subject_id = ?", subjectID).
			Order("id ASC").
			Find(&events).Error; err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		now := s.now().UTC()
		rebuilt = SubjectStats{
			SubjectID:    subjectID,
			CurrentLevel: LevelNovice,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		var prior SubjectStats
		err := tx.First(&prior, "subject_id = ?", subjectID).Error
		if err == nil {
			rebuilt.DisplayName = prior.DisplayName
			rebuilt.CreatedAt = prior.CreatedAt
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load stats: %w", err)
		}

		for _, ev := range events {
			applyEvent(&rebuilt, ev)
		}
		return tx.Save(&rebuilt).Error
	})
	if err != nil {
		return SubjectStats{}, fmt.Errorf("storage: rebuild %s: %w", subjectID, err)
	}
	return rebuilt, nil
}

// GetStats fetches a subject's stats projection.
func (s *Store) GetStats(ctx context.Context, subjectID string) (SubjectStats, error) {
	var stats SubjectStats
	err := s.db.WithContext(ctx).First(&stats, "subject_id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SubjectStats{}, ErrStatsNotFound
	}
	if err != nil {
		return SubjectStats{}, err
	}
	return stats, nil
}

// SetDisplayName records a subject's display name, creating the stats row if
// the subject has not earned anything yet.
func (s *Store) SetDisplayName(ctx context.Context, subjectID, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stats SubjectStats
		err := tx.First(&stats, "subject_id = ?", subjectID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := s.now().UTC()
			stats = SubjectStats{
				SubjectID:    subjectID,
				CurrentLevel: LevelNovice,
				CreatedAt:    now,
			}
		} else if err != nil {
			return err
		}
		stats.DisplayName = name
		stats.UpdatedAt = s.now().UTC()
		return tx.Save(&stats).Error
	})
}

// Leaderboard metrics.
const (
	MetricXP       = "xp"
	MetricGold     = "gold"
	MetricSessions = "sessions"
	MetricWins     = "wins"
)

// ErrUnknownMetric is returned for a leaderboard metric outside the known set.
var ErrUnknownMetric = errors.New("storage: unknown leaderboard metric")

// Leaderboard returns the top subjects ordered by the given metric.
func (s *Store) Leaderboard(ctx context.Context, metric string, limit int) ([]SubjectStats, error) {
	var column string
	switch metric {
	case MetricXP:
		column = "total_xp"
	case MetricGold:
		column = "lifetime_gold"
	case MetricSessions:
		column = "lifetime_sessions"
	case MetricWins:
		column = "lifetime_wins"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	var rows []SubjectStats
	err := s.db.WithContext(ctx).
		Order(column + " DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RewardHistory lists a subject's reward events, newest first.
func (s *Store) RewardHistory(ctx context.Context, subjectID string, limit int) ([]RewardEvent, error) {
	var events []RewardEvent
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
