package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrEntryNotFound is returned when a queue entry lookup matches no row.
var ErrEntryNotFound = errors.New("storage: queue entry not found")

// ErrStatusRegression is returned when an update would move an entry
// backwards through the lifecycle.
var ErrStatusRegression = errors.New("storage: status transition regresses")

// EnqueueResult reports whether Enqueue inserted a new row or echoed an
// existing one for the same (caller, action) pair.
type EnqueueResult struct {
	Entry     QueueEntry
	Duplicate bool
}

// Enqueue inserts a pending entry, or returns the existing entry when the
// (callerID, actionID) pair was already queued. The duplicate path relies on
// the unique index rather than a check-then-insert, so concurrent duplicate
// submissions converge on one row.
func (s *Store) Enqueue(ctx context.Context, callerID, actionID, method, params string) (EnqueueResult, error) {
	now := s.now().UTC()
	entry := QueueEntry{
		ActionID:  actionID,
		CallerID:  callerID,
		Method:    method,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Create(&entry).Error
	if err == nil {
		return EnqueueResult{Entry: entry}, nil
	}
	if !isUniqueViolation(err) {
		return EnqueueResult{}, fmt.Errorf("storage: enqueue: %w", err)
	}
	existing, lookupErr := s.GetEntryByAction(ctx, callerID, actionID)
	if lookupErr != nil {
		return EnqueueResult{}, fmt.Errorf("storage: enqueue duplicate lookup: %w", lookupErr)
	}
	return EnqueueResult{Entry: existing, Duplicate: true}, nil
}

// GetEntry fetches a queue entry by id.
func (s *Store) GetEntry(ctx context.Context, id uint64) (QueueEntry, error) {
	var entry QueueEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

// GetEntryByAction fetches a queue entry by its (caller, action) pair.
func (s *Store) GetEntryByAction(ctx context.Context, callerID, actionID string) (QueueEntry, error) {
	var entry QueueEntry
	err := s.db.WithContext(ctx).
		First(&entry, "caller_id = ? AND action_id = ?", callerID, actionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

// PendingEntries returns up to limit pending entries, oldest first.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// UnresolvedEntries lists entries stuck in flight, oldest first: submitted
// rows whose receipts never resolved, and submitting rows abandoned by a
// worker crash or a failed status write after broadcast.
func (s *Store) UnresolvedEntries(ctx context.Context, olderThan time.Time, limit int) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []Status{StatusSubmitting, StatusSubmitted}, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkSubmitting moves a pending entry to submitting.
func (s *Store) MarkSubmitting(ctx context.Context, id uint64) error {
	return s.transition(ctx, id, StatusSubmitting, "", "")
}

// MarkSubmitted records the broadcast transaction reference. txRef is set
// exactly here and never cleared.
func (s *Store) MarkSubmitted(ctx context.Context, id uint64, txRef string) error {
	return s.transition(ctx, id, StatusSubmitted, txRef, "")
}

// MarkMined finalises a successfully included entry. txRef is normally
// already recorded; passing it again covers entries settled straight from
// submitting when the earlier status write failed.
func (s *Store) MarkMined(ctx context.Context, id uint64, txRef string) error {
	return s.transition(ctx, id, StatusMined, txRef, "")
}

// MarkFailed records a terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, id uint64, reason string) error {
	return s.transition(ctx, id, StatusFailed, "", reason)
}

// transition applies a guarded status update. The WHERE clause enforces
// monotonicity at the database so concurrent workers cannot race an entry
// backwards.
func (s *Store) transition(ctx context.Context, id uint64, next Status, txRef, errText string) error {
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": s.now().UTC(),
	}
	if txRef != "" {
		updates["tx_ref"] = txRef
	}
	if errText != "" {
		updates["error"] = errText
	}
	allowed := statusesBelow(next)
	res := s.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("storage: transition to %s: %w", next, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetEntry(ctx, id); err != nil {
			return err
		}
		return ErrStatusRegression
	}
	return nil
}

func statusesBelow(next Status) []Status {
	var out []Status
	for _, st := range []Status{StatusPending, StatusSubmitting, StatusSubmitted} {
		if st.rank() < next.rank() {
			out = append(out, st)
		}
	}
	return out
}

// CountRecentEntries counts queue entries created by callerID inside the
// trailing window, used for admission rate limiting.
func (s *Store) CountRecentEntries(ctx context.Context, callerID string, window time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-window)
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("caller_id = ? AND created_at > ?", callerID, cutoff).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordAction persists an action log row, once per actionID. Replays of an
// admitted action are silently absorbed.
func (s *Store) RecordAction(ctx context.Context, log *ActionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now().UTC()
	}
	err := s.db.WithContext(ctx).Create(log).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// ActionsForSession lists the logged actions of a session, oldest first.
func (s *Store) ActionsForSession(ctx context.Context, sessionRef uint64) ([]ActionLog, error) {
	var logs []ActionLog
	err := s.db.WithContext(ctx).
		Where("session_ref = ?", sessionRef).
		Order("created_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// EntriesBetween lists entries created or updated inside [start, end],
// oldest first, for reconciliation reporting.
func (s *Store) EntriesBetween(ctx context.Context, start, end time.Time) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.db.WithContext(ctx).
		Where("(created_at BETWEEN ? AND ?) OR (updated_at BETWEEN ? AND ?)", start, end, start, end).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
