package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is the durable record of every ingestion attempt. Begin opens a
// record; exactly one of Complete, Fail, or MarkPartial closes it. Closed
// records are never mutated; the guards below enforce that at the query
// level, not just by convention.
type AuditLog struct {
	db *gorm.DB
}

// Begin appends a new in-progress record and returns its ID.
func (a *AuditLog) Begin(ctx context.Context, ticker, src string, kind SyncKind) (uuid.UUID, error) {
	rec := SyncRecord{
		ID:        uuid.New(),
		Ticker:    ticker,
		Source:    src,
		Kind:      kind,
		Status:    StatusInProgress,
		StartedAt: time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return uuid.Nil, fmt.Errorf("audit begin: %w", err)
	}
	return rec.ID, nil
}

// Complete closes a record as success with the final row counts.
func (a *AuditLog) Complete(ctx context.Context, id uuid.UUID, counts Counts) error {
	return a.finish(ctx, id, StatusSuccess, counts, "")
}

// Fail closes a record as failed, keeping the error text for retry
// context.
func (a *AuditLog) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return a.finish(ctx, id, StatusFailed, Counts{}, msg)
}

// MarkPartial closes a record that wrote some rows but did not finish:
// deadline expiry, or batch write failures after retries.
func (a *AuditLog) MarkPartial(ctx context.Context, id uuid.UUID, counts Counts, reason string) error {
	return a.finish(ctx, id, StatusPartial, counts, reason)
}

func (a *AuditLog) finish(ctx context.Context, id uuid.UUID, status SyncStatus, counts Counts, errText string) error {
	now := time.Now().UTC()
	res := a.db.WithContext(ctx).
		Model(&SyncRecord{}).
		Where("id = ? AND status IN ?", id, openStatuses(status)).
		Updates(map[string]any{
			"status":        status,
			"finished_at":   &now,
			"rows_written":  counts.Written,
			"rows_skipped":  counts.Skipped,
			"rows_rejected": counts.Rejected,
			"error":         errText,
		})
	if res.Error != nil {
		return fmt.Errorf("audit %s: %w", status, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("audit %s: record %s not open", status, id)
	}
	return nil
}

// SweepStale marks records still in_progress after olderThan as partial.
// Crashed or deadline-killed workers must never leave records open
// indefinitely.
func (a *AuditLog) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()
	res := a.db.WithContext(ctx).
		Model(&SyncRecord{}).
		Where("status = ? AND started_at < ?", StatusInProgress, cutoff).
		Updates(map[string]any{
			"status":      StatusPartial,
			"finished_at": &now,
			"error":       "swept: worker did not close record",
		})
	return res.RowsAffected, res.Error
}

// RecentOutcomes returns the success/failure history for a source, newest
// first, as input to reliability scoring at startup.
func (a *AuditLog) RecentOutcomes(ctx context.Context, src string, limit int) ([]SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []SyncRecord
	err := a.db.WithContext(ctx).
		Where("source = ? AND status IN ?", src, []SyncStatus{StatusSuccess, StatusFailed, StatusPartial}).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
