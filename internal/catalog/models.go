// Package catalog is the relational side of the engine: instrument
// metadata, per-source configuration, and the append-only sync audit log.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Instrument is a tradable entity. Ticker is its immutable identity;
// attributes are mutable administratively. Instruments are never
// hard-deleted, only deactivated.
type Instrument struct {
	Ticker        string    `gorm:"primaryKey;size:32"`
	Name          string    `gorm:"size:128"`
	Category      string    `gorm:"size:16;index"`
	QuoteCurrency string    `gorm:"size:8"`
	Tier          int       `gorm:"index;default:3"`
	Active        bool      `gorm:"default:true;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceConfig describes one external provider. The guard mutates the
// health snapshot; operators mutate credentials and budgets. A disabled
// source is never dispatched to until re-enabled.
type SourceConfig struct {
	Name          string `gorm:"primaryKey;size:32"`
	BaseURL       string `gorm:"size:256"`
	CredentialEnv string `gorm:"size:64"`
	PerMinute     int
	PerDay        int
	Enabled       bool `gorm:"default:true"`

	// ReliabilityScore is the last persisted health snapshot, refreshed at
	// the end of each run for operator visibility. The live value lives in
	// the guard.
	ReliabilityScore float64

	UpdatedAt time.Time
}

// SyncKind classifies an ingestion attempt.
type SyncKind string

const (
	SyncFull        SyncKind = "full"
	SyncIncremental SyncKind = "incremental"
	SyncBackfill    SyncKind = "backfill"
)

// SyncStatus is the lifecycle of a SyncRecord.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusSuccess    SyncStatus = "success"
	StatusFailed     SyncStatus = "failed"
	StatusPartial    SyncStatus = "partial"
)

// terminal reports whether a status ends the record's lifecycle.
func (s SyncStatus) terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// canTransition enforces the append-only lifecycle: pending ->
// in_progress -> exactly one terminal status. Terminal rows never mutate.
func canTransition(from, to SyncStatus) bool {
	if from.terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to.terminal()
	case StatusInProgress:
		return to.terminal()
	}
	return false
}

// openStatuses lists the states a record may currently be in for a
// transition to the given status to be legal. The audit log's UPDATE
// guards are built from this, so the lifecycle rules and the SQL can
// never drift apart.
func openStatuses(to SyncStatus) []SyncStatus {
	all := []SyncStatus{StatusPending, StatusInProgress, StatusSuccess, StatusFailed, StatusPartial}
	from := make([]SyncStatus, 0, len(all))
	for _, s := range all {
		if canTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// SyncRecord is one row per ingestion attempt, keyed by instrument and
// source. Append-only: after a terminal status is set the row is never
// mutated again.
type SyncRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Ticker     string     `gorm:"size:32;index:idx_sync_ticker_source"`
	Source     string     `gorm:"size:32;index:idx_sync_ticker_source"`
	Kind       SyncKind   `gorm:"size:16"`
	Status     SyncStatus `gorm:"size:16;index"`
	StartedAt  time.Time
	FinishedAt *time.Time

	RowsWritten  int
	RowsSkipped  int
	RowsRejected int

	// Error carries the provider error text, ticker, interval, and time
	// range; enough to retry without re-deriving context.
	Error string `gorm:"size:2048"`
}

// Counts bundles the row tallies reported at completion.
type Counts struct {
	Written  int
	Skipped  int
	Rejected int
}
