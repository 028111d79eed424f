package catalog

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog wraps the relational store.
type Catalog struct {
	db *gorm.DB
}

// Open connects to the catalog database.
func Open(dsn string) (*Catalog, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// NewWithDB wraps an existing gorm handle, used by tests.
func NewWithDB(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// UpsertInstrument creates the instrument or updates its mutable
// attributes. The ticker itself never changes.
func (c *Catalog) UpsertInstrument(ctx context.Context, inst *Instrument) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ticker"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "category", "quote_currency", "tier", "updated_at",
		}),
	}).Create(inst).Error
}

// DeactivateInstrument soft-deletes: the row stays, workers skip it.
func (c *Catalog) DeactivateInstrument(ctx context.Context, ticker string) error {
	res := c.db.WithContext(ctx).
		Model(&Instrument{}).
		Where("ticker = ?", ticker).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instrument %q not found", ticker)
	}
	return nil
}

// ActiveInstruments returns active instruments, optionally filtered by
// tier (0 means all tiers), ordered by tier then ticker.
func (c *Catalog) ActiveInstruments(ctx context.Context, tier int) ([]Instrument, error) {
	q := c.db.WithContext(ctx).Where("active = ?", true)
	if tier > 0 {
		q = q.Where("tier = ?", tier)
	}
	var out []Instrument
	if err := q.Order("tier, ticker").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// EnabledSources returns provider configs with dispatch enabled.
func (c *Catalog) EnabledSources(ctx context.Context) ([]SourceConfig, error) {
	var out []SourceConfig
	if err := c.db.WithContext(ctx).Where("enabled = ?", true).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSourceHealth persists the reliability snapshot for a source at the
// end of a run.
func (c *Catalog) SaveSourceHealth(ctx context.Context, name string, score float64) error {
	return c.db.WithContext(ctx).
		Model(&SourceConfig{}).
		Where("name = ?", name).
		Update("reliability_score", score).Error
}

// SetSourceEnabled flips a provider's dispatch flag.
func (c *Catalog) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	res := c.db.WithContext(ctx).
		Model(&SourceConfig{}).
		Where("name = ?", name).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("source %q not found", name)
	}
	return nil
}

// Audit returns the sync audit log backed by this catalog.
func (c *Catalog) Audit() *AuditLog {
	return &AuditLog{db: c.db}
}
