// Package archive keeps a queryable SQLite copy of every persisted record.
// The device files remain the primary store; the archive backs the recent
// events endpoint of the status server.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sweeney/andon/internal/event"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultLimit is used by Recent when limit <= 0.
const DefaultLimit = 50

// MaxLimit caps how many rows Recent returns.
const MaxLimit = 1000

// Row is one archived event.
type Row struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ArchivedAt  time.Time `gorm:"index" json:"archived_at"`
	Device      string    `gorm:"index;size:255" json:"device"`
	Pin         int       `json:"pin"`
	PinLabel    string    `gorm:"size:32" json:"pin_label"`
	State       string    `gorm:"size:64" json:"state"`
	TimeDiffSec float64   `json:"time_diff_sec"`
	Timestamp   string    `gorm:"size:64" json:"timestamp"`
}

// TableName pins the table name independent of the struct name.
func (Row) TableName() string { return "events" }

// Archive is an SQLite-backed event store.
type Archive struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the archive at path and migrates the schema.
func Open(path string) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrate archive %s: %w", path, err)
	}
	return &Archive{db: db, now: time.Now}, nil
}

// Forward inserts item. It satisfies worker.Forwarder.
func (a *Archive) Forward(ctx context.Context, item event.Item) error {
	row := Row{
		ArchivedAt:  a.now().UTC(),
		Device:      item.Device,
		Pin:         item.Record.Pin,
		PinLabel:    event.PinLabel(item.Record.Pin),
		State:       item.Record.State,
		TimeDiffSec: item.Record.TimeDiffSec,
		Timestamp:   item.Record.Timestamp,
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first. An empty device matches all.
func (a *Archive) Recent(ctx context.Context, device string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := a.db.WithContext(ctx).Order("id desc").Limit(limit)
	if device != "" {
		q = q.Where("device = ?", device)
	}
	var rows []Row
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	return rows, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
