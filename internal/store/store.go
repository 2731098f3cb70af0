// v0
// internal/store/store.go

// Package store persists daily consumption totals and beverage state
// snapshots in sqlite through gorm.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/joewstanley/raspbeery-pi/internal/inventory"
)

// WeekLength bounds the records returned by WeeklyTotals.
const WeekLength = 7

// DailyTotal is one rolled-up day of consumption. Beverage is the one-based
// beverage number.
type DailyTotal struct {
	ID       uint    `gorm:"primaryKey" json:"-"`
	Beverage int     `gorm:"not null;index:idx_beverage_date" json:"beverage"`
	DateMs   int64   `gorm:"not null;index:idx_beverage_date" json:"date"`
	Amount   float64 `gorm:"not null" json:"amount"`
}

// BeverageSnapshot is the persisted bookkeeping of one beverage. Live status
// flags are not stored; they are re-learned from the devices.
type BeverageSnapshot struct {
	Index          int `gorm:"column:beverage_index;primaryKey;autoIncrement:false"`
	Name           string
	Tap            float64
	Storage        float64
	TotalDispensed float64
	DaysDispensed  int
	DailyTotal     float64
	LastOrderMs    int64
	AutoUpdate     bool
	UpdatedAt      time.Time
}

// Store is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&DailyTotal{}, &BeverageSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// PostDailyTotal appends one rolled-up day.
func (s *Store) PostDailyTotal(ctx context.Context, rec DailyTotal) error {
	rec.ID = 0
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("post daily total: %w", err)
	}
	return nil
}

// WeeklyTotals returns the latest WeekLength records of a beverage number,
// most recent first.
func (s *Store) WeeklyTotals(ctx context.Context, beverage int) ([]DailyTotal, error) {
	var out []DailyTotal
	err := s.db.WithContext(ctx).
		Where("beverage = ?", beverage).
		Order("date_ms DESC").
		Order("id DESC").
		Limit(WeekLength).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("weekly totals: %w", err)
	}
	return out, nil
}

// SaveBeverage upserts the snapshot of a beverage index.
func (s *Store) SaveBeverage(ctx context.Context, index int, b inventory.Beverage) error {
	snap := BeverageSnapshot{
		Index:          index,
		Name:           b.Name,
		Tap:            b.Tap,
		Storage:        b.Storage,
		TotalDispensed: b.TotalDispensed,
		DaysDispensed:  b.DaysDispensed,
		DailyTotal:     b.DailyTotal,
		LastOrderMs:    b.LastOrderMs,
		AutoUpdate:     b.AutoUpdate,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "beverage_index"}}, UpdateAll: true}).
		Create(&snap).Error
	if err != nil {
		return fmt.Errorf("save beverage %d: %w", index, err)
	}
	return nil
}

// LoadBeverages returns every stored snapshot keyed by index.
func (s *Store) LoadBeverages(ctx context.Context) (map[int]inventory.Beverage, error) {
	var snaps []BeverageSnapshot
	if err := s.db.WithContext(ctx).Order("beverage_index").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("load beverages: %w", err)
	}
	out := make(map[int]inventory.Beverage, len(snaps))
	for _, snap := range snaps {
		out[snap.Index] = snap.beverage()
	}
	return out, nil
}

func (snap BeverageSnapshot) beverage() inventory.Beverage {
	return inventory.Beverage{
		Name:           snap.Name,
		Tap:            snap.Tap,
		Storage:        snap.Storage,
		TotalDispensed: snap.TotalDispensed,
		DaysDispensed:  snap.DaysDispensed,
		DailyTotal:     snap.DailyTotal,
		LastOrderMs:    snap.LastOrderMs,
		AutoUpdate:     snap.AutoUpdate,
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
