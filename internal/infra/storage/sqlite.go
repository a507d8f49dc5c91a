package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"crypto_mm/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the sqlite audit store for filled orders.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("empty DB path")
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.FillRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Name identifies the store in fill sink logs and metrics.
func (s *Storage) Name() string { return "sqlite" }

// RecordFill stores a fill. A fill already on record is overwritten, so
// redelivery is harmless.
func (s *Storage) RecordFill(ctx context.Context, fill domain.FillRecord) error {
	return s.SaveFill(ctx, &fill)
}

// SaveFill upserts a fill by order id
func (s *Storage) SaveFill(ctx context.Context, fill *domain.FillRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(fill).Error
}

// ListFills returns the fills of a product, newest first. limit <= 0 means all.
func (s *Storage) ListFills(ctx context.Context, productID string, limit int) ([]domain.FillRecord, error) {
	var fills []domain.FillRecord
	q := s.db.WithContext(ctx).Where("product_id = ?", productID).Order("filled_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&fills).Error
	return fills, err
}

// RealizedPnL sums the recorded pnl of a product's closed pairs.
func (s *Storage) RealizedPnL(ctx context.Context, productID string) (decimal.Decimal, error) {
	var fills []domain.FillRecord
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND has_pnl = ?", productID, true).
		Find(&fills).Error
	if err != nil {
		return decimal.Zero, err
	}
	// decimals are stored as text, so the sum happens here
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.RealizedPnL)
	}
	return total, nil
}

// Close releases the underlying connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
