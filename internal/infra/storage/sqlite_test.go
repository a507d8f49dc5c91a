package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	dbPath := filepath.Join(t.TempDir(), "nested", "fills.db")
	s, err := NewStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func fill(id, product string, side domain.Side, pnl string, at time.Time) domain.FillRecord {
	f := domain.FillRecord{
		OrderID:       id,
		ClientOID:     "c-" + id,
		ProductID:     product,
		Side:          side,
		Price:         decimal.RequireFromString("100.10"),
		Size:          decimal.RequireFromString("0.5"),
		ExecutedValue: decimal.RequireFromString("50.05"),
		FilledAt:      at,
	}
	if pnl != "" {
		f.RealizedPnL = decimal.RequireFromString(pnl)
		f.HasPnL = true
	}
	return f
}

func TestSaveAndListFills(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// 1. Save
	for i, f := range []domain.FillRecord{
		fill("o1", "ETH-USD", domain.SideBuy, "", base),
		fill("o2", "ETH-USD", domain.SideSell, "0.05", base.Add(time.Minute)),
		fill("o3", "BTC-USD", domain.SideBuy, "", base.Add(2*time.Minute)),
	} {
		if err := s.RecordFill(ctx, f); err != nil {
			t.Fatalf("RecordFill %d failed: %v", i, err)
		}
	}

	// 2. List
	fills, err := s.ListFills(ctx, "ETH-USD", 0)
	if err != nil {
		t.Fatalf("ListFills failed: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].OrderID != "o2" {
		t.Errorf("expected newest first, got %s", fills[0].OrderID)
	}
	if !fills[0].Price.Equal(decimal.RequireFromString("100.10")) {
		t.Errorf("price round trip: %s", fills[0].Price)
	}

	limited, _ := s.ListFills(ctx, "ETH-USD", 1)
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestRecordFillIsIdempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	f := fill("dup", "ETH-USD", domain.SideSell, "0.10", time.Now())

	if err := s.RecordFill(ctx, f); err != nil {
		t.Fatalf("first RecordFill failed: %v", err)
	}
	f.FillFees = decimal.RequireFromString("0.02")
	if err := s.RecordFill(ctx, f); err != nil {
		t.Fatalf("second RecordFill failed: %v", err)
	}

	fills, _ := s.ListFills(ctx, "ETH-USD", 0)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].FillFees.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("expected updated fees, got %s", fills[0].FillFees)
	}
}

func TestRealizedPnL(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	s.RecordFill(ctx, fill("b1", "ETH-USD", domain.SideBuy, "", now))
	s.RecordFill(ctx, fill("s1", "ETH-USD", domain.SideSell, "0.05", now))
	s.RecordFill(ctx, fill("s2", "ETH-USD", domain.SideSell, "-0.12", now))
	s.RecordFill(ctx, fill("s3", "BTC-USD", domain.SideSell, "9.99", now))

	pnl, err := s.RealizedPnL(ctx, "ETH-USD")
	if err != nil {
		t.Fatalf("RealizedPnL failed: %v", err)
	}
	if !pnl.Equal(decimal.RequireFromString("-0.07")) {
		t.Errorf("expected -0.07, got %s", pnl)
	}
	if s.Name() != "sqlite" {
		t.Errorf("unexpected name %s", s.Name())
	}
}

func TestNewStorageRejectsEmptyPath(t *testing.T) {
	if _, err := NewStorage(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
