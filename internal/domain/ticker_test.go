package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitProduct(t *testing.T) {
	tests := []struct {
		in          string
		base, quote string
		wantErr     bool
	}{
		{"ETH-USD", "ETH", "USD", false},
		{"BTC-USDC", "BTC", "USDC", false},
		{"ETHUSD", "", "", true},
		{"-USD", "", "", true},
		{"ETH-", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, quote, err := SplitProduct(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidProduct) {
					t.Fatalf("expected ErrInvalidProduct, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if base != tt.base || quote != tt.quote {
				t.Errorf("got %s/%s, want %s/%s", base, quote, tt.base, tt.quote)
			}
		})
	}
}

func TestExchangeOrder_IsFilled(t *testing.T) {
	size := decimal.RequireFromString("0.02")

	t.Run("done with filled reason", func(t *testing.T) {
		o := ExchangeOrder{Status: ExchangeStatusDone, DoneReason: DoneReasonFilled, Size: size}
		if !o.IsFilled() {
			t.Error("expected filled")
		}
	})

	t.Run("done with full filled size", func(t *testing.T) {
		o := ExchangeOrder{Status: ExchangeStatusDone, Size: size, FilledSize: size}
		if !o.IsFilled() {
			t.Error("expected filled")
		}
	})

	t.Run("done but canceled", func(t *testing.T) {
		o := ExchangeOrder{Status: ExchangeStatusDone, DoneReason: DoneReasonCanceled, Size: size}
		if o.IsFilled() {
			t.Error("canceled order is not filled")
		}
	})

	t.Run("still open", func(t *testing.T) {
		o := ExchangeOrder{Status: ExchangeStatusOpen, Size: size, FilledSize: size}
		if o.IsFilled() || !o.IsOpen() {
			t.Error("open order must be open and not filled")
		}
	})
}

func TestBalances(t *testing.T) {
	b := Balances{
		"USD": {Currency: "USD", Balance: decimal.NewFromInt(1000)},
		"ETH": {Currency: "ETH", Balance: decimal.RequireFromString("2.5")},
		"LTC": {Currency: "LTC", Balance: decimal.NewFromInt(3)},
	}

	if !b.Of("ETH").Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Of(ETH) = %s", b.Of("ETH"))
	}
	if !b.Of("BTC").IsZero() {
		t.Error("unknown currency should be zero")
	}

	prices := map[string]decimal.Decimal{"ETH": decimal.NewFromInt(300)}
	// LTC has no price and is skipped
	if got := b.ValueIn("USD", prices); !got.Equal(decimal.NewFromInt(1750)) {
		t.Errorf("ValueIn = %s, want 1750", got)
	}
}
