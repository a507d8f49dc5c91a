package domain

import (
	"context"
)

// ExchangeWorker is a reconnecting streaming connection.
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// OrderGateway is the REST order API the order lifecycle talks to.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceOutcome, error)
	CancelOrder(ctx context.Context, orderID string) (CancelOutcome, error)
	GetOrder(ctx context.Context, orderID string) (ExchangeOrder, error)
	ListOpenOrders(ctx context.Context, productID string) ([]ExchangeOrder, error)
}

// BookSource serves REST book snapshots.
type BookSource interface {
	GetBook(ctx context.Context, productID string, level int) (*BookSnapshot, error)
}

// MarketSource serves REST ticker and 24h stats.
type MarketSource interface {
	GetTicker(ctx context.Context, productID string) (Ticker, error)
	GetStats(ctx context.Context, productID string) (ProductStats, error)
}

// AccountSource lists venue accounts.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// FillRecorder receives every filled order for audit.
type FillRecorder interface {
	RecordFill(ctx context.Context, fill FillRecord) error
}
