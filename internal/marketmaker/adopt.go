package marketmaker

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"crypto_mm/internal/domain"
	"crypto_mm/internal/order"
)

// historyLimit bounds the fills scanned when pairing adopted sells.
const historyLimit = 200

// adopt takes over open venue orders for the product that nothing here
// tracks, such as the sells a previous run left resting. A sell is paired
// with the newest unclaimed buy fill of the same size so it keeps its stop
// and closes with PnL.
func (m *MarketMaker) adopt(ctx context.Context, open []domain.ExchangeOrder) {
	known := make(map[string]bool, len(m.orders))
	for _, o := range m.orders {
		known[o.ID] = true
	}

	var unknown []domain.ExchangeOrder
	for _, ex := range open {
		if known[ex.ID] || !ex.IsOpen() {
			continue
		}
		if ex.ProductID != "" && ex.ProductID != m.cfg.ProductID {
			continue
		}
		unknown = append(unknown, ex)
	}
	if len(unknown) == 0 {
		return
	}
	slices.SortFunc(unknown, func(a, b domain.ExchangeOrder) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var buys []domain.FillRecord
	for _, ex := range unknown {
		if ex.Side == domain.SideSell {
			buys = m.buyHistory(ctx)
			break
		}
	}
	claimed := make(map[string]bool)

	for _, ex := range unknown {
		o := order.FromExchange(ex)
		attrs := orderAttrs(o)
		if o.Side == domain.SideSell {
			if cp := pairFill(o, buys, claimed); cp != nil {
				m.remember(cp)
				o.SetCounterpart(cp.ClientOID)
				attrs = append(attrs, slog.String("buy_price", cp.Price().String()))
			}
		}
		m.orders[o.ClientOID] = o
		m.logger.Info("order adopted", attrs...)
	}
}

func (m *MarketMaker) buyHistory(ctx context.Context) []domain.FillRecord {
	if m.history == nil {
		return nil
	}
	recs, err := m.history.ListFills(ctx, m.cfg.ProductID, historyLimit)
	if err != nil {
		m.logger.Warn("fill history unavailable, adopted sells stay unpaired", slog.Any("error", err))
		return nil
	}
	return slices.DeleteFunc(recs, func(r domain.FillRecord) bool {
		return r.Side != domain.SideBuy
	})
}

// pairFill returns the first unclaimed buy fill whose size matches the sell.
func pairFill(sell *order.Order, buys []domain.FillRecord, claimed map[string]bool) *order.Order {
	for _, rec := range buys {
		if claimed[rec.OrderID] || !rec.Size.Equal(sell.Size()) {
			continue
		}
		claimed[rec.OrderID] = true
		return order.FromFill(rec)
	}
	return nil
}
