package domain

import "github.com/shopspring/decimal"

// Account is a venue account for a single currency.
type Account struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}

// Balances maps currency to account.
type Balances map[string]Account

// Of returns the balance of a currency, zero when the account is unknown.
func (b Balances) Of(currency string) decimal.Decimal {
	acc, ok := b[currency]
	if !ok {
		return decimal.Zero
	}
	return acc.Balance
}

// ValueIn returns the total value of the accounts in the quote currency,
// given last prices keyed by currency. Unpriced currencies are skipped.
func (b Balances) ValueIn(quote string, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for currency, acc := range b {
		if currency == quote {
			total = total.Add(acc.Balance)
			continue
		}
		price, ok := prices[currency]
		if !ok {
			continue
		}
		total = total.Add(acc.Balance.Mul(price))
	}
	return total.Round(2)
}
