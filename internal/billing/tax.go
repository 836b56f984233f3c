package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TaxResolver matches line percentages to stored tax rates.
type TaxResolver struct {
	memo map[string][]TaxRate
}

// NewTaxResolver constructs a resolver with an empty per-run memo.
func NewTaxResolver() *TaxResolver {
	return &TaxResolver{memo: make(map[string][]TaxRate)}
}

// Resolve returns the id of the rate with the given percentage valid at asOf.
// Among several candidates the lowest id wins.
func (r *TaxResolver) Resolve(ctx context.Context, tx TxRepository, percent decimal.Decimal, asOf time.Time) (int64, error) {
	key := percent.String()
	rates, ok := r.memo[key]
	if !ok {
		var err error
		rates, err = tx.ListTaxRates(ctx, percent)
		if err != nil {
			return 0, err
		}
		r.memo[key] = rates
	}
	id, found := pickTaxRate(rates, percent, asOf)
	if !found {
		return 0, fmt.Errorf("%w: %s%% at %s", ErrTaxRateNotFound, key, asOf.Format(time.DateOnly))
	}
	return id, nil
}

func pickTaxRate(rates []TaxRate, percent decimal.Decimal, asOf time.Time) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, rate := range rates {
		if !rate.Percent.Equal(percent) || !rate.ValidAt(asOf) {
			continue
		}
		if !found || rate.ID < best {
			best = rate.ID
			found = true
		}
	}
	return best, found
}
