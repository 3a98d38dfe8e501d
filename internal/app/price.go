package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"oracle-market/internal/oracle"
)

// PriceOptions configure the oracle-price command. Comparator and Target are
// optional; when both are set the reading is evaluated against them.
type PriceOptions struct {
	Feed       string
	Comparator string
	Target     *float64
}

// OraclePrice reads one feed through the configured endpoints and prints it.
func (a *App) OraclePrice(ctx context.Context, opts PriceOptions) error {
	if !oracle.ValidFeed(opts.Feed) {
		return fmt.Errorf("%w: %q (supported: %v)", oracle.ErrInvalidFeed, opts.Feed, oracle.FeedNames())
	}
	if opts.Comparator != "" && !oracle.ValidComparator(opts.Comparator) {
		return fmt.Errorf("%w: %q", oracle.ErrInvalidComparator, opts.Comparator)
	}

	prices := a.newOracle()
	price, err := prices.Fetch(ctx, opts.Feed)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "feed: %s\nvalue: %s\n", price.Feed, decimal.NewFromFloat(price.Value).String())
	if price.UpdatedAt > 0 {
		fmt.Fprintf(a.Out, "updated: %s\n", time.Unix(price.UpdatedAt, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(a.Out, "network: %s\nprovider: %s\n", prices.Network(), prices.ProviderLabel())

	if opts.Comparator != "" && opts.Target != nil {
		met, err := oracle.Evaluate(price.Value, opts.Comparator, *opts.Target)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "condition: %s %s %s -> %t\n", opts.Feed, opts.Comparator, formatPoints(*opts.Target), met)
	}
	return nil
}
