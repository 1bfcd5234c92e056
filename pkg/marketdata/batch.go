package marketdata

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchWorkers bounds concurrent quote lookups.
const DefaultBatchWorkers = 20

// BatchQuotes fetches quotes for all tickers in parallel. Individual lookup
// failures are logged and omitted from the result rather than failing the
// batch. The returned map is keyed by ticker.
func BatchQuotes(ctx context.Context, client Client, tickers []string, workers int) map[string]*Quote {
	if workers <= 0 {
		workers = DefaultBatchWorkers
	}

	var mu sync.Mutex
	quotes := make(map[string]*Quote, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	seen := make(map[string]bool, len(tickers))
	for _, ticker := range tickers {
		if ticker == "" || seen[ticker] {
			continue
		}
		seen[ticker] = true

		g.Go(func() error {
			q, err := client.Quote(gctx, ticker)
			if err != nil {
				zap.L().Warn("quote lookup failed",
					zap.String("ticker", ticker),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			quotes[ticker] = q
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // workers never return errors
	return quotes
}
