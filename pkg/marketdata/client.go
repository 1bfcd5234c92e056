// Package marketdata provides per-ticker stock quote lookups. Errors are
// per-ticker: a failed lookup never aborts a batch.
package marketdata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the market data operations used by the pipeline.
type Client interface {
	// Quote returns the current price, one-year percent change, and market
	// capitalization for a ticker.
	Quote(ctx context.Context, ticker string) (*Quote, error)
}

// Quote is the lookup result for one ticker.
type Quote struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Change1Y  float64 `json:"change_1y"`
	MarketCap float64 `json:"market_cap"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new market data client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// quoteResponse mirrors the upstream quote payload.
type quoteResponse struct {
	Symbol             string   `json:"symbol"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	FiftyTwoWeekChange *float64 `json:"fiftyTwoWeekChangePercent"`
	MarketCap          *float64 `json:"marketCap"`
}

func (c *httpClient) Quote(ctx context.Context, ticker string) (*Quote, error) {
	if ticker == "" {
		return nil, eris.New("marketdata: empty ticker")
	}

	endpoint := c.baseURL + "/quote?symbol=" + url.QueryEscape(ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "marketdata: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "marketdata: quote %s", ticker)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "marketdata: read quote %s", ticker)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, eris.Errorf("marketdata: unknown ticker %s", ticker)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("marketdata: status %d for %s", resp.StatusCode, ticker)
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, eris.Wrapf(err, "marketdata: decode quote %s", ticker)
	}
	if qr.RegularMarketPrice == nil {
		return nil, eris.Errorf("marketdata: no price for %s", ticker)
	}

	q := &Quote{
		Ticker: ticker,
		Price:  *qr.RegularMarketPrice,
	}
	if qr.FiftyTwoWeekChange != nil {
		q.Change1Y = *qr.FiftyTwoWeekChange
		// Some feeds report the change as a fraction rather than percent.
		if q.Change1Y > -1 && q.Change1Y < 1 && q.Change1Y != 0 {
			q.Change1Y *= 100
		}
	}
	if qr.MarketCap != nil {
		q.MarketCap = *qr.MarketCap
	}

	return q, nil
}
