// Package ctgov provides a client for the ClinicalTrials.gov API v2.
package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the ClinicalTrials.gov operations used by the pipeline.
type Client interface {
	// SearchPage fetches one page of studies matching the request. Pass the
	// NextPageToken from the previous page to continue; an empty token in
	// the response means the listing is exhausted.
	SearchPage(ctx context.Context, req SearchRequest) (*StudiesPage, error)
}

// SearchRequest describes one page request against the studies endpoint.
type SearchRequest struct {
	Query     string
	PageSize  int
	PageToken string
}

// StudiesPage is one page of the studies listing.
type StudiesPage struct {
	Studies       []Study `json:"studies"`
	TotalCount    int     `json:"totalCount"`
	NextPageToken string  `json:"nextPageToken"`
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

// NewClient creates a new ClinicalTrials.gov API v2 client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://clinicaltrials.gov/api/v2",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchPage(ctx context.Context, req SearchRequest) (*StudiesPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	q := url.Values{}
	q.Set("query.titles", req.Query)
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("format", "json")
	if req.PageToken != "" {
		q.Set("pageToken", req.PageToken)
	}

	endpoint := c.baseURL + "/studies?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ctgov: create request")
	}

	body, status, err := c.retryDo(ctx, httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "ctgov: search studies")
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("ctgov: unexpected status %d", status)
	}

	var page StudiesPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "ctgov: decode studies page")
	}

	return &page, nil
}

// retryableStatusCode returns true if the status should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "ctgov: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = fmt.Errorf("ctgov: status %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return nil, resp.StatusCode, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}
