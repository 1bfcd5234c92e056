// Package pipeline implements the clinical trials acquisition, enrichment
// and persistence stages plus the run coordinator that sequences them.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/pkg/ctgov"
)

const fetchCacheTTLDays = 7

// FetchOptions controls the study search.
type FetchOptions struct {
	Condition      string
	IndustryOnly   bool
	Interventional bool
	YearsBack      int
	MaxResults     int // 0 = unlimited
	PageSize       int
	RatePerSecond  float64
	CacheTTLDays   int
}

// FetchResult is the outcome of the fetch stage. TotalCount is the upstream
// match count before client-side filtering, so callers can tell "the API
// has nothing for this query" apart from "every match was filtered out".
type FetchResult struct {
	Studies    []ctgov.Study `json:"studies"`
	TotalCount int           `json:"total_count"`
}

// FetchTrials walks the paginated studies listing for the condition,
// applying the filter predicates client-side (the upstream server-side
// filter syntax is unreliable for sponsor class) and truncating to
// MaxResults. Page order is preserved. A transport error at any point in
// the walk aborts it and returns an empty result with a logged warning;
// partial pages are never returned and never cached.
func FetchTrials(ctx context.Context, client ctgov.Client, c *cache.Cache, opts FetchOptions) *FetchResult {
	log := zap.L().With(zap.String("condition", opts.Condition))

	key := cache.Key("fetch_trials", map[string]any{
		"condition":      opts.Condition,
		"industry_only":  opts.IndustryOnly,
		"interventional": opts.Interventional,
		"years_back":     opts.YearsBack,
		"max_results":    opts.MaxResults,
	})
	if cached, ok := cache.GetAs[FetchResult](c, key); ok {
		log.Info("fetch: cache hit", zap.Int("studies", len(cached.Studies)))
		return &cached
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = 2.0
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	earliestStart := time.Now().AddDate(-opts.YearsBack, 0, 0)

	result := &FetchResult{}
	pageToken := ""
	for page := 1; ; page++ {
		resp, err := client.SearchPage(ctx, ctgov.SearchRequest{
			Query:     opts.Condition,
			PageSize:  pageSize,
			PageToken: pageToken,
		})
		if err != nil {
			log.Warn("fetch: page request failed, discarding partial results",
				zap.Int("page", page),
				zap.Error(err))
			return &FetchResult{}
		}
		result.TotalCount = resp.TotalCount

		kept := 0
		for _, study := range resp.Studies {
			if !matchesFilters(study, opts, earliestStart) {
				continue
			}
			result.Studies = append(result.Studies, study)
			kept++
		}
		log.Debug("fetch: page filtered",
			zap.Int("page", page),
			zap.Int("received", len(resp.Studies)),
			zap.Int("kept", kept))

		if resp.NextPageToken == "" {
			break
		}
		if opts.MaxResults > 0 && len(result.Studies) >= opts.MaxResults {
			break
		}
		pageToken = resp.NextPageToken

		if err := limiter.Wait(ctx); err != nil {
			log.Warn("fetch: throttle interrupted, discarding partial results", zap.Error(err))
			return &FetchResult{}
		}
	}

	if opts.MaxResults > 0 && len(result.Studies) > opts.MaxResults {
		result.Studies = result.Studies[:opts.MaxResults]
	}

	log.Info("fetch: complete",
		zap.Int("studies", len(result.Studies)),
		zap.Int("total_count", result.TotalCount))

	// An empty result is never cached; a transient upstream failure must
	// not be remembered as permanent "no data".
	if len(result.Studies) > 0 {
		ttl := float64(opts.CacheTTLDays)
		if ttl <= 0 {
			ttl = fetchCacheTTLDays
		}
		if err := c.Put(key, result, ttl); err != nil {
			log.Warn("fetch: cache write failed", zap.Error(err))
		}
	}

	return result
}

// matchesFilters applies the AND-combined client-side predicates.
func matchesFilters(study ctgov.Study, opts FetchOptions, earliestStart time.Time) bool {
	ps := study.ProtocolSection

	if opts.IndustryOnly && ps.Sponsor.LeadSponsor.Class != ctgov.SponsorClassIndustry {
		return false
	}
	if opts.Interventional && ps.Design.StudyType != ctgov.StudyTypeInterventional {
		return false
	}
	if opts.YearsBack > 0 {
		// Only exclude when the start date parses and is out of window;
		// partial or absent dates pass through.
		if start, ok := parseStudyDate(ps.Status.StartDateStruct.Date); ok && start.Before(earliestStart) {
			return false
		}
	}
	return true
}

// parseStudyDate handles full ("2020-01-15") and partial ("2020-01") dates.
func parseStudyDate(s string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
