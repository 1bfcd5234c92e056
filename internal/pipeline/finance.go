package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/pkg/anthropic"
	"github.com/lumen-bio/trialscope/pkg/marketdata"
)

const financeCacheTTLDays = 30

// companyInfo maps a drug to its maker and tradable tickers.
type companyInfo struct {
	Company string   `json:"company"`
	Tickers []string `json:"tickers"`
}

// knownDrugCompanies holds the drugs common enough in clinical trials that
// a remote lookup is wasted on them. Matched by substring against the
// lowercased drug name.
var knownDrugCompanies = []struct {
	drug string
	info companyInfo
}{
	{"alirocumab", companyInfo{"Regeneron/Sanofi", []string{"REGN", "SNY"}}},
	{"evolocumab", companyInfo{"Amgen", []string{"AMGN"}}},
	{"mipomersen", companyInfo{"Ionis Pharmaceuticals", []string{"IONS"}}},
	{"inclisiran", companyInfo{"Novartis", []string{"NVS"}}},
	{"bempedoic acid", companyInfo{"Esperion Therapeutics", []string{"ESPR"}}},
	{"rosuvastatin", companyInfo{"AstraZeneca", []string{"AZN"}}},
	{"ezetimibe", companyInfo{"Merck", []string{"MRK"}}},
	{"atorvastatin", companyInfo{"Pfizer", []string{"PFE"}}},
	{"simvastatin", companyInfo{"Merck", []string{"MRK"}}},
	{"pembrolizumab", companyInfo{"Merck", []string{"MRK"}}},
	{"nivolumab", companyInfo{"Bristol-Myers Squibb", []string{"BMY"}}},
	{"atezolizumab", companyInfo{"Roche", []string{"RHHBY"}}},
	{"durvalumab", companyInfo{"AstraZeneca", []string{"AZN"}}},
	{"avelumab", companyInfo{"Merck KGaA/Pfizer", []string{"MKKGY", "PFE"}}},
	{"axicabtagene ciloleucel", companyInfo{"Gilead", []string{"GILD"}}},
	{"tisagenlecleucel", companyInfo{"Novartis", []string{"NVS"}}},
}

const drugCompanySystemPrompt = "You are a biotech financial analyst."

const drugCompanyUserPrompt = `What company or companies make or have rights to the drug %q?
Please return ONLY a JSON object with this structure:
{
    "company": "Company Name",
    "tickers": ["TICKER1", "TICKER2"]
}
If you don't know, return {"company": "Unknown", "tickers": []}`

// CompanyAnalysis ties an enriched drug to its maker and, when financial
// lookups are enabled, that maker's stock performance.
type CompanyAnalysis struct {
	Drug             string              `json:"drug"`
	Modality         string              `json:"modality"`
	Target           string              `json:"target"`
	Company          string              `json:"company"`
	Tickers          []string            `json:"tickers"`
	StockPerformance []*marketdata.Quote `json:"stock_performance"`
}

// FinanceOptions configures the financial analysis stage.
type FinanceOptions struct {
	UseRemote      bool
	SkipQuotes     bool
	Model          string
	Workers        int
	QuoteTTLDays   int
	CompanyTTLDays int
}

// AnalyzeCompanies maps each enriched intervention to its maker and looks
// up stock quotes for every distinct ticker. Placebo and saline arms are
// dropped. Quote lookups run in parallel; a failed ticker simply leaves
// its slot out of the performance list.
func AnalyzeCompanies(ctx context.Context, interventions []model.EnrichedIntervention, client anthropic.Client, quotes marketdata.Client, c *cache.Cache, opts FinanceOptions) []CompanyAnalysis {
	var analyses []CompanyAnalysis

	for _, iv := range interventions {
		lower := strings.ToLower(iv.Name)
		if strings.Contains(lower, "placebo") || strings.Contains(lower, "saline") {
			continue
		}

		info := lookupCompany(ctx, lower, client, c, opts)
		analyses = append(analyses, CompanyAnalysis{
			Drug:     iv.Name,
			Modality: iv.Modality,
			Target:   iv.Target,
			Company:  info.Company,
			Tickers:  info.Tickers,
		})
	}

	if opts.SkipQuotes || quotes == nil {
		return analyses
	}

	var tickers []string
	for _, a := range analyses {
		tickers = append(tickers, a.Tickers...)
	}
	performance := cachedBatchQuotes(ctx, quotes, tickers, c, opts)

	for i := range analyses {
		for _, ticker := range analyses[i].Tickers {
			if q, ok := performance[ticker]; ok {
				analyses[i].StockPerformance = append(analyses[i].StockPerformance, q)
			}
		}
	}

	return analyses
}

// lookupCompany resolves a drug to its maker: static table first, then the
// remote analyst path with a long cache, then "Unknown".
func lookupCompany(ctx context.Context, drugLower string, client anthropic.Client, c *cache.Cache, opts FinanceOptions) companyInfo {
	for _, known := range knownDrugCompanies {
		if strings.Contains(drugLower, known.drug) {
			return known.info
		}
	}

	if !opts.UseRemote || client == nil {
		return companyInfo{Company: "Unknown"}
	}

	key := cache.Key("drug_company", map[string]any{"drug": drugLower})
	if cached, ok := cache.GetAs[companyInfo](c, key); ok {
		return cached
	}

	ttl := float64(opts.CompanyTTLDays)
	if ttl <= 0 {
		ttl = financeCacheTTLDays
	}

	info := companyInfo{Company: "Unknown"}
	resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     opts.Model,
		MaxTokens: 150,
		System:    drugCompanySystemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(drugCompanyUserPrompt, drugLower)},
		},
	})
	if err != nil {
		zap.L().Warn("finance: company lookup failed",
			zap.String("drug", drugLower),
			zap.Error(err))
		// The Unknown result is cached too, to avoid hammering the API
		// with drugs it cannot identify.
		_ = c.Put(key, info, ttl)
		return info
	}
	resp.Usage.LogUsage(opts.Model, "finance")

	if raw, ok := extractJSONObject(resp.Text()); ok {
		var parsed companyInfo
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Company != "" {
			info = parsed
		}
	}

	_ = c.Put(key, info, ttl)
	return info
}

// cachedBatchQuotes wraps marketdata.BatchQuotes with a per-ticker 1-day
// cache. Tickers that are not real symbols are skipped up front.
func cachedBatchQuotes(ctx context.Context, client marketdata.Client, tickers []string, c *cache.Cache, opts FinanceOptions) map[string]*marketdata.Quote {
	ttl := float64(opts.QuoteTTLDays)
	if ttl <= 0 {
		ttl = 1
	}

	results := make(map[string]*marketdata.Quote)
	var misses []string
	seen := make(map[string]bool)

	for _, ticker := range tickers {
		if ticker == "" || seen[ticker] {
			continue
		}
		seen[ticker] = true
		switch strings.ToLower(ticker) {
		case "private company", "unknown", "n/a":
			continue
		}

		key := cache.Key("stock_quote", map[string]any{"ticker": ticker})
		if q, ok := cache.GetAs[marketdata.Quote](c, key); ok {
			results[ticker] = &q
			continue
		}
		misses = append(misses, ticker)
	}

	if len(misses) == 0 {
		return results
	}

	fetched := marketdata.BatchQuotes(ctx, client, misses, opts.Workers)
	for ticker, q := range fetched {
		results[ticker] = q
		key := cache.Key("stock_quote", map[string]any{"ticker": ticker})
		_ = c.Put(key, q, ttl)
	}

	return results
}

// outcomeKeywords pick out the outcome measures worth surfacing in the
// competitive landscape, across the therapeutic areas this pipeline sees.
var outcomeKeywords = []string{
	"reduction", "decrease", "improvement", "relief", "healing", "eradication",
	"resolution", "response", "efficacy", "safety", "symptom", "acid", "ph",
	"gerd", "heartburn", "reflux", "erosive", "esophagitis", "ulcer",
	"ldl", "cholesterol", "lipid", "biomarker", "glucose", "hba1c",
	"pain", "score", "scale", "assessment", "endpoint",
}

// CompetitiveEntry is one drug's row within a contested target space.
type CompetitiveEntry struct {
	Drug             string              `json:"drug"`
	Company          string              `json:"company"`
	Modality         string              `json:"modality"`
	Trials           int                 `json:"trials"`
	KeyOutcome       string              `json:"key_outcome"`
	StockPerformance []*marketdata.Quote `json:"stock_performance"`
}

// CompetitiveSpace groups the drugs competing on one biological target.
type CompetitiveSpace struct {
	Target          string             `json:"target"`
	Drugs           int                `json:"drugs"`
	Companies       []string           `json:"companies"`
	ComparativeData []CompetitiveEntry `json:"comparative_data"`
}

// AnalyzeCompetitiveLandscape groups company analyses by biological target
// and builds a comparison for every target contested by at least two drugs.
func AnalyzeCompetitiveLandscape(trials []model.Trial, analyses []CompanyAnalysis) []CompetitiveSpace {
	byTarget := make(map[string][]CompanyAnalysis)
	var targetOrder []string

	for _, a := range analyses {
		if a.Target == "" || a.Target == "unknown" {
			continue
		}
		if _, ok := byTarget[a.Target]; !ok {
			targetOrder = append(targetOrder, a.Target)
		}
		byTarget[a.Target] = append(byTarget[a.Target], a)
	}

	var landscape []CompetitiveSpace
	for _, target := range targetOrder {
		drugs := byTarget[target]
		if len(drugs) <= 1 {
			continue
		}

		space := CompetitiveSpace{
			Target: target,
			Drugs:  len(drugs),
		}

		companies := make(map[string]bool)
		for _, drug := range drugs {
			companies[drug.Company] = true

			drugTrials := trialsForDrug(trials, drug.Drug)
			space.ComparativeData = append(space.ComparativeData, CompetitiveEntry{
				Drug:             drug.Drug,
				Company:          drug.Company,
				Modality:         drug.Modality,
				Trials:           len(drugTrials),
				KeyOutcome:       keyOutcome(drugTrials),
				StockPerformance: drug.StockPerformance,
			})
		}

		for company := range companies {
			space.Companies = append(space.Companies, company)
		}
		sort.Strings(space.Companies)

		landscape = append(landscape, space)
	}

	return landscape
}

func trialsForDrug(trials []model.Trial, drugName string) []model.Trial {
	var matched []model.Trial
	for _, trial := range trials {
		for _, iv := range trial.Interventions {
			if iv.Name == drugName {
				matched = append(matched, trial)
				break
			}
		}
	}
	return matched
}

// keyOutcome picks the most informative single outcome for a drug:
// keyword-matched primary outcome, any primary outcome, keyword-matched
// secondary, any secondary, then trial phase or status.
func keyOutcome(trials []model.Trial) string {
	var primaries, secondaries []string
	for _, trial := range trials {
		primaries = append(primaries, trial.PrimaryOutcomes...)
		secondaries = append(secondaries, trial.SecondaryOutcomes...)
	}

	for _, outcome := range primaries {
		if matchesOutcomeKeyword(outcome) {
			return outcome
		}
	}
	if len(primaries) > 0 && primaries[0] != "" {
		return primaries[0]
	}

	for _, outcome := range secondaries {
		if matchesOutcomeKeyword(outcome) {
			return "Secondary: " + outcome
		}
	}
	if len(secondaries) > 0 && secondaries[0] != "" {
		return "Secondary: " + secondaries[0]
	}

	for _, trial := range trials {
		if trial.Phase != "" && trial.Phase != "Not Available" {
			return "Phase " + trial.Phase + " trial"
		}
	}
	for _, trial := range trials {
		if trial.Status != "" {
			return "Status: " + trial.Status
		}
	}

	return "No data"
}

func matchesOutcomeKeyword(outcome string) bool {
	if outcome == "" {
		return false
	}
	lower := strings.ToLower(outcome)
	for _, kw := range outcomeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
