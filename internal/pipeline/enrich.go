package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/pkg/anthropic"
)

const enrichCacheTTLDays = 30

const enrichSystemPrompt = "You are a helpful assistant with expertise in pharmacology and drug discovery."

const enrichUserPrompt = `I need information about the drug or intervention %q.
Please determine:
1. The modality (e.g., small molecule, monoclonal antibody, peptide, gene therapy, etc.)
2. The primary biological target (e.g., receptor, enzyme, protein, etc.)

Format your response as a JSON object with the following structure:
{
    "modality": "determined modality",
    "target": "determined target",
    "confidence": "high/medium/low"
}

If you're unsure, use "unknown" for the value and "low" for confidence.`

// EnrichOptions configures the enrichment stage.
type EnrichOptions struct {
	UseRemote    bool
	Workers      int
	Model        string
	MaxTokens    int
	CacheTTLDays int
}

// EnrichInterventions classifies each unique drug name with a modality and
// biological target. Remote inference runs on a bounded worker pool; each
// worker builds its own client from the factory. Results arrive in
// completion order, not input order. A failed task becomes an entry with
// an error provenance rather than failing the batch.
func EnrichInterventions(ctx context.Context, names []string, factory anthropic.Factory, c *cache.Cache, opts EnrichOptions) []model.EnrichedIntervention {
	if len(names) == 0 {
		return nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 5
	}
	ttl := float64(opts.CacheTTLDays)
	if ttl <= 0 {
		ttl = enrichCacheTTLDays
	}

	zap.L().Info("enrich: starting",
		zap.Int("interventions", len(names)),
		zap.Bool("remote", opts.UseRemote),
		zap.Int("workers", workers))

	// Sequential path when remote inference is off or there is nothing to
	// parallelize.
	if !opts.UseRemote || len(names) == 1 {
		var client anthropic.Client
		if opts.UseRemote && factory != nil {
			client = factory()
		}
		var total anthropic.TokenUsage
		results := make([]model.EnrichedIntervention, 0, len(names))
		for _, name := range names {
			enriched, usage := enrichOne(ctx, name, client, c, opts, ttl)
			total.Add(usage)
			results = append(results, enriched)
		}
		if opts.UseRemote {
			total.LogUsage(opts.Model, "enrich")
		}
		return results
	}

	var mu sync.Mutex
	var total anthropic.TokenUsage
	results := make([]model.EnrichedIntervention, 0, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, name := range names {
		g.Go(func() error {
			var client anthropic.Client
			if factory != nil {
				client = factory()
			}
			enriched, usage := enrichOne(gctx, name, client, c, opts, ttl)
			mu.Lock()
			results = append(results, enriched)
			total.Add(usage)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // task failures are folded into error provenances

	total.LogUsage(opts.Model, "enrich")
	zap.L().Info("enrich: complete", zap.Int("enriched", len(results)))
	return results
}

// enrichOne classifies a single drug name: cache, then remote inference
// with heuristic fallback, then heuristic alone. The returned usage covers
// any remote call made for this name.
func enrichOne(ctx context.Context, name string, client anthropic.Client, c *cache.Cache, opts EnrichOptions, ttl float64) (model.EnrichedIntervention, anthropic.TokenUsage) {
	var usage anthropic.TokenUsage

	key := cache.Key("enrich_intervention", map[string]any{
		"name": strings.ToLower(name),
	})
	if cached, ok := cache.GetAs[model.EnrichedIntervention](c, key); ok {
		cached.Name = name
		return cached, usage
	}

	// A cancelled task still yields an entry so callers always get one
	// result per input name.
	if err := ctx.Err(); err != nil {
		return model.EnrichedIntervention{
			Name:       name,
			Modality:   "unknown",
			Target:     "unknown",
			Provenance: model.ErrorProvenance(err.Error()),
		}, usage
	}

	enriched := model.EnrichedIntervention{
		Name:       name,
		Modality:   "unknown",
		Target:     "unknown",
		Provenance: model.ProvenanceHeuristic,
	}

	if opts.UseRemote && client != nil {
		remote, remoteUsage, err := queryDrugInfo(ctx, client, name, opts)
		usage = remoteUsage
		switch {
		case err != nil:
			zap.L().Warn("enrich: remote inference failed, using heuristic",
				zap.String("name", name),
				zap.Error(err))
			enriched.Modality = InferModality(name)
		case remote.Modality == "" || remote.Modality == "unknown":
			enriched.Modality = InferModality(name)
		default:
			enriched.Modality = remote.Modality
			enriched.Target = remote.Target
			enriched.Confidence = remote.Confidence
			enriched.Provenance = model.ProvenanceRemote

			// A low-confidence remote answer yields to a disagreeing
			// non-trivial heuristic.
			if remote.Confidence == "low" {
				if h := InferModality(name); h != "unknown" && h != remote.Modality {
					enriched.Modality = h
					enriched.Provenance = model.ProvenanceOverride
				}
			}
		}
	} else {
		enriched.Modality = InferModality(name)
	}

	// Heuristic-only results are cached too; a fixed name's classification
	// is not time-sensitive.
	if err := c.Put(key, enriched, ttl); err != nil {
		zap.L().Warn("enrich: cache write failed", zap.String("name", name), zap.Error(err))
	}

	return enriched, usage
}

// drugInfo is the structured reply expected inside the model's free text.
type drugInfo struct {
	Modality   string `json:"modality"`
	Target     string `json:"target"`
	Confidence string `json:"confidence"`
}

func queryDrugInfo(ctx context.Context, client anthropic.Client, name string, opts EnrichOptions) (*drugInfo, anthropic.TokenUsage, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 300
	}

	resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     opts.Model,
		MaxTokens: maxTokens,
		System:    enrichSystemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(enrichUserPrompt, name)},
		},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, err
	}

	raw, ok := extractJSONObject(resp.Text())
	if !ok {
		return nil, resp.Usage, fmt.Errorf("no JSON object in response")
	}

	var info drugInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, resp.Usage, err
	}
	if info.Modality == "" {
		info.Modality = "unknown"
	}
	if info.Target == "" {
		info.Target = "unknown"
	}
	if info.Confidence == "" {
		info.Confidence = "low"
	}
	return &info, resp.Usage, nil
}

// extractJSONObject returns the first balanced {...} span in text.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
