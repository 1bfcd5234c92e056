package pipeline

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/pkg/anthropic"
)

// fakeAnthropic answers every CreateMessage with a fixed body or error.
type fakeAnthropic struct {
	reply string
	usage anthropic.TokenUsage
	err   error
	calls atomic.Int64
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.reply}},
		Usage:   f.usage,
	}, nil
}

func fakeFactory(f *fakeAnthropic) anthropic.Factory {
	return func() anthropic.Client { return f }
}

func findEnriched(t *testing.T, results []model.EnrichedIntervention, name string) model.EnrichedIntervention {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result for %q", name)
	return model.EnrichedIntervention{}
}

func TestEnrichInterventionsHeuristicOnly(t *testing.T) {
	names := []string{"Evolocumab", "Atorvastatin tablet", "CAR-T cell infusion"}

	results := EnrichInterventions(context.Background(), names, nil, cache.New(t.TempDir()), EnrichOptions{})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, model.ProvenanceHeuristic, r.Provenance)
		assert.Equal(t, "unknown", r.Target, "heuristic path never infers a target")
	}
	assert.Equal(t, "monoclonal antibody", findEnriched(t, results, "Evolocumab").Modality)
	assert.Equal(t, "cell therapy", findEnriched(t, results, "CAR-T cell infusion").Modality)
}

func TestEnrichInterventionsRemoteSuccess(t *testing.T) {
	fake := &fakeAnthropic{
		reply: `Here is the classification:
{"modality": "monoclonal antibody", "target": "PCSK9", "confidence": "high"}`,
	}

	results := EnrichInterventions(context.Background(), []string{"Evolocumab", "Alirocumab"},
		fakeFactory(fake), cache.New(t.TempDir()), EnrichOptions{UseRemote: true, Workers: 2})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.ProvenanceRemote, r.Provenance)
		assert.Equal(t, "monoclonal antibody", r.Modality)
		assert.Equal(t, "PCSK9", r.Target)
		assert.Equal(t, "high", r.Confidence)
	}
	assert.Equal(t, int64(2), fake.calls.Load())
}

func TestEnrichInterventionsLogsAggregatedTokenUsage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	fake := &fakeAnthropic{
		reply: `{"modality": "monoclonal antibody", "target": "PCSK9", "confidence": "high"}`,
		usage: anthropic.TokenUsage{InputTokens: 40, OutputTokens: 12},
	}

	EnrichInterventions(context.Background(), []string{"Evolocumab", "Alirocumab"},
		fakeFactory(fake), cache.New(t.TempDir()),
		EnrichOptions{UseRemote: true, Workers: 2, Model: "claude-test"})

	entries := logs.FilterMessage("token usage").All()
	require.Len(t, entries, 1, "one aggregated usage entry per batch")
	fields := entries[0].ContextMap()
	assert.Equal(t, "claude-test", fields["model"])
	assert.Equal(t, "enrich", fields["phase"])
	assert.Equal(t, int64(80), fields["input_tokens"], "usage summed across both remote calls")
	assert.Equal(t, int64(24), fields["output_tokens"])
}

func TestEnrichInterventionsCachedBatchReportsZeroUsage(t *testing.T) {
	c := cache.New(t.TempDir())
	fake := &fakeAnthropic{
		reply: `{"modality": "peptide", "target": "GLP-1 receptor", "confidence": "high"}`,
		usage: anthropic.TokenUsage{InputTokens: 25, OutputTokens: 9},
	}
	opts := EnrichOptions{UseRemote: true, Model: "claude-test"}

	EnrichInterventions(context.Background(), []string{"Semaglutide"}, fakeFactory(fake), c, opts)

	core, logs := observer.New(zap.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	EnrichInterventions(context.Background(), []string{"Semaglutide"}, fakeFactory(fake), c, opts)

	entries := logs.FilterMessage("token usage").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(0), fields["input_tokens"], "cache hits consume no tokens")
	assert.Equal(t, int64(0), fields["output_tokens"])
}

func TestEnrichInterventionsLowConfidenceOverride(t *testing.T) {
	// The remote answer disagrees with the suffix heuristic and admits low
	// confidence; the heuristic result wins and the provenance records it.
	fake := &fakeAnthropic{
		reply: `{"modality": "small molecule", "target": "PCSK9", "confidence": "low"}`,
	}

	results := EnrichInterventions(context.Background(), []string{"Evolocumab", "Inclisiran sodium"},
		fakeFactory(fake), cache.New(t.TempDir()), EnrichOptions{UseRemote: true, Workers: 2})

	overridden := findEnriched(t, results, "Evolocumab")
	assert.Equal(t, model.ProvenanceOverride, overridden.Provenance)
	assert.Equal(t, "monoclonal antibody", overridden.Modality)
	assert.Equal(t, "PCSK9", overridden.Target, "target is kept from the remote answer")

	// The heuristic agrees here ("small molecule"), so no override.
	agreed := findEnriched(t, results, "Inclisiran sodium")
	assert.Equal(t, model.ProvenanceRemote, agreed.Provenance)
	assert.Equal(t, "small molecule", agreed.Modality)
}

func TestEnrichInterventionsRemoteFailureFallsBack(t *testing.T) {
	fake := &fakeAnthropic{err: eris.New("rate limited")}

	results := EnrichInterventions(context.Background(), []string{"Evolocumab", "Aspirin"},
		fakeFactory(fake), cache.New(t.TempDir()), EnrichOptions{UseRemote: true, Workers: 2})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.ProvenanceHeuristic, r.Provenance)
	}
	assert.Equal(t, "monoclonal antibody", findEnriched(t, results, "Evolocumab").Modality)
}

func TestEnrichInterventionsMalformedReplyFallsBack(t *testing.T) {
	fake := &fakeAnthropic{reply: "I cannot help with that."}

	results := EnrichInterventions(context.Background(), []string{"Evolocumab"},
		fakeFactory(fake), cache.New(t.TempDir()), EnrichOptions{UseRemote: true})

	require.Len(t, results, 1)
	assert.Equal(t, model.ProvenanceHeuristic, results[0].Provenance)
	assert.Equal(t, "monoclonal antibody", results[0].Modality)
}

func TestEnrichInterventionsCacheRoundtrip(t *testing.T) {
	fake := &fakeAnthropic{
		reply: `{"modality": "peptide", "target": "GLP-1 receptor", "confidence": "high"}`,
	}
	c := cache.New(t.TempDir())
	opts := EnrichOptions{UseRemote: true}

	first := EnrichInterventions(context.Background(), []string{"Semaglutide"}, fakeFactory(fake), c, opts)
	require.Len(t, first, 1)
	require.Equal(t, int64(1), fake.calls.Load())

	// Case-insensitive key: the upper-cased lookup hits the same entry and
	// keeps the caller's spelling of the name.
	second := EnrichInterventions(context.Background(), []string{"SEMAGLUTIDE"}, fakeFactory(fake), c, opts)
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), fake.calls.Load(), "cached entry must not trigger a remote call")
	assert.Equal(t, "SEMAGLUTIDE", second[0].Name)
	assert.Equal(t, "peptide", second[0].Modality)
	assert.Equal(t, "GLP-1 receptor", second[0].Target)
	assert.Equal(t, model.ProvenanceRemote, second[0].Provenance)
}

func TestEnrichInterventionsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := EnrichInterventions(ctx, []string{"Evolocumab"}, nil, cache.New(t.TempDir()), EnrichOptions{})

	require.Len(t, results, 1)
	assert.Equal(t, model.ErrorProvenance("context canceled"), results[0].Provenance)
	assert.Equal(t, "unknown", results[0].Modality)
}

func TestEnrichInterventionsEmptyInput(t *testing.T) {
	assert.Nil(t, EnrichInterventions(context.Background(), nil, nil, cache.New(t.TempDir()), EnrichOptions{}))
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{"surrounded by prose", `Sure: {"a": 1} — done`, `{"a": 1}`, true},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`, true},
		{"brace inside string", `{"a": "}"}`, `{"a": "}"}`, true},
		{"escaped quote", `{"a": "\"}\""}`, `{"a": "\"}\""}`, true},
		{"unbalanced", `{"a": 1`, "", false},
		{"no object", "nothing here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONObject(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
