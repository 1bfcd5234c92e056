package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/config"
	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/internal/registry"
	"github.com/lumen-bio/trialscope/internal/storage"
	"github.com/lumen-bio/trialscope/pkg/anthropic"
	"github.com/lumen-bio/trialscope/pkg/ctgov"
	"github.com/lumen-bio/trialscope/pkg/marketdata"
)

// Pipeline sequences the acquisition, enrichment, analysis and persistence
// stages for one run at a time.
type Pipeline struct {
	cfg      *config.Config
	ctgov    ctgov.Client
	ai       anthropic.Factory
	quotes   marketdata.Client
	cache    *cache.Cache
	store    *storage.Store // nil when remote storage is unavailable
	registry *registry.Registry
}

// New creates a Pipeline with all dependencies. store may be nil.
func New(
	cfg *config.Config,
	ctgovClient ctgov.Client,
	aiFactory anthropic.Factory,
	quotesClient marketdata.Client,
	c *cache.Cache,
	store *storage.Store,
	reg *registry.Registry,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		ctgov:    ctgovClient,
		ai:       aiFactory,
		quotes:   quotesClient,
		cache:    c,
		store:    store,
		registry: reg,
	}
}

// NewRunID generates a run identifier of the form
// run_20060102_150405_xxxxxxxx.
func NewRunID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run_%s_%s", time.Now().Format("20060102_150405"), short)
}

// Run executes the full pipeline for params under the given run ID. The
// run must already be registered; Run moves it to a terminal state before
// returning. The summary is returned on success for direct CLI use.
func (p *Pipeline) Run(ctx context.Context, runID string, params model.RunParams) (*Summary, error) {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("condition", params.Condition),
	)
	log.Info("pipeline: starting run")

	outputDir := filepath.Join(p.cfg.Pipeline.OutputDir, runID)

	fail := func(err error) (*Summary, error) {
		p.registry.Complete(runID, model.RunStatusError, err.Error())
		log.Error("pipeline: run failed", zap.Error(err))
		return nil, err
	}

	// Stage tracking helper: times the stage and records the timing on the
	// run record.
	stageIndex := 0
	trackStage := func(name string, percent int, fn func() error) error {
		stageIndex++
		p.registry.SetProgress(runID, stageIndex, name, percent)

		start := time.Now()
		err := fn()
		duration := time.Since(start).Milliseconds()

		timing := model.StageTiming{Name: name, DurationMS: duration}
		if err != nil {
			timing.Err = err.Error()
		}
		p.registry.Update(runID, func(rec *model.RunRecord) {
			rec.Timings = append(rec.Timings, timing)
		})

		if err != nil {
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", duration),
				zap.Error(err))
		} else {
			log.Info("pipeline: stage complete",
				zap.String("stage", name),
				zap.Int64("duration_ms", duration))
		}
		return err
	}

	if err := EnsureOutputDirs(outputDir); err != nil {
		return fail(err)
	}

	// ===== Fetch =====
	var fetched *FetchResult
	_ = trackStage("fetch", 10, func() error {
		fetched = FetchTrials(ctx, p.ctgov, p.cache, FetchOptions{
			Condition:      params.Condition,
			IndustryOnly:   params.IndustryOnly,
			Interventional: true,
			YearsBack:      params.YearsBack,
			MaxResults:     params.MaxTrials,
			PageSize:       p.cfg.CTGov.PageSize,
			RatePerSecond:  p.cfg.CTGov.RatePerSecond,
			CacheTTLDays:   p.cfg.Cache.FetchTTLDays,
		})
		return nil
	})

	if len(fetched.Studies) == 0 {
		if fetched.TotalCount > 0 {
			return fail(eris.Errorf("pipeline: all %d matching studies were filtered out", fetched.TotalCount))
		}
		return fail(eris.New("pipeline: no trials found"))
	}

	// ===== Extract =====
	var trials []model.Trial
	var entities []string
	_ = trackStage("extract", 25, func() error {
		trials = ExtractTrials(fetched.Studies)
		entities = UniqueInterventions(trials)
		return nil
	})
	if len(trials) == 0 {
		return fail(eris.New("pipeline: no trials survived extraction"))
	}

	// ===== Enrich =====
	var enriched []model.EnrichedIntervention
	_ = trackStage("enrich", 50, func() error {
		enriched = EnrichInterventions(ctx, entities, p.ai, p.cache, EnrichOptions{
			UseRemote:    params.UseRemote,
			Workers:      p.cfg.Pipeline.EnrichWorkers,
			Model:        p.cfg.Anthropic.Model,
			MaxTokens:    p.cfg.Anthropic.MaxTokens,
			CacheTTLDays: p.cfg.Cache.EnrichTTLDays,
		})
		return nil
	})

	// ===== Financial analysis =====
	var analyses []CompanyAnalysis
	var landscape []CompetitiveSpace
	if params.SkipFinancial {
		log.Info("pipeline: financial analysis skipped")
	} else {
		_ = trackStage("financial", 70, func() error {
			var aiClient anthropic.Client
			if params.UseRemote && p.ai != nil {
				aiClient = p.ai()
			}
			analyses = AnalyzeCompanies(ctx, enriched, aiClient, p.quotes, p.cache, FinanceOptions{
				UseRemote:      params.UseRemote,
				Model:          p.cfg.Anthropic.Model,
				Workers:        p.cfg.Pipeline.FinanceWorkers,
				QuoteTTLDays:   p.cfg.Cache.QuoteTTLDays,
				CompanyTTLDays: p.cfg.Cache.FinanceTTLDays,
			})
			landscape = AnalyzeCompetitiveLandscape(trials, analyses)
			return nil
		})
	}

	// ===== Insights =====
	var insights Insights
	_ = trackStage("insights", 80, func() error {
		insights = GenerateInsights(trials, enriched)
		return nil
	})

	// ===== Persist =====
	summary := BuildSummary(trials, enriched, &insights, analyses, landscape)
	var written []string
	err := trackStage("persist", 90, func() error {
		for _, save := range []func() (string, error){
			func() (string, error) { return SaveTrialsCSV(outputDir, trials) },
			func() (string, error) { return SaveInterventionsCSV(outputDir, enriched) },
			func() (string, error) { return SaveSummary(outputDir, summary) },
			func() (string, error) { return SaveReport(outputDir, summary) },
		} {
			path, err := save()
			if err != nil {
				return err
			}
			written = append(written, path)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if len(written) == 0 {
		return fail(eris.New("pipeline: no output files produced"))
	}

	// ===== Upload =====
	// Upload failure is a side annotation, never a run failure: results
	// must stay reachable from local disk when remote storage is down.
	_ = trackStage("upload", 95, func() error {
		files := p.store.UploadAll(ctx, runID, outputDir)
		p.registry.Update(runID, func(rec *model.RunRecord) {
			for key, url := range files {
				rec.Files[key] = url
			}
			if p.store != nil && len(files) < len(written) {
				rec.StorageError = fmt.Sprintf("uploaded %d of %d files", len(files), len(written))
			}
			if p.store == nil {
				rec.StorageError = "remote storage unavailable, files served from local disk"
			}
		})
		return nil
	})

	p.registry.SetProgress(runID, stageIndex+1, "complete", 100)
	p.registry.Complete(runID, model.RunStatusCompleted, "")
	log.Info("pipeline: run complete",
		zap.Int("trials", len(trials)),
		zap.Int("interventions", len(enriched)))

	return summary, nil
}
