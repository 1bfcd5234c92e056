package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/pipeline"
	"github.com/lumen-bio/trialscope/internal/registry"
	"github.com/lumen-bio/trialscope/internal/storage"
	"github.com/lumen-bio/trialscope/pkg/anthropic"
	"github.com/lumen-bio/trialscope/pkg/ctgov"
	"github.com/lumen-bio/trialscope/pkg/marketdata"
)

// env bundles the wired pipeline with the registry the commands query.
type env struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry
	Store    *storage.Store
}

// buildEnv wires every pipeline dependency from config. Remote storage is
// optional: a bucket that cannot be reached leaves Store nil and runs fall
// back to serving artifacts from local disk.
func buildEnv(ctx context.Context) *env {
	ctgovClient := ctgov.NewClient(ctgov.WithBaseURL(cfg.CTGov.BaseURL))
	quotesClient := marketdata.NewClient(cfg.MarketData.BaseURL)

	var aiFactory anthropic.Factory
	if cfg.Anthropic.Key != "" {
		aiFactory = anthropic.NewFactory(cfg.Anthropic.Key)
	}

	store := initStore(ctx)
	reg := registry.New()
	c := cache.New(cfg.Cache.Dir)

	return &env{
		Pipeline: pipeline.New(cfg, ctgovClient, aiFactory, quotesClient, c, store, reg),
		Registry: reg,
		Store:    store,
	}
}

// initStore connects the artifact store, or returns nil when no bucket is
// configured or the bucket is unreachable.
func initStore(ctx context.Context) *storage.Store {
	if cfg.Storage.Bucket == "" {
		zap.L().Info("no storage bucket configured, artifacts stay on local disk")
		return nil
	}

	bucket, err := storage.NewGCSBucket(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile)
	if err != nil {
		zap.L().Warn("storage bucket unavailable, artifacts stay on local disk",
			zap.String("bucket", cfg.Storage.Bucket),
			zap.Error(err))
		return nil
	}

	return storage.New(bucket, storage.Options{
		MakePublic:    cfg.Storage.MakePublic,
		SignedURLDays: cfg.Storage.SignedURLDays,
	})
}
