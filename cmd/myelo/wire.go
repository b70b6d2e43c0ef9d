package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/agent"
	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/config"
	"github.com/zulandar/myelo/internal/db"
	"github.com/zulandar/myelo/internal/gateway"
	"github.com/zulandar/myelo/internal/prompt"
	"github.com/zulandar/myelo/internal/tools"
	"github.com/zulandar/myelo/internal/vectorstore"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured checkpoint backend. SQL schemas are
// migrated on open.
func openStore(cfg *config.Config) (checkpoint.Store, error) {
	if cfg.Checkpoint.Backend == "badger" {
		return checkpoint.OpenBadger(checkpoint.BadgerStoreOpts{Dir: cfg.Checkpoint.BadgerDir, Logger: logger})
	}
	gormDB, err := db.Connect(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return checkpoint.NewSQLStore(checkpoint.SQLStoreOpts{DB: gormDB, Logger: logger})
}

// app is every long-lived component built from one config.
type app struct {
	cfg        *config.Config
	store      checkpoint.Store
	registry   *tools.Registry
	vectors    *vectorstore.Store
	prompt     *prompt.Source
	controller *agent.Controller
	closers    []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openVectors opens the table-description store. It needs the Gemini key
// for embeddings.
func openVectors(ctx context.Context, cfg *config.Config) (*vectorstore.Store, error) {
	doc, query, err := vectorstore.GeminiEmbedders(ctx, cfg.Gateway.APIKey, cfg.VectorStore.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	return vectorstore.Open(vectorstore.Opts{
		Path:       cfg.VectorStore.Path,
		Collection: cfg.VectorStore.Collection,
		Compress:   cfg.VectorStore.Compress,
		Embed:      doc,
		EmbedQuery: query,
		Logger:     logger,
	})
}

// buildTools assembles the tool registry. Tools whose backing data is
// unavailable are left out with a warning.
func buildTools(ctx context.Context, a *app) error {
	cfg := a.cfg
	opts := tools.CatalogOpts{
		TopK:      cfg.VectorStore.TopK,
		Artifacts: tools.Artifacts{ResultDir: cfg.Server.ResultDir, GraphDir: cfg.Server.GraphDir},
		CoxOS:     cfg.Data.CoxOS,
		CoxPFS:    cfg.Data.CoxPFS,
		MAD:       cfg.Data.MAD,
		Logger:    logger,
	}

	ann, err := tools.LoadAnnotation(cfg.Data.GeneAnnotation)
	if err != nil {
		logger.Warn("gene tools disabled", zap.Error(err))
	} else {
		opts.Annotation = ann
	}

	if cfg.Research.Driver != "" {
		sqlDB, err := db.OpenResearch(cfg.Research)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sqlDB.Close)
		opts.Research = &tools.Research{DB: sqlDB, Dialect: cfg.Research.Driver}
	} else {
		logger.Warn("research database not configured; SQL tools disabled")
	}

	vs, err := openVectors(ctx, cfg)
	if err != nil {
		logger.Warn("document search disabled", zap.Error(err))
	} else {
		a.vectors = vs
		if vs.Count() == 0 {
			logger.Warn("vector store is empty; run `myelo index`")
		}
		opts.Searcher = vs
	}

	reg, err := tools.Catalog(opts)
	if err != nil {
		return err
	}
	a.registry = reg
	return nil
}

// newApp builds the full stack: store, tools, preamble, gateway and
// controller.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if err := buildTools(ctx, a); err != nil {
		return nil, err
	}

	src, err := prompt.NewSource(prompt.SourceOpts{
		Path: cfg.Prompt.Path,
		Params: prompt.Params{
			Dialect:   cfg.ResearchDialect(),
			ResultDir: cfg.Server.ResultDir,
			GraphDir:  cfg.Server.GraphDir,
			Tools:     a.registry.Names(),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	a.prompt = src

	gw, err := gateway.NewGemini(ctx, gateway.GeminiOpts{
		APIKey:         cfg.Gateway.APIKey,
		Model:          cfg.Gateway.Model,
		Temperature:    cfg.Gateway.Temperature,
		RequestTimeout: cfg.Gateway.RequestTimeoutDuration(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	ctl, err := agent.New(agent.Opts{
		Store:       store,
		Gateway:     gw,
		Tools:       a.registry,
		Prompt:      src,
		Greeting:    cfg.Prompt.Greeting,
		TurnBudget:  cfg.Gateway.TurnBudget,
		InitBudget:  cfg.Gateway.InitBudget,
		InitTimeout: cfg.Gateway.InitTimeoutDuration(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.controller = ctl
	a.closers = append(a.closers, func() error { ctl.Wait(); return nil })

	ok = true
	return a, nil
}
