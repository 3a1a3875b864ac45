package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"orrery/internal/calreg"
	"orrery/internal/config"
	"orrery/internal/daemon"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/pipeline"
	"orrery/internal/pipeline/execcmd"
	"orrery/internal/publish"
	"orrery/internal/storage"
	"orrery/internal/store"
	"orrery/internal/units"
	"orrery/internal/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	db, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return
	}

	unitStore := units.NewStore(db)
	groupStore := groups.NewStore(db)
	detector := units.NewDetector(db, unitStore, groupStore, cfg.Grouping, logger)
	calRegistry := calreg.NewRegistry(db, logger)
	records := publish.NewStore(db)
	adapter := storage.NewAdapter(cfg, logger)

	registry := pipeline.NewRegistry()
	if err := execcmd.FromConfig(registry, cfg.Pipeline.StageCommands, logger); err != nil {
		logger.Error("register stage commands", logging.Error(err))
		return
	}

	machine := pipeline.NewMachine(db, groupStore, registry, calRegistry, records, adapter, cfg.Pipeline, logger)
	engine := publish.NewEngine(db, records, adapter, cfg.Publish, logger)
	manager := workflow.NewManager(cfg, db, unitStore, groupStore, detector, machine, engine, logger)

	d, err := daemon.New(cfg, db, logger, manager)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("orreryd shutting down")
}
