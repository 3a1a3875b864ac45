package main

import (
	"strings"
	"sync"

	"orrery/internal/calreg"
	"orrery/internal/config"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/publish"
	"orrery/internal/storage"
	"orrery/internal/store"
	"orrery/internal/units"
)

// commandContext lazily loads configuration and opens the shared database so
// commands that never touch state (config init, help) stay cheap.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	storeOnce sync.Once
	store     *store.Store
	storeErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) openStore() (*store.Store, error) {
	c.storeOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.storeErr = err
			return
		}
		c.store, c.storeErr = store.Open(cfg)
	})
	return c.store, c.storeErr
}

func (c *commandContext) close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

func (c *commandContext) unitStore() (*units.Store, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	return units.NewStore(db), nil
}

func (c *commandContext) groupStore() (*groups.Store, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	return groups.NewStore(db), nil
}

func (c *commandContext) recordStore() (*publish.Store, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	return publish.NewStore(db), nil
}

func (c *commandContext) calRegistry() (*calreg.Registry, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	return calreg.NewRegistry(db, logging.NewNop()), nil
}

func (c *commandContext) publishEngine() (*publish.Engine, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	adapter := storage.NewAdapter(cfg, logging.NewNop())
	return publish.NewEngine(db, publish.NewStore(db), adapter, cfg.Publish, logging.NewNop()), nil
}
