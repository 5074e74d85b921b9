package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/kbmigrate/internal/config"
	"github.com/zulandar/kbmigrate/internal/db"
	"github.com/zulandar/kbmigrate/internal/logging"
	"github.com/zulandar/kbmigrate/internal/store"
)

const defaultConfigPath = "config.yaml"

// session bundles what most commands need: the loaded config, a logger
// and an open, migrated state store.
type session struct {
	cfg   *config.Config
	log   *logging.Logger
	store *store.Store
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to kbmigrate config file")
}

// openSession loads configPath and connects to the state store. Log
// output goes to the command's stderr.
func openSession(cmd *cobra.Command, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		log.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	return &session{cfg: cfg, log: log, store: store.New(gormDB)}, nil
}

func (s *session) Close() {
	if sqlDB, err := s.store.DB().DB(); err == nil {
		sqlDB.Close()
	}
	s.log.Close()
}
