package main

import (
	"fmt"
	"log/slog"

	"github.com/warp/referral-engine/config"
	"github.com/warp/referral-engine/logging"
	"github.com/warp/referral-engine/notify"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/postgres"
	"github.com/warp/referral-engine/store/sqlite"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      referral.Store
	notifier   referral.Notifier
	engine     *referral.Engine
	registrar  *referral.Registrar
	dispatcher *referral.Dispatcher
	close      func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = dbPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	var notifier referral.Notifier
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.APIURL)
		if err != nil {
			closeStore()
			return nil, err
		}
		notifier = tg
	} else {
		logger.Warn("BOT_TOKEN not set, messages are logged instead of sent")
		notifier = notify.NewLogger(logger)
	}

	engineCfg := cfg.EngineConfig()
	engine := referral.NewEngine(st, notifier, engineCfg, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		notifier:   notifier,
		engine:     engine,
		registrar:  referral.NewRegistrar(st, engineCfg, logger),
		dispatcher: referral.NewDispatcher(engine, logger),
		close: func() error {
			engine.Wait()
			return closeStore()
		},
	}, nil
}

func openStore(cfg config.StoreConfig) (referral.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
