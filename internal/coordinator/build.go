package coordinator

import (
	"fmt"

	"github.com/nholik/exposure-sentinel/internal/config"
	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/nholik/exposure-sentinel/internal/notify"
	"github.com/nholik/exposure-sentinel/internal/state"
	"github.com/rs/zerolog"
)

// Build assembles the production collaborators described by cfg. The
// returned close func releases the state backend.
func Build(logger zerolog.Logger, cfg config.Config) (Deps, func() error, error) {
	noop := func() error { return nil }

	store, closeStore, err := openStore(logger, cfg)
	if err != nil {
		return Deps{}, noop, err
	}

	keys, err := keyserver.NewClient(cfg.KeyServerURL, cfg.RequestTimeout,
		keyserver.WithDownloadDir(cfg.DownloadDir),
		keyserver.WithLogger(logger.With().Str("component", "keyserver").Logger()),
	)
	if err != nil {
		_ = closeStore()
		return Deps{}, noop, fmt.Errorf("create key server client: %w", err)
	}

	capability, err := engine.ParsePlatform(cfg.EnginePlatform)
	if err != nil {
		_ = closeStore()
		return Deps{}, noop, err
	}

	notifiers, err := buildNotifiers(logger, cfg)
	if err != nil {
		_ = closeStore()
		return Deps{}, noop, err
	}

	deps := Deps{
		Store:     state.NewLocal(store, logger.With().Str("component", "state").Logger()),
		Keys:      keys,
		Engine:    engine.NewSimulated(capability),
		Notifiers: notifiers,
	}
	return deps, closeStore, nil
}

func openStore(logger zerolog.Logger, cfg config.Config) (state.Store, func() error, error) {
	storeLogger := logger.With().Str("component", "store").Str("backend", cfg.StateBackend).Logger()
	switch cfg.StateBackend {
	case config.BackendSQLite:
		db, err := state.OpenSQLiteStore(cfg.StatePath, storeLogger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.BackendFile, "":
		return state.NewFileStore(cfg.StatePath, storeLogger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func buildNotifiers(logger zerolog.Logger, cfg config.Config) ([]notify.Notifier, error) {
	notifyLogger := logger.With().Str("component", "notify").Logger()

	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(notifyLogger, cfg.SlackWebhookURL))
	}
	webhook, err := notify.NewWebhookNotifier(notifyLogger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, fmt.Errorf("create webhook notifier: %w", err)
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	if cfg.DryRun {
		inner := notify.NewMultiNotifier(notifiers...)
		return []notify.Notifier{notify.NewDryRunNotifier(notifyLogger, inner)}, nil
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewNoop(notifyLogger, "no notification channels configured"))
	}
	return notifiers, nil
}
