// Package app assembles the session core from a config file.
package app

import (
	"fmt"
	"log/slog"

	"github.com/lachlan2k/busline/internal/accesscontrol"
	"github.com/lachlan2k/busline/internal/backend"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/credstore"
	"github.com/lachlan2k/busline/internal/identity"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/session"
)

type App struct {
	Conf     *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    *credstore.Store
	Provider identity.Provider
	Client   backend.Client
	Session  *session.Machine
}

// OpenStore opens the credential store named by storage.type.
func OpenStore(conf *config.Config, logger *slog.Logger) (*credstore.Store, error) {
	switch conf.Storage.Type {
	case "memory":
		return credstore.NewMemoryStore(), nil
	case "sqlite":
		return credstore.OpenSQLiteStore(conf.Storage.Path)
	case "file":
		if conf.Storage.IdentityFile == "" {
			return credstore.OpenFileStore(conf.Storage.Path, nil, logger)
		}
		key, err := credstore.LoadIdentity(conf.Storage.IdentityFile)
		if err != nil {
			return nil, err
		}
		return credstore.OpenFileStore(conf.Storage.Path, key, logger)
	}
	return nil, fmt.Errorf("invalid storage type supplied (%s)", conf.Storage.Type)
}

// New wires every component. conf must already be validated.
func New(conf *config.Config, logger *slog.Logger, open identity.URLOpener) (*App, error) {
	logger = logging.Discard(logger)
	m := metrics.New()

	store, err := OpenStore(conf, logger)
	if err != nil {
		return nil, fmt.Errorf("couldn't open credential store: %w", err)
	}

	provider, err := identity.FromConfig(conf, open, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	client, err := backend.FromConfig(conf, m, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := accesscontrol.FromConfig(conf)
	machine := session.New(store, provider, client, policy, m, logger)

	logger.Debug("session core ready",
		"backend_mode", conf.Backend.Mode,
		"identity_provider", conf.Identity.Provider,
		"storage", conf.Storage.Type,
		"storage_path", conf.Storage.Path,
		"encrypted", conf.Storage.IdentityFile != "",
		"authorized_roles", policy.Roles(),
	)

	return &App{
		Conf:     conf,
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Provider: provider,
		Client:   client,
		Session:  machine,
	}, nil
}

func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
