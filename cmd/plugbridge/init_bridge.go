package main

import (
	"fmt"
	"log/slog"

	"plugbridge/internal/adapter/store"
	"plugbridge/internal/adapter/transport"
	"plugbridge/internal/infra/config"
	"plugbridge/internal/infra/logger"
	"plugbridge/internal/plugin"
	"plugbridge/internal/security"
	"plugbridge/internal/usecase/eventbus"
	"plugbridge/internal/usecase/router"
)

// Bridge holds the wired components of a running plugin bridge.
type Bridge struct {
	Store     *store.SQLiteStore
	Encryptor *security.WorkspaceEncryptor // nil when no encryption key is configured
	Keyring   *security.StoreKeyring       // nil without an encryptor
	Transport *transport.Server
	Router    *router.Router
	Bus       *eventbus.Bus
	Registry  *plugin.Registry
	Manager   *plugin.Manager
}

// initSecurity opens the workspace encryptor and the store-backed keyring.
// Both are nil when no encryption key is configured.
func initSecurity(cfg *config.Config, st *store.SQLiteStore, log *slog.Logger) (*security.WorkspaceEncryptor, *security.StoreKeyring, error) {
	if cfg.Security.EncryptionKey == "" {
		log.Warn("no encryption key configured, secure() and keyring() are disabled")
		return nil, nil, nil
	}
	enc, err := security.NewWorkspaceEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: %w", err)
	}
	return enc, security.NewStoreKeyring(st, enc), nil
}

// initBridge wires every component. The returned cleanup releases them in
// reverse order; it does not stop a started manager.
func initBridge(cfg *config.Config, log *slog.Logger) (*Bridge, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	cleanups = append(cleanups, func() { st.Close() })

	enc, keyring, err := initSecurity(cfg, st, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if enc != nil {
		cleanups = append(cleanups, enc.Zeroize)
	}

	// Typed nils must not reach the interfaces.
	secure := security.NewSecureFunctions(nil, nil, logger.Component(log, "secure"))
	if enc != nil {
		secure = security.NewSecureFunctions(enc, keyring, logger.Component(log, "secure"))
	}

	bus := eventbus.New(logger.Component(log, "eventbus"))
	cleanups = append(cleanups, bus.Close)

	srv := transport.NewServer(cfg.Runtime.BindAddr, logger.Component(log, "transport"))
	r := router.New(srv, bus, logger.Component(log, "router"))
	reg := plugin.NewRegistry(cfg.Plugins.RegistryURL, cfg.Plugins.RegistryToken, cfg.Plugins.RegistryTimeout,
		logger.Component(log, "registry"))

	m := plugin.NewManager(cfg.Runtime, cfg.Plugins, plugin.ManagerDeps{
		Store:     st,
		Transport: srv,
		Router:    r,
		Registry:  reg,
		Secure:    secure,
		Bus:       bus,
		Logger:    logger.Component(log, "plugins"),
	})

	return &Bridge{
		Store:     st,
		Encryptor: enc,
		Keyring:   keyring,
		Transport: srv,
		Router:    r,
		Bus:       bus,
		Registry:  reg,
		Manager:   m,
	}, cleanup, nil
}
