// Package app wires storage, providers and the dispatch orchestrator from a
// loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/sessioncore/internal/config"
	"github.com/opencode-ai/sessioncore/internal/dispatch"
	"github.com/opencode-ai/sessioncore/internal/editing"
	"github.com/opencode-ai/sessioncore/internal/event"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/provider"
	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/internal/sessionstore"
	"github.com/opencode-ai/sessioncore/internal/storage"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// NoProviderMessage is the error answer given when no model is configured.
const NoProviderMessage = "no model provider is configured"

// App is the wired set of components behind the server and the CLI.
type App struct {
	Config       *types.Config
	Bus          *event.Bus
	Backend      storage.Backend
	Store        *sessionstore.Store
	Providers    *provider.Registry
	Utility      *provider.Utility // nil without a provider
	Orchestrator *dispatch.Orchestrator
}

// OpenStore opens the configured backend and the session store over it.
// bus may be nil.
func OpenStore(cfg *types.Config, bus *event.Bus) (storage.Backend, *sessionstore.Store, error) {
	settings, err := config.StorageSettings(cfg)
	if err != nil {
		return nil, nil, err
	}

	var backend storage.Backend
	switch settings.Backend {
	case config.BackendSQLite:
		backend, err = storage.NewSQLiteBackend(settings.Path)
	default:
		backend, err = storage.NewFileBackend(settings.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage at %s: %w", settings.Backend, settings.Path, err)
	}

	var opts []sessionstore.Option
	if settings.Retention > 0 {
		opts = append(opts, sessionstore.WithRetention(settings.Retention))
	}
	if bus != nil {
		opts = append(opts, sessionstore.WithBus(bus))
	}
	return backend, sessionstore.New(backend, opts...), nil
}

// New wires an App. Providers that fail to initialize are logged; without a
// chat provider every request is answered with an error.
func New(ctx context.Context, cfg *types.Config) (*App, error) {
	log := logging.Component("app")
	if cfg == nil {
		cfg = &types.Config{}
	}
	a := &App{Config: cfg, Bus: event.NewBus()}

	backend, store, err := OpenStore(cfg, a.Bus)
	if err != nil {
		a.Bus.Close()
		return nil, err
	}
	a.Backend, a.Store = backend, store

	a.Providers, err = provider.InitializeProviders(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize some providers")
	}

	var agent dispatch.Agent = unconfiguredAgent()
	if p, err := a.Providers.Default(); err == nil {
		var agentOpts []provider.AgentOption
		if pc, ok := cfg.Provider[p.ID()]; ok && pc.MaxTokens > 0 {
			agentOpts = append(agentOpts, provider.WithMaxTokens(pc.MaxTokens))
		}
		agent = provider.NewAgent(p, agentOpts...)
	} else {
		log.Warn().Msg(NoProviderMessage)
	}

	opts := []dispatch.Option{
		dispatch.WithStore(store),
		dispatch.WithEditing(editing.NewCoordinator()),
	}
	if small, err := a.Providers.Small(); err == nil {
		a.Utility = provider.NewUtility(small)
		opts = append(opts, dispatch.WithFollowups(a.Utility), dispatch.WithTitleGenerator(a.Utility))
	}

	a.Orchestrator = dispatch.New(session.NewRegistry(a.Bus), agent, opts...)
	return a, nil
}

func unconfiguredAgent() dispatch.Agent {
	return dispatch.AgentFunc(func(ctx context.Context, req dispatch.Request, progress func([]types.Fragment), history []dispatch.HistoryTurn) (*types.Result, error) {
		return &types.Result{ErrorDetails: &types.ErrorDetails{Message: NoProviderMessage, Code: "unconfigured"}}, nil
	})
}

// Close saves the live sessions and releases everything in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Orchestrator.SaveState(ctx); err != nil && !errors.Is(err, dispatch.ErrNoStore) {
		errs = append(errs, fmt.Errorf("save sessions: %w", err))
	}
	a.Orchestrator.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
