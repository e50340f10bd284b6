package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/llm"
	"github.com/dcshock/contentpipe/observer"
	"github.com/dcshock/contentpipe/pipeline"
	"github.com/dcshock/contentpipe/prompts"
	"github.com/dcshock/contentpipe/stages"
)

// BuildOptions replaces parts of the runtime built from an AppConfig, mostly
// for tests and demos.
type BuildOptions struct {
	// Gateway is used instead of an HTTP gateway built from the llm section.
	Gateway llm.Gateway
	// Store is used instead of opening the store section.
	Store observer.Store
	// Loaders register extra stages next to the built-in ones.
	Loaders []pipeline.Loader
	// Observers are notified after the store.
	Observers []pipeline.Observer
	Logger    *slog.Logger
}

// Runtime holds everything needed to run plans: the registry with the
// built-in stages, the LLM gateway, the prompt store and the optional store.
type Runtime struct {
	Config   AppConfig
	Registry *pipeline.Registry
	Gateway  llm.Gateway
	Prompts  prompts.Store
	// Store is nil when store.driver is none.
	Store     observer.Store
	observers []pipeline.Observer
	logger    *slog.Logger
	owned     bool
}

// Build wires a Runtime from cfg. The caller must Close it.
func Build(ctx context.Context, cfg AppConfig, opts *BuildOptions) (*Runtime, error) {
	if opts == nil {
		opts = &BuildOptions{}
	}
	rt := &Runtime{Config: cfg, observers: opts.Observers, logger: opts.Logger}
	if rt.logger == nil {
		rt.logger = logging.New("config")
	}

	rt.Gateway = opts.Gateway
	if rt.Gateway == nil {
		gw, err := NewGateway(cfg.LLM)
		if err != nil {
			return nil, err
		}
		rt.Gateway = gw
	}

	p, err := OpenPrompts(cfg.Prompts)
	if err != nil {
		return nil, err
	}
	rt.Prompts = p

	rt.Store = opts.Store
	if rt.Store == nil {
		st, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		rt.Store, rt.owned = st, st != nil
	}

	deps := stages.Deps{
		Gateway:    rt.Gateway,
		Prompts:    rt.Prompts,
		HTTPClient: &http.Client{Timeout: cfg.Fetch.Timeout.Duration()},
		Logger:     logging.New("stages"),
	}
	if rt.Store != nil {
		deps.Saver = rt.Store
	}
	loaders := append([]pipeline.Loader{stages.Loader(deps)}, opts.Loaders...)
	rt.Registry = pipeline.NewRegistry(loaders...)
	return rt, nil
}

// Scheduler builds a scheduler for plan with the scheduler section applied.
func (rt *Runtime) Scheduler(plan pipeline.Plan) (*pipeline.Scheduler, error) {
	policy, err := pipeline.ParseFailurePolicy(rt.Config.Scheduler.FailurePolicy)
	if err != nil {
		return nil, err
	}
	return pipeline.New(rt.Registry, plan,
		pipeline.WithFailurePolicy(policy),
		pipeline.WithMaxConcurrency(rt.Config.Scheduler.MaxConcurrency),
		pipeline.WithMaxIterations(rt.Config.Scheduler.MaxIterations),
	)
}

// Observer returns the store followed by the extra observers, or nil when
// there are none.
func (rt *Runtime) Observer() pipeline.Observer {
	var list []pipeline.Observer
	if rt.Store != nil {
		list = append(list, rt.Store)
	}
	for _, o := range rt.observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return pipeline.MultiObserver(list...)
}

// Close closes the store if Build opened it.
func (rt *Runtime) Close() error {
	if rt.owned && rt.Store != nil {
		return rt.Store.Close()
	}
	return nil
}

// NewGateway builds an HTTP gateway from the llm section.
func NewGateway(c LLMConfig) (*llm.HTTPGateway, error) {
	backoff := llm.DefaultBackoff()
	if c.MaxAttempts > 0 {
		backoff.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		backoff.Initial = c.InitialBackoff.Duration()
	}
	if c.MaxBackoff > 0 {
		backoff.Cap = c.MaxBackoff.Duration()
	}
	return llm.NewHTTPGateway(llm.Config{
		Endpoint:          c.Endpoint,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Timeout:           c.Timeout.Duration(),
		Backoff:           backoff,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}, llm.WithLogger(logging.New("llm")))
}

// OpenPrompts returns the prompt directory layered over the built-in prompts.
func OpenPrompts(c PromptsConfig) (prompts.Store, error) {
	if c.Dir == "" {
		return prompts.Defaults(), nil
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("config: prompts.dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: prompts.dir %s is not a directory", c.Dir)
	}
	return prompts.Layered{prompts.NewFSStore(os.DirFS(c.Dir)), prompts.Defaults()}, nil
}

// OpenStore opens and migrates the configured store. It returns nil for the
// none driver.
func OpenStore(ctx context.Context, c StoreConfig) (observer.Store, error) {
	switch c.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverSQLite:
		s, err := observer.OpenSQLite(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := observer.OpenPostgres(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.New("config: unknown store driver " + c.Driver)
}
