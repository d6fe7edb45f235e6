package manager

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
	"pluginbridge/pkg/rules"
)

// Workers starts and stops plugin worker processes
type Workers interface {
	EnsureStarted(ctx context.Context, p *plugins.Plugin) (*plugins.Ports, error)
	Stop(p *plugins.Plugin) error
	Shutdown(ctx context.Context) error
}

type Config struct {
	// Engine is the proxy's own rule base, used for the next-rule lookahead
	Engine engine.Engine
	// Appender receives the always-on rules of enabled plugins
	Appender engine.Appender
	// NewRuleSet builds the per-request rule set from merged contributions
	NewRuleSet engine.RuleSetFactory
	// Script evaluates inline response scripts, optional
	Script engine.ScriptRunner

	Host   string
	Client *http.Client
	Debug  bool
}

// Manager selects the plugins of a request, collects their rules and merges them
type Manager struct {
	registry *plugins.Registry
	workers  Workers
	fetcher  *rules.Fetcher
	cfg      Config
}

func New(registry *plugins.Registry, workers Workers, fetcher *rules.Fetcher, cfg Config) *Manager {
	if cfg.NewRuleSet == nil {
		cfg.NewRuleSet = engine.NewSimpleRuleSet
	}

	if cfg.Host == "" {
		cfg.Host = protocol.Localhost
	}

	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	m := &Manager{
		registry: registry,
		workers:  workers,
		fetcher:  fetcher,
		cfg:      cfg,
	}

	registry.Subscribe(m.handleEvent)

	return m
}

func (m *Manager) Registry() *plugins.Registry {
	return m.registry
}

func (m *Manager) handleEvent(event plugins.Event) {
	switch event.Type {
	case plugins.EventInstall:
		if m.cfg.Debug {
			for _, p := range event.Plugins {
				log.Debug().Msgf("manager: installed %s", p)
			}
		}
	case plugins.EventUpdate:
		for name, p := range event.Plugins {
			if m.cfg.Debug {
				log.Debug().Msgf("manager: updated %s", p)
			}

			if prev, ok := event.Previous[name]; ok {
				m.retire(prev)
			}
		}
	case plugins.EventUninstall:
		for _, p := range event.Plugins {
			if m.cfg.Debug {
				log.Debug().Msgf("manager: uninstalled %s", p)
			}

			m.retire(p)
		}
	case plugins.EventUpdateRules:
		m.updateRules()
	}
}

// retire drops the cached rules of p and stops its worker in the background
func (m *Manager) retire(p *plugins.Plugin) {
	m.fetcher.Invalidate(p.ModuleName)

	go func() {
		if err := m.workers.Stop(p); err != nil {
			log.Warn().Err(err).Msgf("manager: failed to stop worker of %s", p.Name)
		}
	}()
}

// updateRules rebuilds the always-on rules, later modified plugins last
func (m *Manager) updateRules() {
	if m.cfg.Appender == nil {
		return
	}

	m.cfg.Appender.ClearAppend()
	for _, p := range m.registry.Enabled() {
		if p.Rules != "" {
			m.cfg.Appender.Append(p.Rules, p.Path)
		}
	}
}

// loadPorts starts the workers of sel in parallel, ports[i] is nil when sel[i] failed to start
func (m *Manager) loadPorts(ctx context.Context, sel []Selected) []*plugins.Ports {
	ports := make([]*plugins.Ports, len(sel))

	var g errgroup.Group
	for i, s := range sel {
		i, s := i, s
		g.Go(func() error {
			p, err := m.workers.EnsureStarted(ctx, s.Plugin)
			if err != nil {
				log.Warn().Err(err).Msgf("manager: plugin %s unavailable", s.Plugin.Name)
				return nil
			}

			ports[i] = p
			return nil
		})
	}
	_ = g.Wait()

	return ports
}

// Start runs the registry refresh loop
func (m *Manager) Start() {
	m.registry.Run()
}

// Stop ends the refresh loop and every worker
func (m *Manager) Stop(ctx context.Context) error {
	var result *multierror.Error

	if err := m.registry.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := m.workers.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return xerrors.Errorf("manager stop failure: %w", err)
	}

	return nil
}
