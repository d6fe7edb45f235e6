package plugins

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/r3labs/diff/v3"
	"github.com/rs/zerolog/log"
	"github.com/tevino/abool"
	"golang.org/x/xerrors"
	"gopkg.in/tomb.v2"

	"pluginbridge/pkg/utils"
)

const DefaultRefreshInterval = 6 * time.Second

type EventType string

const (
	EventInstall     EventType = "install"
	EventUpdate      EventType = "update"
	EventUninstall   EventType = "uninstall"
	EventUpdateRules EventType = "updateRules"
)

// Event is emitted after a refresh swapped the registry snapshot.
// For EventUpdate, Previous holds the replaced entries keyed by name.
type Event struct {
	Type     EventType
	Plugins  map[string]*Plugin
	Previous map[string]*Plugin
}

type Listener func(Event)

var registryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pluginbridge_registry_events_total",
	Help: "Plugin registry events by type",
}, []string{"type"})

// Registry holds the name to Plugin mapping
type Registry struct {
	discoverer Discoverer
	props      Properties
	interval   time.Duration

	lock    *utils.Lock
	running *abool.AtomicBool
	t       tomb.Tomb

	mu        sync.RWMutex
	plugins   map[string]*Plugin
	listeners []Listener
}

func NewRegistry(discoverer Discoverer, props Properties, interval time.Duration) *Registry {
	if props == nil {
		props = NewMemoryProperties(false)
	}

	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	return &Registry{
		discoverer: discoverer,
		props:      props,
		interval:   interval,
		lock:       utils.NewLock(),
		running:    abool.New(),
		plugins:    map[string]*Plugin{},
	}
}

// Subscribe registers l for all future events. Listeners run on the refreshing goroutine.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) Properties() Properties {
	return r.props
}

// Refresh runs one discovery pass, swaps the snapshot and emits the resulting events.
// Concurrent calls are serialized.
func (r *Registry) Refresh(ctx context.Context) error {
	if err := r.lock.LockWithContext(ctx); err != nil {
		return xerrors.Errorf("registry refresh failure: %w", err)
	}
	defer r.lock.UnLock()

	if refresher, ok := r.props.(Refresher); ok {
		if err := refresher.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("registry: properties refresh failed, using previous values")
		}
	}

	found, err := r.discoverer.Discover(ctx)
	if found == nil {
		if err == nil {
			found = map[string]*Plugin{}
		} else {
			return xerrors.Errorf("registry refresh failure: %w", err)
		}
	}

	if merr, ok := err.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			log.Warn().Err(e).Msg("registry: plugin skipped")
		}
	} else if err != nil {
		log.Warn().Err(err).Msg("registry: plugin skipped")
	}

	r.mu.Lock()
	previous := r.plugins
	r.plugins = found
	listeners := append([]Listener{}, r.listeners...)
	r.mu.Unlock()

	events, err := classify(previous, found)
	if err != nil {
		return xerrors.Errorf("registry refresh failure: %w", err)
	}

	events = append(events, Event{Type: EventUpdateRules, Plugins: found})
	for _, event := range events {
		registryEvents.WithLabelValues(string(event.Type)).Inc()
		if event.Type != EventUpdateRules {
			for name, p := range event.Plugins {
				log.Debug().Msgf("registry: %s %s", event.Type, p)
				if prev, ok := event.Previous[name]; ok && CompareVersions(prev.Version, p.Version) > 0 {
					log.Debug().Msgf("registry: %s downgraded from %s", name, prev.Version)
				}
			}
		}

		for _, l := range listeners {
			l(event)
		}
	}

	return nil
}

// classify diffs two snapshots by name, a changed identity is an update
func classify(previous, current map[string]*Plugin) ([]Event, error) {
	changelog, err := diff.Diff(identities(previous), identities(current))
	if err != nil {
		return nil, xerrors.Errorf("snapshot diff failure: %w", err)
	}

	installed := map[string]*Plugin{}
	updated := map[string]*Plugin{}
	replaced := map[string]*Plugin{}
	uninstalled := map[string]*Plugin{}

	for _, change := range changelog {
		if len(change.Path) == 0 {
			continue
		}

		name := change.Path[0]
		switch change.Type {
		case diff.CREATE:
			installed[name] = current[name]
		case diff.UPDATE:
			updated[name] = current[name]
			replaced[name] = previous[name]
		case diff.DELETE:
			uninstalled[name] = previous[name]
		}
	}

	var events []Event
	if len(uninstalled) > 0 {
		events = append(events, Event{Type: EventUninstall, Plugins: uninstalled})
	}
	if len(updated) > 0 {
		events = append(events, Event{Type: EventUpdate, Plugins: updated, Previous: replaced})
	}
	if len(installed) > 0 {
		events = append(events, Event{Type: EventInstall, Plugins: installed})
	}

	return events, nil
}

func identities(plugins map[string]*Plugin) map[string]string {
	ids := make(map[string]string, len(plugins))
	for name, p := range plugins {
		ids[name] = p.Identity()
	}

	return ids
}

// Run refreshes immediately and then every interval, the next refresh is only
// scheduled once the previous one completed.
func (r *Registry) Run() {
	if !r.running.SetToIf(false, true) {
		return
	}

	r.t.Go(r.loop)
}

func (r *Registry) loop() error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	ctx := r.t.Context(nil)
	for {
		select {
		case <-r.t.Dying():
			return nil
		case <-timer.C:
			if err := r.Refresh(ctx); err != nil && !utils.Done(ctx) {
				log.Error().Err(err).Msg("registry: refresh failed")
			}
			timer.Reset(r.interval)
		}
	}
}

func (r *Registry) Stop() error {
	if !r.running.IsSet() {
		return nil
	}

	r.t.Kill(nil)
	return r.t.Wait()
}

func (r *Registry) Get(name string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[name]
}

// All returns every discovered plugin, enabled or not, ordered by mtime
func (r *Registry) All() []*Plugin {
	r.mu.RLock()
	list := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		list = append(list, p)
	}
	r.mu.RUnlock()

	SortByMTime(list)
	return list
}

// Enabled returns the plugins not disabled, oldest first
func (r *Registry) Enabled() []*Plugin {
	if r.props.AllDisabled() {
		return nil
	}

	var list []*Plugin
	for _, p := range r.All() {
		if !r.props.Disabled(p.Name) {
			list = append(list, p)
		}
	}

	return list
}

// Lookup finds an enabled plugin by scheme, with or without the trailing colon
// and the whistle. prefix
func (r *Registry) Lookup(scheme string) *Plugin {
	name := strings.TrimPrefix(strings.TrimSuffix(scheme, ":"), "whistle.")

	p := r.Get(name)
	if p == nil || r.props.Disabled(name) {
		return nil
	}

	return p
}
