package manager

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
)

// Selected is a plugin chosen for a request and the value it was referenced with
type Selected struct {
	Plugin *plugins.Plugin
	Value  string
}

// primary returns the plugin whose scheme is the protocol of rule.
// x.name://... resolves to name when x.name is not a plugin itself.
func (m *Manager) primary(rule *engine.Rule) *plugins.Plugin {
	protocol := rule.Protocol()
	if protocol == "" {
		return nil
	}

	if p := m.registry.Lookup(protocol); p != nil {
		return p
	}

	if idx := strings.Index(protocol, "."); idx >= 0 {
		return m.registry.Lookup(protocol[idx+1:])
	}

	return nil
}

// ResolvePlugins selects the plugins of req: the primary plugin first, then the
// plugin(...) rules in declaration order. Duplicates and disabled plugins are dropped.
// Stats are posted for every request except tunnels.
func (m *Manager) ResolvePlugins(req *protocol.Request) []Selected {
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}

	if req.Rules == nil {
		return nil
	}

	var (
		sel  []Selected
		seen = map[string]bool{}
	)

	if p := m.primary(req.Rules.Rule); p != nil {
		sel = append(sel, Selected{Plugin: p, Value: req.Rules.Rule.Value()})
		seen[p.Name] = true
	}

	for _, rule := range req.Rules.Plugins {
		ref, ok := plugins.ParseRef(rule.URL())
		if !ok {
			continue
		}

		p := m.registry.Lookup(ref.Name)
		if p == nil || seen[p.Name] {
			continue
		}

		seen[p.Name] = true
		sel = append(sel, Selected{Plugin: p, Value: ref.Arg})
	}

	if len(sel) > 0 && !strings.HasPrefix(req.FullURL, "tunnel:") {
		m.PostStats(context.Background(), req, sel)
	}

	return sel
}
