package manager

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
)

var contributions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pluginbridge_rule_contributions_total",
	Help: "Plugin rule contributions merged per rule type",
}, []string{"type"})

// GetRules collects the request rules of sel
func (m *Manager) GetRules(ctx context.Context, req *protocol.Request, sel []Selected) engine.RuleSet {
	return m.getRules(ctx, plugins.RulesType, req, nil, sel)
}

// GetTunnelRules collects the tunnel rules of sel
func (m *Manager) GetTunnelRules(ctx context.Context, req *protocol.Request, sel []Selected) engine.RuleSet {
	return m.getRules(ctx, plugins.TunnelRulesType, req, nil, sel)
}

// GetResRules collects the response rules of sel and the inline response script of req.
// The rules the result resolves for req are merged into req.Rules.
func (m *Manager) GetResRules(ctx context.Context, req *protocol.Request, res *protocol.Response, sel []Selected) engine.RuleSet {
	if res == nil {
		res = &protocol.Response{}
	}

	set := m.getRules(ctx, plugins.ResRulesType, req, res, sel)
	if set == nil {
		return nil
	}

	if req.Rules == nil {
		req.Rules = &engine.MatchedRules{}
	}
	req.Rules.Merge(set.ResolveRules(req.FullURL))

	return set
}

func (m *Manager) getRules(ctx context.Context, typ plugins.RuleType, req *protocol.Request, res *protocol.Response, sel []Selected) engine.RuleSet {
	var script *engine.RuleText
	if typ == plugins.ResRulesType {
		script = m.resScript(req, res)
	}

	if len(sel) == 0 && script == nil {
		return nil
	}

	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}

	var next *engine.Rule
	if typ == plugins.RulesType && m.cfg.Engine != nil {
		next = m.cfg.Engine.ResolveNextRule(req.FullURL, 1)
	}

	header := protocol.BuildHeaders(req, res, typ, next)
	path := requestPath(req.FullURL)
	ports := m.loadPorts(ctx, sel)

	results := make([]*engine.RuleText, len(sel))

	var g errgroup.Group
	for i, s := range sel {
		i, s := i, s
		h := header.Clone()
		h.Set(protocol.RuleValueHeader, protocol.EncodeURIComponent(s.Value))

		g.Go(func() error {
			// Failures are logged by the fetcher, the plugin contributes nothing
			text, _ := m.fetcher.Contribution(ctx, typ, s.Plugin, ports[i].For(typ), path, h)
			results[i] = text
			return nil
		})
	}
	_ = g.Wait()

	if script != nil {
		results = append(results, script)
	}

	return m.merge(typ, results)
}

// merge concatenates texts in order, values are applied last to first so earlier results win
func (m *Manager) merge(typ plugins.RuleType, results []*engine.RuleText) engine.RuleSet {
	var texts []engine.RuleText
	for _, r := range results {
		if r != nil {
			texts = append(texts, *r)
		}
	}

	values := map[string]string{}
	for i := len(texts) - 1; i >= 0; i-- {
		for k, v := range texts[i].Values {
			values[k] = v
		}
	}

	contributions.WithLabelValues(string(typ)).Add(float64(len(texts)))

	set := m.cfg.NewRuleSet(values)
	set.Parse(texts)

	return set
}

// resScript turns the inline response script of req into a pseudo contribution
// and clears it. A script starting with # is used as literal rule text.
func (m *Manager) resScript(req *protocol.Request, res *protocol.Response) *engine.RuleText {
	script := strings.TrimSpace(req.ResScript)
	req.ResScript = ""

	if script == "" {
		return nil
	}

	if strings.HasPrefix(script, "#") {
		return &engine.RuleText{Text: script}
	}

	if m.cfg.Script == nil {
		return nil
	}

	return m.cfg.Script.ExecRulesScript(script, req.Header, res.StatusCode, res.Header)
}

func requestPath(fullURL string) string {
	u, err := url.Parse(fullURL)
	if err != nil {
		return "/"
	}

	return u.RequestURI()
}
