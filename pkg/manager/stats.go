package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
)

// PostStats notifies the stats servers of sel about req. It returns immediately,
// failures are only logged.
func (m *Manager) PostStats(ctx context.Context, req *protocol.Request, sel []Selected) {
	if len(sel) == 0 {
		return
	}

	header := protocol.BuildHeaders(req, nil, "", nil)
	path := requestPath(req.FullURL)

	go func() {
		ports := m.loadPorts(ctx, sel)
		for i, s := range sel {
			port := ports[i].For(plugins.StatsType)
			if port == 0 {
				continue
			}

			h := header.Clone()
			if s.Value != "" {
				h.Set(protocol.RuleValueHeader, protocol.EncodeURIComponent(s.Value))
			}

			go m.send(ctx, http.MethodGet, port, path, h, nil, s.Plugin)
		}
	}()
}

// PostStatus sends data, with the rule value of each plugin added, to the status servers of sel.
// It returns immediately, failures are only logged.
func (m *Manager) PostStatus(ctx context.Context, req *protocol.Request, sel []Selected, data map[string]interface{}) {
	if len(sel) == 0 {
		return
	}

	go func() {
		ports := m.loadPorts(ctx, sel)
		for i, s := range sel {
			port := ports[i].For(plugins.StatusType)
			if port == 0 {
				continue
			}

			status := make(map[string]interface{}, len(data)+1)
			for k, v := range data {
				status[k] = v
			}
			status["ruleValue"] = s.Value

			body, err := json.Marshal(status)
			if err != nil {
				log.Warn().Err(err).Msgf("manager: invalid status for %s", s.Plugin.Name)
				continue
			}

			go m.send(ctx, http.MethodPost, port, "/", nil, body, s.Plugin)
		}
	}()
}

func (m *Manager) send(ctx context.Context, method string, port int, path string, h http.Header, body []byte, p *plugins.Plugin) {
	if err := m.do(ctx, method, port, path, h, body); err != nil {
		log.Debug().Err(err).Msgf("manager: %s %s to %s failed", method, path, p.Name)
	}
}

func (m *Manager) do(ctx context.Context, method string, port int, path string, h http.Header, body []byte) error {
	target := fmt.Sprintf("http://%s:%d%s", m.cfg.Host, port, path)

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("failed to create request %s: %w", target, err)
	}

	for k, v := range h {
		httpReq.Header[k] = v
	}
	if host := h.Get("Host"); host != "" {
		httpReq.Host = host
	}

	resp, err := m.cfg.Client.Do(httpReq)
	if err != nil {
		return xerrors.Errorf("request %s failure: %w", target, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
