package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/build"
	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
	"pluginbridge/pkg/utils"
)

type pluginStatus struct {
	*plugins.Plugin
	Disabled bool `json:"disabled"`
	Running  bool `json:"running"`
}

type selectedPlugin struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

type resolveResult struct {
	URL     string           `json:"url"`
	ReqID   string           `json:"reqId"`
	Plugins []selectedPlugin `json:"plugins"`
	Rule    string           `json:"rule,omitempty"`
	Host    string           `json:"host,omitempty"`
	Proxy   string           `json:"proxy,omitempty"`
	PAC     string           `json:"pac,omitempty"`
}

func (s *BridgeServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/version", s.HandleVersion).Methods(http.MethodGet)
	router.HandleFunc("/plugins", s.HandlePlugins).Methods(http.MethodGet)
	router.HandleFunc("/plugins/refresh", s.HandleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/plugins/{name}/disabled", s.HandleDisabled).Methods(http.MethodPut, http.MethodDelete)
	router.HandleFunc("/resolve", s.HandleResolve).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

func (s *BridgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Msgf("admin: %s %s (%s)", r.Method, r.URL.RequestURI(), time.Since(start))
	})
}

func writeError(w http.ResponseWriter, err *utils.HTTPError) {
	http.Error(w, err.Error(), err.Status())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("admin: failed to write response")
	}
}

func (s *BridgeServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func (s *BridgeServer) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, build.Data())
}

func (s *BridgeServer) HandlePlugins(w http.ResponseWriter, r *http.Request) {
	props := s.Registry.Properties()

	list := []pluginStatus{}
	for _, p := range s.Registry.All() {
		list = append(list, pluginStatus{
			Plugin:   p,
			Disabled: props.AllDisabled() || props.Disabled(p.Name),
			Running:  s.Supervisor.Running(p),
		})
	}

	writeJSON(w, list)
}

// HandleRefresh starts a registry refresh in the background
func (s *BridgeServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.refresh.Run(context.Background()); err != nil {
		if xerrors.Is(err, utils.ErrLockBusy) {
			writeError(w, utils.ErrHTTPConflict)
			return
		}

		log.Error().Err(err).Msg("admin: refresh failure")
		writeError(w, utils.ErrHTTPInternalServer)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleDisabled disables (PUT) or enables (DELETE) a plugin
func (s *BridgeServer) HandleDisabled(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	toggler, ok := s.Registry.Properties().(plugins.Toggler)
	if !ok {
		writeError(w, utils.ErrHTTPNotImplemented)
		return
	}

	if s.Registry.Get(name) == nil {
		writeError(w, utils.ErrHTTPNotFound)
		return
	}

	if err := toggler.SetDisabled(r.Context(), name, r.Method == http.MethodPut); err != nil {
		log.Error().Err(err).Msgf("admin: failed to toggle %s", name)
		writeError(w, utils.ErrHTTPInternalServer)
		return
	}

	// Rebuild the always-on rules, a refresh already running picks the change up
	if err := s.refresh.Run(context.Background()); err != nil && !xerrors.Is(err, utils.ErrLockBusy) {
		log.Warn().Err(err).Msg("admin: refresh after toggle failed")
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleResolve runs url through selection, fetching and merging and reports the outcome
func (s *BridgeServer) HandleResolve(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, utils.ErrHTTPBadRequest)
		return
	}

	u, err := utils.NormalizeURL(rawURL)
	if err != nil {
		writeError(w, utils.ErrHTTPBadRequest)
		return
	}
	fullURL := u.String()

	header := r.Header.Clone()
	header.Set("Host", u.Host)

	req := &protocol.Request{
		FullURL: fullURL,
		RealURL: fullURL,
		Method:  http.MethodGet,
		Header:  header,
		Rules:   s.Engine.ResolveRules(fullURL),
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.ClientIP, req.ClientPort = host, port
	}

	sel := s.Manager.ResolvePlugins(req)

	result := resolveResult{URL: fullURL, ReqID: req.ReqID, Plugins: []selectedPlugin{}}
	for _, selected := range sel {
		result.Plugins = append(result.Plugins, selectedPlugin{Name: selected.Plugin.Name, Value: selected.Value})
	}

	matched := req.Rules
	if set := s.Manager.GetRules(r.Context(), req, sel); set != nil {
		merged := *matched
		merged.Merge(set.ResolveRules(fullURL))
		matched = &merged
	}

	result.Rule = ruleString(matched.Rule)
	result.Host = ruleString(matched.Host)
	result.Proxy = ruleString(matched.Proxy)
	result.PAC = ruleString(matched.PAC)

	writeJSON(w, result)
}

func ruleString(rule *engine.Rule) string {
	if rule == nil {
		return ""
	}

	return rule.RawPattern + " " + rule.Matcher
}
