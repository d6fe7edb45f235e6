package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
	"pluginbridge/pkg/rules"
)

func init() {
	SetupLogging("debug")
}

func SetupLogging(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Panic().Err(err).Msgf("Failed to parse log level: %s", level)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(logLevel).With().Timestamp().Logger().With().Caller().Logger()
}

type staticDiscoverer struct {
	mu      sync.Mutex
	plugins map[string]*plugins.Plugin
}

func (d *staticDiscoverer) set(list ...*plugins.Plugin) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.plugins = map[string]*plugins.Plugin{}
	for _, p := range list {
		d.plugins[p.Name] = p
	}
}

func (d *staticDiscoverer) Discover(ctx context.Context) (map[string]*plugins.Plugin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := make(map[string]*plugins.Plugin, len(d.plugins))
	for k, v := range d.plugins {
		res[k] = v
	}
	return res, nil
}

var errNoWorker = xerrors.New("no worker")

type fakeWorkers struct {
	mu      sync.Mutex
	ports   map[string]*plugins.Ports
	started map[string]int
	stopped []*plugins.Plugin
	down    bool
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{ports: map[string]*plugins.Ports{}, started: map[string]int{}}
}

func (w *fakeWorkers) set(name string, ports *plugins.Ports) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ports[name] = ports
}

func (w *fakeWorkers) EnsureStarted(ctx context.Context, p *plugins.Plugin) (*plugins.Ports, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.started[p.Name]++
	ports, ok := w.ports[p.Name]
	if !ok {
		return nil, errNoWorker
	}
	return ports, nil
}

func (w *fakeWorkers) Stop(p *plugins.Plugin) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = append(w.stopped, p)
	return nil
}

func (w *fakeWorkers) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down = true
	return nil
}

func (w *fakeWorkers) stoppedPlugins() []*plugins.Plugin {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*plugins.Plugin{}, w.stopped...)
}

type fakeScript struct {
	result *engine.RuleText
	status int
}

func (f *fakeScript) ExecRulesScript(script string, reqHeader http.Header, statusCode int, resHeader http.Header) *engine.RuleText {
	f.status = statusCode
	return f.result
}

func newPlugin(name string, mtime int64) *plugins.Plugin {
	return &plugins.Plugin{
		Name:       name,
		Path:       "/plugins/" + name,
		MTime:      mtime,
		Version:    "1.0.0",
		ModuleName: "whistle." + name,
	}
}

func serverPort(t *testing.T, s *httptest.Server) int {
	u, err := url.Parse(s.URL)
	require.Nil(t, err)
	port, err := strconv.Atoi(u.Port())
	require.Nil(t, err)
	return port
}

func unusedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// ruleServer answers every request with body and records the received rule values
type ruleServer struct {
	*httptest.Server

	mu     sync.Mutex
	values []string
	header http.Header
}

func newRuleServer(body string) *ruleServer {
	s := &ruleServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.values = append(s.values, r.Header.Get(protocol.RuleValueHeader))
		s.header = r.Header.Clone()
		s.mu.Unlock()

		_, _ = io.WriteString(w, body)
	}))
	return s
}

func (s *ruleServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.values...)
}

type fixture struct {
	discoverer *staticDiscoverer
	props      *plugins.MemoryProperties
	registry   *plugins.Registry
	workers    *fakeWorkers
	appender   *engine.Simple
	script     *fakeScript
	manager    *Manager
}

func newFixture(t *testing.T, list ...*plugins.Plugin) *fixture {
	f := &fixture{
		discoverer: &staticDiscoverer{},
		props:      plugins.NewMemoryProperties(false),
		workers:    newFakeWorkers(),
		appender:   engine.NewSimple(nil),
		script:     &fakeScript{},
	}
	f.discoverer.set(list...)
	f.registry = plugins.NewRegistry(f.discoverer, f.props, time.Hour)

	fetcher := rules.NewFetcher(rules.WithRetries(0), rules.WithTimeout(time.Second))
	f.manager = New(f.registry, f.workers, fetcher, Config{
		Engine:   f.appender,
		Appender: f.appender,
		Script:   f.script,
		Debug:    true,
	})

	require.Nil(t, f.registry.Refresh(context.Background()))
	return f
}

func newRequest(fullURL string, rule *engine.Rule, pluginRules ...*engine.Rule) *protocol.Request {
	return &protocol.Request{
		FullURL: fullURL,
		Method:  http.MethodGet,
		Header:  http.Header{"Host": {"example.com"}},
		Rules:   &engine.MatchedRules{Rule: rule, Plugins: pluginRules},
	}
}

func names(sel []Selected) []string {
	res := make([]string, len(sel))
	for i, s := range sel {
		res[i] = s.Plugin.Name + "=" + s.Value
	}
	return res
}

func TestResolvePlugins(t *testing.T) {
	f := newFixture(t, newPlugin("foo", 1), newPlugin("bar", 2), newPlugin("baz", 3))

	req := newRequest("http://example.com/",
		&engine.Rule{RawPattern: "example.com", Matcher: "foo://val1"},
		&engine.Rule{RawPattern: "example.com", Matcher: "plugin://bar(argB)"},
		&engine.Rule{RawPattern: "example.com", Matcher: "plugin://foo(dup)"},
		&engine.Rule{RawPattern: "example.com", Matcher: "whistle.baz://argZ"},
		&engine.Rule{RawPattern: "example.com", Matcher: "plugin://unknown"},
	)

	sel := f.manager.ResolvePlugins(req)
	require.Equal(t, []string{"foo=val1", "bar=argB", "baz=argZ"}, names(sel))
	require.NotEmpty(t, req.ReqID)

	// Arguments with whitespace are kept whole
	spaced := newRequest("http://example.com/",
		&engine.Rule{RawPattern: "example.com", Matcher: "file://x"},
		&engine.Rule{RawPattern: "example.com", Matcher: "plugin://bar(a b) filter://x"},
	)
	require.Equal(t, []string{"bar=a b"}, names(f.manager.ResolvePlugins(spaced)))

	require.Nil(t, f.props.SetDisabled(context.Background(), "bar", true))
	sel = f.manager.ResolvePlugins(req)
	require.Equal(t, []string{"foo=val1", "baz=argZ"}, names(sel))

	require.Nil(t, f.props.SetDisabled(context.Background(), "foo", true))
	sel = f.manager.ResolvePlugins(req)
	require.Equal(t, []string{"baz=argZ"}, names(sel))
}

func TestResolvePrimaryForms(t *testing.T) {
	f := newFixture(t, newPlugin("foo", 1))

	for _, matcher := range []string{"foo://v", "whistle.foo://v", "x.foo://v"} {
		sel := f.manager.ResolvePlugins(newRequest("http://example.com/", &engine.Rule{RawPattern: "*", Matcher: matcher}))
		require.Equal(t, []string{"foo=v"}, names(sel), matcher)
	}

	sel := f.manager.ResolvePlugins(newRequest("http://example.com/", &engine.Rule{RawPattern: "*", Matcher: "file://v"}))
	require.Empty(t, sel)

	sel = f.manager.ResolvePlugins(&protocol.Request{FullURL: "http://example.com/"})
	require.Empty(t, sel)
}

func TestGetRulesMerge(t *testing.T) {
	foo := newRuleServer(`{"rules":"* rule://foo","values":{"k":"fromFoo","a":"1"}}`)
	defer foo.Close()
	bar := newRuleServer(`{"rules":"* rule://bar","values":{"k":"fromBar","b":"2"}}`)
	defer bar.Close()

	f := newFixture(t, newPlugin("foo", 1), newPlugin("bar", 2))
	f.workers.set("foo", &plugins.Ports{RulesPort: serverPort(t, foo.Server)})
	f.workers.set("bar", &plugins.Ports{RulesPort: serverPort(t, bar.Server)})

	req := newRequest("http://example.com/path?q=1",
		&engine.Rule{RawPattern: "example.com", Matcher: "foo://val1"},
		&engine.Rule{RawPattern: "example.com", Matcher: "plugin://bar(argB)"},
	)
	sel := f.manager.ResolvePlugins(req)
	require.Len(t, sel, 2)

	set := f.manager.GetRules(context.Background(), req, sel)
	require.NotNil(t, set)

	// Later text wins through last match
	matched := set.ResolveRules(req.FullURL)
	require.Equal(t, "rule://bar", matched.Rule.Matcher)

	// Primary values win on collisions
	values := set.(*engine.Simple).Values()
	require.Equal(t, map[string]string{"k": "fromFoo", "a": "1", "b": "2"}, values)

	require.Equal(t, []string{"val1"}, foo.received())
	require.Equal(t, []string{"argB"}, bar.received())

	foo.mu.Lock()
	require.Equal(t, req.ReqID, foo.header.Get(protocol.ReqIDHeader))
	require.Equal(t, "GET", foo.header.Get(protocol.MethodHeader))
	foo.mu.Unlock()
}

func TestGetRulesUnavailablePlugins(t *testing.T) {
	foo := newRuleServer("foo.com rule://foo")
	defer foo.Close()

	bar := newPlugin("bar", 2)
	bar.HiddenRules = "bar.com rule://hidden-bar"

	baz := newPlugin("baz", 3)
	baz.HiddenRules = "baz.com rule://hidden-baz"

	qux := newPlugin("qux", 4)
	qux.HiddenRules = "qux.com rule://hidden-qux"

	f := newFixture(t, newPlugin("foo", 1), bar, baz, qux)
	f.workers.set("foo", &plugins.Ports{RulesPort: serverPort(t, foo.Server)})
	// bar never answers, baz has no rules port, qux fails to start
	f.workers.set("bar", &plugins.Ports{RulesPort: unusedPort(t)})
	f.workers.set("baz", &plugins.Ports{})

	req := newRequest("http://foo.com/",
		&engine.Rule{RawPattern: "*", Matcher: "foo://"},
		&engine.Rule{RawPattern: "*", Matcher: "plugin://bar"},
		&engine.Rule{RawPattern: "*", Matcher: "plugin://baz"},
		&engine.Rule{RawPattern: "*", Matcher: "plugin://qux"},
	)
	sel := f.manager.ResolvePlugins(req)
	require.Len(t, sel, 4)

	set := f.manager.GetRules(context.Background(), req, sel)
	require.NotNil(t, set)

	require.Equal(t, "rule://foo", set.ResolveRules("http://foo.com/").Rule.Matcher)
	require.Nil(t, set.ResolveRules("http://bar.com/").Rule)
	require.Equal(t, "rule://hidden-baz", set.ResolveRules("http://baz.com/").Rule.Matcher)
	require.Equal(t, "rule://hidden-qux", set.ResolveRules("http://qux.com/").Rule.Matcher)
}

func TestGetRulesNothingSelected(t *testing.T) {
	f := newFixture(t)

	req := newRequest("http://example.com/", nil)
	require.Nil(t, f.manager.GetRules(context.Background(), req, nil))
	require.Nil(t, f.manager.GetTunnelRules(context.Background(), req, nil))
	require.Nil(t, f.manager.GetResRules(context.Background(), req, nil, nil))
}

func TestGetTunnelRules(t *testing.T) {
	rulesSrv := newRuleServer("* rule://wrong")
	defer rulesSrv.Close()
	tunnelSrv := newRuleServer("* rule://tunnel")
	defer tunnelSrv.Close()

	f := newFixture(t, newPlugin("foo", 1))
	f.workers.set("foo", &plugins.Ports{
		RulesPort:       serverPort(t, rulesSrv.Server),
		TunnelRulesPort: serverPort(t, tunnelSrv.Server),
	})

	req := newRequest("tunnel://example.com:443", &engine.Rule{RawPattern: "*", Matcher: "foo://t"})
	sel := f.manager.ResolvePlugins(req)

	set := f.manager.GetTunnelRules(context.Background(), req, sel)
	require.Equal(t, "rule://tunnel", set.ResolveRules(req.FullURL).Rule.Matcher)
	require.Empty(t, rulesSrv.received())
}

func TestGetResRulesScript(t *testing.T) {
	foo := newRuleServer(`{"rules":"* res://foo\n* proxy://127.0.0.1:8080","values":{"k":"foo"}}`)
	defer foo.Close()

	foo2 := newPlugin("foo", 1)
	foo2.HiddenRules = "* res://hidden"

	f := newFixture(t, foo2)
	f.workers.set("foo", &plugins.Ports{ResRulesPort: serverPort(t, foo.Server)})
	f.script.result = &engine.RuleText{Text: "* res://script", Values: map[string]string{"k": "script", "s": "1"}}

	req := newRequest("http://example.com/", &engine.Rule{RawPattern: "*", Matcher: "foo://v"})
	req.ResScript = "rules.push('* res://script')"
	sel := f.manager.ResolvePlugins(req)

	res := &protocol.Response{StatusCode: 404, Header: http.Header{"Content-Type": {"text/html"}}}
	set := f.manager.GetResRules(context.Background(), req, res, sel)
	require.NotNil(t, set)

	require.Equal(t, 404, f.script.status)
	require.Empty(t, req.ResScript)

	// Script rules come last, hidden rules are not part of response rules
	require.Equal(t, "res://script", req.Rules.Rule.Matcher)
	require.Equal(t, "proxy://127.0.0.1:8080", req.Rules.Proxy.Matcher)
	require.Equal(t, map[string]string{"k": "foo", "s": "1"}, set.(*engine.Simple).Values())

	foo.mu.Lock()
	require.Equal(t, "404", foo.header.Get(protocol.StatusCodeHeader))
	require.Equal(t, "text/html", foo.header.Get("Content-Type"))
	require.Equal(t, protocol.Localhost, foo.header.Get(protocol.HostIPHeader))
	foo.mu.Unlock()

	// The script is cleared once applied
	f.script.status = 0
	f.manager.GetResRules(context.Background(), req, res, sel)
	require.Equal(t, 0, f.script.status)
}

func TestGetResRulesLiteralScript(t *testing.T) {
	f := newFixture(t)

	req := newRequest("http://example.com/", nil)
	req.ResScript = "# literal rules\n* res://literal"

	set := f.manager.GetResRules(context.Background(), req, &protocol.Response{StatusCode: 200}, nil)
	require.NotNil(t, set)
	require.Equal(t, "res://literal", req.Rules.Rule.Matcher)
	require.Equal(t, 0, f.script.status)
}

func TestEventWiring(t *testing.T) {
	foo := newPlugin("foo", 1)
	foo.Rules = "* always://foo"
	bar := newPlugin("bar", 2)
	bar.Rules = "* always://bar"

	f := newFixture(t, foo, bar)

	// Later modified plugins come last and win
	require.Equal(t, "always://bar", f.appender.ResolveRules("http://example.com/").Rule.Matcher)

	updated := newPlugin("foo", 3)
	updated.Rules = "* always://foo-updated"
	f.discoverer.set(updated, bar)
	require.Nil(t, f.registry.Refresh(context.Background()))

	require.Equal(t, "always://foo-updated", f.appender.ResolveRules("http://example.com/").Rule.Matcher)
	require.Eventually(t, func() bool {
		stopped := f.workers.stoppedPlugins()
		return len(stopped) == 1 && stopped[0] == foo
	}, time.Second, 10*time.Millisecond)

	f.discoverer.set(updated)
	require.Nil(t, f.registry.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		stopped := f.workers.stoppedPlugins()
		return len(stopped) == 2 && stopped[1] == bar
	}, time.Second, 10*time.Millisecond)

	require.Nil(t, f.props.SetDisabled(context.Background(), "foo", true))
	require.Nil(t, f.registry.Refresh(context.Background()))
	require.Nil(t, f.appender.ResolveRules("http://example.com/").Rule)
}

func TestPostStats(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		vals  []string
	)

	stats := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.RequestURI())
		vals = append(vals, r.Header.Get(protocol.RuleValueHeader))
	}))
	defer stats.Close()

	f := newFixture(t, newPlugin("foo", 1))
	f.workers.set("foo", &plugins.Ports{StatsPort: serverPort(t, stats)})

	f.manager.ResolvePlugins(newRequest("tunnel://example.com:443", &engine.Rule{RawPattern: "*", Matcher: "foo://tun"}))
	f.manager.ResolvePlugins(newRequest("http://example.com/a?b=c", &engine.Rule{RawPattern: "*", Matcher: "foo://val"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/a?b=c"}, paths)
	require.Equal(t, []string{"val"}, vals)
}

func TestPostStatus(t *testing.T) {
	received := make(chan map[string]interface{}, 1)

	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&data); err == nil {
			received <- data
		}
	}))
	defer status.Close()

	f := newFixture(t, newPlugin("foo", 1))
	f.workers.set("foo", &plugins.Ports{StatusPort: serverPort(t, status)})

	req := newRequest("http://example.com/", &engine.Rule{RawPattern: "*", Matcher: "foo://val"})
	sel := f.manager.ResolvePlugins(req)
	f.manager.PostStatus(context.Background(), req, sel, map[string]interface{}{"type": "response", "id": 1})

	select {
	case data := <-received:
		require.Equal(t, "val", data["ruleValue"])
		require.Equal(t, "response", data["type"])
		require.Equal(t, float64(1), data["id"])
	case <-time.After(2 * time.Second):
		require.Fail(t, "status not received")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	f.manager.Start()
	require.Nil(t, f.manager.Stop(context.Background()))
	require.True(t, f.workers.down)
	require.Equal(t, f.registry, f.manager.Registry())
}

func TestRequestPath(t *testing.T) {
	for input, expected := range map[string]string{
		"http://example.com":          "/",
		"http://example.com/a/b?c=d":  "/a/b?c=d",
		"tunnel://example.com:443":    "/",
		fmt.Sprintf("%c://bad", 0x7f): "/",
	} {
		require.Equal(t, expected, requestPath(input), input)
	}
}
