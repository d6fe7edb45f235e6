package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
)

const (
	DefaultRetries = 5
	DefaultTimeout = 5 * time.Second
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status")

	jsonObjectRegexp = regexp.MustCompile(`^\{[\s\S]+\}$`)
)

// FetchError is returned once every attempt for a key failed
type FetchError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s failed after %d attempts: %v", e.Key.Module, e.Key.Type, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result is the rule text and values of one fetch
type Result struct {
	Text        string
	Values      map[string]string
	Raw         string
	Cached      bool // served from a fresh entry without a network call
	NotModified bool
}

type Option func(*Fetcher)

func WithClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithRetries sets the attempts made after the first failed one
func WithRetries(retries int) Option {
	return func(f *Fetcher) { f.retries = retries }
}

// WithTimeout sets the timeout of a single attempt
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) { f.timeout = timeout }
}

func WithCacheSize(size int) Option {
	return func(f *Fetcher) { f.cache = newRuleCache(size) }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithHost sets the address workers listen on
func WithHost(host string) Option {
	return func(f *Fetcher) { f.host = host }
}

// Fetcher requests rule text from plugin workers and caches it per module and rule type.
// Concurrent fetches of one key share a single network round trip.
type Fetcher struct {
	client  *http.Client
	cache   *ruleCache
	group   singleflight.Group
	retries int
	timeout time.Duration
	host    string
	now     func() time.Time

	// generations counts invalidations per module, a fetch started
	// before the latest one must not write to the cache
	mu          sync.Mutex
	generations map[string]uint64
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{},
		retries: DefaultRetries,
		timeout: DefaultTimeout,
		host:    protocol.Localhost,
		now:     time.Now,

		generations: map[string]uint64{},
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.cache == nil {
		f.cache = newRuleCache(DefaultCacheSize)
	}

	if f.retries < 0 {
		f.retries = 0
	}

	return f
}

// Fetch returns the rules of key from the worker listening on port.
// A fresh cache entry is returned without any network call.
func (f *Fetcher) Fetch(ctx context.Context, key Key, port int, path string, header http.Header) (*Result, error) {
	if e := f.cache.get(key); e != nil && e.fresh(f.now()) {
		fetchResults.WithLabelValues(string(key.Type), resultHit).Inc()
		return e.result(true), nil
	}

	gen := f.generation(key.Module)
	ch := f.group.DoChan(fmt.Sprintf("%s\n%d", key, gen), func() (interface{}, error) {
		return f.revalidate(key, gen, port, path, header)
	})

	select {
	case res := <-ch:
		if res.Shared {
			fetchCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, xerrors.Errorf("fetch %s cancelled: %w", key.Module, ctx.Err())
	}
}

func (f *Fetcher) generation(module string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[module]
}

// store sets or removes (e == nil) the entry of key unless module was invalidated since gen
func (f *Fetcher) store(key Key, gen uint64, e *entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.generations[key.Module] != gen {
		log.Debug().Msgf("rules: %s %s invalidated during fetch, not cached", key.Module, key.Type)
		return
	}

	if e == nil {
		f.cache.remove(key)
		return
	}
	f.cache.set(key, e)
}

func (f *Fetcher) revalidate(key Key, gen uint64, port int, path string, header http.Header) (*Result, error) {
	e := f.cache.get(key)
	if e != nil && e.fresh(f.now()) {
		fetchResults.WithLabelValues(string(key.Type), resultHit).Inc()
		return e.result(true), nil
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del(protocol.EtagHeader)
	h.Del("If-None-Match")

	if e != nil && e.etag != "" {
		h.Set(protocol.EtagHeader, e.etag)
		h.Set("If-None-Match", e.etag)
	}

	start := time.Now()
	res, err := f.request(key, port, path, h)
	fetchDuration.WithLabelValues(string(key.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchResults.WithLabelValues(string(key.Type), resultError).Inc()
		return nil, err
	}
	defer res.Body.Close()

	maxAge, hasMaxAge := parseMaxAge(res.Header.Get(protocol.MaxAgeHeader))

	if res.StatusCode == http.StatusNotModified {
		fetchResults.WithLabelValues(string(key.Type), resultNotModified).Inc()

		if e == nil {
			return &Result{NotModified: true}, nil
		}

		updated := *e
		if hasMaxAge {
			updated.maxAge = maxAge
			updated.validated = f.now()
		}
		f.store(key, gen, &updated)

		result := updated.result(false)
		result.NotModified = true
		return result, nil
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		fetchResults.WithLabelValues(string(key.Type), resultError).Inc()
		return nil, &FetchError{Key: key, Attempts: 1, Err: err}
	}

	fetchResults.WithLabelValues(string(key.Type), resultFetched).Inc()

	raw := strings.TrimSpace(string(data))
	text, values := ParseBody(raw)

	etag := res.Header.Get(protocol.EtagHeader)
	if etag == "" {
		etag = res.Header.Get("ETag")
	}

	if hasMaxAge || etag != "" {
		f.store(key, gen, &entry{
			body:      text,
			values:    values,
			raw:       raw,
			etag:      etag,
			maxAge:    maxAge,
			validated: f.now(),
		})
	} else {
		f.store(key, gen, nil)
	}

	return &Result{Text: text, Values: values, Raw: raw}, nil
}

// request makes up to 1+retries attempts, any status other than 2xx or 304 is retried like a transport failure
func (f *Fetcher) request(key Key, port int, path string, h http.Header) (*http.Response, error) {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	target := fmt.Sprintf("http://%s:%d%s", f.host, port, path)

	var lastErr error
	attempts := f.retries + 1

	for i := 0; i < attempts; i++ {
		if i > 0 {
			fetchRetries.Inc()
			log.Debug().Err(lastErr).Msgf("rules: retry %d/%d %s %s", i, f.retries, key.Module, key.Type)
		}

		res, err := f.do(target, h)
		if err != nil {
			lastErr = err
			continue
		}

		if res.StatusCode == http.StatusNotModified || (res.StatusCode >= 200 && res.StatusCode < 300) {
			return res, nil
		}

		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		lastErr = xerrors.Errorf("%s: %d: %w", target, res.StatusCode, ErrUnexpectedStatus)
	}

	return nil, &FetchError{Key: key, Attempts: attempts, Err: lastErr}
}

// do runs a single attempt, the body is buffered so the attempt timeout does not outlive it
func (f *Fetcher) do(target string, h http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, xerrors.Errorf("new request %s failure: %w", target, err)
	}

	req.Header = h
	if host := h.Get("Host"); host != "" {
		req.Host = host
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, xerrors.Errorf("read %s failure: %w", target, err)
	}

	res.Body = io.NopCloser(strings.NewReader(string(body)))
	return res, nil
}

// ParseBody splits a worker response into rule text and values.
// A body that is a JSON object yields its `rules` string and `values` object,
// anything else, malformed JSON included, is plain rule text.
func ParseBody(body string) (string, map[string]string) {
	if !jsonObjectRegexp.MatchString(body) || !gjson.Valid(body) {
		return body, nil
	}

	parsed := gjson.Parse(body)

	text := ""
	if rules := parsed.Get("rules"); rules.Type == gjson.String {
		text = rules.String()
	}

	var values map[string]string
	if v := parsed.Get("values"); v.IsObject() {
		values = plugins.ParseValues(v.Raw)
	}

	return text, values
}

// Invalidate drops the cached rules of a plugin module for every rule type
func (f *Fetcher) Invalidate(module string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.generations[module]++
	for _, typ := range []plugins.RuleType{plugins.RulesType, plugins.ResRulesType, plugins.TunnelRulesType} {
		f.cache.remove(Key{Module: module, Type: typ})
	}
}

// Contribution is what plugin adds to the merged rules for typ.
// Without a port only the hidden rules are used, response rules never include them.
// A nil result means the plugin contributes nothing.
func (f *Fetcher) Contribution(ctx context.Context, typ plugins.RuleType, plugin *plugins.Plugin, port int, path string, header http.Header) (*engine.RuleText, error) {
	withHidden := typ != plugins.ResRulesType && plugin.HiddenRules != ""

	if port == 0 {
		if !withHidden {
			return nil, nil
		}

		return &engine.RuleText{Text: plugin.HiddenRules, Values: copyValues(plugin.HiddenValues), Root: plugin.Path}, nil
	}

	res, err := f.Fetch(ctx, Key{Module: plugin.ModuleName, Type: typ}, port, path, header)
	if err != nil {
		log.Warn().Err(err).Msgf("rules: plugin %s contributes no %s", plugin.Name, typ)
		return nil, err
	}

	text := res.Text
	if withHidden {
		text += "\n" + plugin.HiddenRules
	}

	if text == "" && res.Values == nil {
		return nil, nil
	}

	values := copyValues(plugin.HiddenValues)
	for k, v := range res.Values {
		values[k] = v
	}

	return &engine.RuleText{Text: text, Values: values, Root: plugin.Path}, nil
}

func copyValues(values map[string]string) map[string]string {
	res := make(map[string]string, len(values))
	for k, v := range values {
		res[k] = v
	}

	return res
}
