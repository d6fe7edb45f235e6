package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"pluginbridge/pkg/plugins"
)

const DefaultCacheSize = 36

// Key identifies a cache entry, one per plugin module and rule type
type Key struct {
	Module string
	Type   plugins.RuleType
}

func (k Key) String() string {
	return k.Module + "\n" + string(k.Type)
}

// entry is never modified once stored, revalidation stores a copy
type entry struct {
	body      string
	values    map[string]string
	raw       string
	etag      string
	maxAge    time.Duration // negative when the worker sent none
	validated time.Time
}

func (e *entry) fresh(now time.Time) bool {
	return e.maxAge >= 0 && now.Sub(e.validated) <= e.maxAge
}

func (e *entry) result(cached bool) *Result {
	return &Result{
		Text:   e.body,
		Values: e.values,
		Raw:    e.raw,
		Cached: cached,
	}
}

// parseMaxAge reads a max-age header value in milliseconds
func parseMaxAge(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return -1, false
	}

	ms, err := strconv.ParseFloat(value, 64)
	if err != nil || ms < 0 {
		return -1, false
	}

	return time.Duration(ms * float64(time.Millisecond)), true
}

type ruleCache struct {
	lru gcache.Cache
}

func newRuleCache(size int) *ruleCache {
	if size <= 0 {
		size = DefaultCacheSize
	}

	return &ruleCache{lru: gcache.New(size).LRU().Build()}
}

func (c *ruleCache) get(key Key) *entry {
	v, err := c.lru.Get(key.String())
	if err != nil {
		return nil
	}

	return v.(*entry)
}

func (c *ruleCache) set(key Key, e *entry) {
	_ = c.lru.Set(key.String(), e)
}

func (c *ruleCache) remove(key Key) {
	c.lru.Remove(key.String())
}

func (c *ruleCache) len() int {
	return c.lru.Len(false)
}
