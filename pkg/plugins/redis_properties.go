package plugins

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

const (
	allDisabledKey = "disabledAllPlugins"
	disabledKey    = "disabledPlugins"
)

// RedisProperties keeps the disabled flags in redis so several proxies can share them.
// Lookups are served from the snapshot taken by the last Refresh.
type RedisProperties struct {
	client *redis.Client
	prefix string

	mu       sync.RWMutex
	all      bool
	disabled map[string]bool
}

func NewRedisProperties(client *redis.Client, prefix string) *RedisProperties {
	return &RedisProperties{
		client:   client,
		prefix:   prefix,
		disabled: map[string]bool{},
	}
}

func (p *RedisProperties) key(name string) string {
	return p.prefix + name
}

func (p *RedisProperties) Refresh(ctx context.Context) error {
	pipe := p.client.Pipeline()
	allCmd := pipe.Get(ctx, p.key(allDisabledKey))
	disabledCmd := pipe.HGetAll(ctx, p.key(disabledKey))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return xerrors.Errorf("redis properties refresh failure: %w", err)
	}

	all := false
	if value, err := allCmd.Result(); err == nil {
		all, _ = strconv.ParseBool(value)
	}

	fields, err := disabledCmd.Result()
	if err != nil && err != redis.Nil {
		return xerrors.Errorf("redis properties refresh failure: %w", err)
	}

	disabled := map[string]bool{}
	for name, value := range fields {
		if flag, _ := strconv.ParseBool(value); flag {
			disabled[name] = true
		}
	}

	p.mu.Lock()
	p.all = all
	p.disabled = disabled
	p.mu.Unlock()

	log.Debug().Msgf("redis properties: all disabled: %v disabled: %d", all, len(disabled))
	return nil
}

func (p *RedisProperties) AllDisabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.all
}

func (p *RedisProperties) Disabled(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.all || p.disabled[name]
}

func (p *RedisProperties) SetDisabled(ctx context.Context, name string, disabled bool) error {
	var err error
	if disabled {
		err = p.client.HSet(ctx, p.key(disabledKey), name, "true").Err()
	} else {
		err = p.client.HDel(ctx, p.key(disabledKey), name).Err()
	}

	if err != nil {
		return xerrors.Errorf("redis properties set %s failure: %w", name, err)
	}

	return p.Refresh(ctx)
}

func (p *RedisProperties) SetAllDisabled(ctx context.Context, disabled bool) error {
	if err := p.client.Set(ctx, p.key(allDisabledKey), strconv.FormatBool(disabled), 0).Err(); err != nil {
		return xerrors.Errorf("redis properties set all failure: %w", err)
	}

	return p.Refresh(ctx)
}
