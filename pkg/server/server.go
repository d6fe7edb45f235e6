package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/manager"
	"pluginbridge/pkg/options"
	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/rules"
	"pluginbridge/pkg/supervisor"
	"pluginbridge/pkg/utils"
)

const (
	DefaultAdminAddr   = "127.0.0.1:8900"
	DefaultRedisPrefix = "pluginbridge:"
)

// BridgeServer wires the plugin core together and serves the admin API
type BridgeServer struct {
	Name    string
	Opts    *options.OptionValue
	Started chan struct{}
	Addr    string

	Engine     *engine.Simple
	Registry   *plugins.Registry
	Supervisor *supervisor.Supervisor
	Fetcher    *rules.Fetcher
	Manager    *manager.Manager

	refresh *utils.Task
	redis   *redis.Client
	router  *mux.Router

	mu sync.Mutex
	hs *http.Server
}

func NewBridgeServer() *BridgeServer {
	return &BridgeServer{
		Name:    "pluginbridge",
		Started: make(chan struct{}),
	}
}

// Init loads configFile and builds every component from its global section
func (s *BridgeServer) Init(configFile string) error {
	config, err := options.Load(configFile)
	if err != nil {
		return xerrors.Errorf("%s init failure: %w", s.Name, err)
	}

	return s.InitWithOptions(config.Get("global"))
}

func (s *BridgeServer) InitWithOptions(opts *options.OptionValue) (err error) {
	if opts == nil {
		opts = &options.OptionValue{}
	}
	s.Opts = opts

	debug := opts.Get("debug").Bool()

	var props plugins.Properties
	if addr := opts.Get("redis.addr").String(); addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Get("redis.password").String(),
			DB:       opts.Get("redis.db").Int(),
		})
		props = plugins.NewRedisProperties(s.redis, opts.GetDefault("redis.prefix", DefaultRedisPrefix).String())
		log.Info().Msgf("%s plugin properties stored in redis %s", s.Name, addr)
	} else {
		props = plugins.NewMemoryProperties(opts.Get("plugins.disabledAll").Bool(), opts.Get("plugins.disabled").StringList()...)
	}

	dirs := opts.Get("plugins.dirs").StringList()
	if len(dirs) == 0 {
		log.Warn().Msgf("%s has no plugin directories configured", s.Name)
	}

	s.Registry = plugins.NewRegistry(plugins.NewDirDiscoverer(dirs...), props, opts.Get("refresh.interval").Duration())

	s.Supervisor = supervisor.New(supervisor.Config{
		Command:      opts.Get("worker.command").StringList(),
		Envs:         opts.Get("worker.envs").StringList(),
		StartTimeout: opts.Get("worker.start.timeout").Duration(),
		KillTimeout:  opts.Get("worker.kill.timeout").Duration(),
		Shared:       options.Shared(opts),
		Debug:        debug,
	})

	s.Fetcher = rules.NewFetcher(
		rules.WithRetries(opts.GetDefault("fetch.retries", rules.DefaultRetries).Int()),
		rules.WithTimeout(opts.GetDefault("fetch.timeout", rules.DefaultTimeout).Duration()),
		rules.WithCacheSize(opts.GetDefault("cache.size", rules.DefaultCacheSize).Int()),
	)

	values := map[string]string{}
	for key, value := range opts.Get("values").Map() {
		values[key] = value.String()
	}
	s.Engine = engine.NewSimple(values)
	s.Engine.SetRules(opts.Get("rules").String())

	s.Manager = manager.New(s.Registry, s.Supervisor, s.Fetcher, manager.Config{
		Engine:     s.Engine,
		Appender:   s.Engine,
		NewRuleSet: engine.NewSimpleRuleSet,
		Debug:      debug,
	})

	s.refresh = utils.NewTask("plugins refresh", s.Registry.Refresh)

	if dev := opts.Get("admin.dev").String(); dev != "" {
		var ip string
		if ip, err = utils.GetInterfaceIpv4Addr(dev); err != nil {
			return xerrors.Errorf("failed to get ipv4 address from device %s: %w", dev, err)
		}
		s.Addr = net.JoinHostPort(ip, opts.GetDefault("admin.port", "8900").String())
	} else {
		s.Addr = opts.GetDefault("admin.listen", DefaultAdminAddr).String()
	}

	s.router = s.routes()

	return nil
}

// Start runs the registry loop and serves the admin API until Stop is called
func (s *BridgeServer) Start() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return xerrors.Errorf("%s listen tcp failure: %w", s.Addr, err)
	}

	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.hs = hs
	s.Addr = l.Addr().String()
	s.mu.Unlock()

	s.Manager.Start()

	log.Debug().Msgf("%s serving requests on %s", s.Name, l.Addr())
	close(s.Started)

	if err := hs.Serve(l); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msgf("%s server listening on %s has failed", s.Name, l.Addr())
		return xerrors.Errorf("%s serve failure: %w", s.Name, err)
	}

	log.Debug().Msgf("%s server listening on %s has shutdown", s.Name, l.Addr())
	return nil
}

func (s *BridgeServer) Stop() error {
	wait := 15 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	var result *multierror.Error

	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.Manager != nil {
		if err := s.Manager.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	log.Debug().Msgf("all %s services have shutdown", s.Name)
	return result.ErrorOrNil()
}

func (s *BridgeServer) IsStarted() chan struct{} {
	return s.Started
}

// ListenAddr is the address the admin API is bound to once started
func (s *BridgeServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Addr
}
