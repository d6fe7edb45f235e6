package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tevino/abool"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/plugins"
	"pluginbridge/pkg/protocol"
	"pluginbridge/pkg/utils/command"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultKillTimeout  = 10 * time.Second

	// DefaultWorker is run from the plugin directory when no worker command is configured
	DefaultWorker = "worker"
)

var (
	ErrStopped    = errors.New("supervisor stopped")
	ErrCancelled  = errors.New("worker stopped while starting")
	ErrNoReply    = errors.New("worker exited without reporting ports")
	ErrNoResponse = errors.New("worker did not report ports in time")
)

var (
	workerSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginbridge_worker_spawns_total",
		Help: "Worker start attempts by result",
	}, []string{"result"})

	workerStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pluginbridge_worker_stops_total",
		Help: "Workers stopped by the supervisor",
	})

	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pluginbridge_workers_running",
		Help: "Workers currently running",
	})
)

// SpawnError is returned when a worker could not be started
type SpawnError struct {
	Plugin string
	Err    error
}

func (e *SpawnError) Error() string {
	return "spawn " + e.Plugin + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type Config struct {
	// Command runs the worker, the plugin directory is its working directory
	Command      []string
	Envs         []string
	StartTimeout time.Duration
	KillTimeout  time.Duration
	Shared       map[string]interface{}
	Debug        bool
}

// spawnRequest is written as one JSON line to the worker's stdin
type spawnRequest struct {
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	Headers   map[string]string      `json:"headers"`
	Config    map[string]interface{} `json:"config"`
	DebugMode bool                   `json:"debugMode"`
}

// spawnReply is the first line the worker writes to stdout
type spawnReply struct {
	plugins.Ports
	Error string `json:"error,omitempty"`
}

type worker struct {
	key    string
	plugin *plugins.Plugin
	proc   *command.Process
	ports  *plugins.Ports
}

// Supervisor runs at most one worker process per worker command and plugin path
type Supervisor struct {
	cfg     Config
	script  string
	group   singleflight.Group
	stopped *abool.AtomicBool
	quit    chan struct{}

	mu       sync.Mutex
	workers  map[string]*worker
	epochs   map[string]uint64 // bumped by Stop, a start begun in an older epoch is discarded
	spawning sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}

	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}

	return &Supervisor{
		cfg:     cfg,
		script:  strings.Join(cfg.Command, " "),
		stopped: abool.New(),
		quit:    make(chan struct{}),
		workers: map[string]*worker{},
		epochs:  map[string]uint64{},
	}
}

func (s *Supervisor) key(p *plugins.Plugin) string {
	return s.script + "\n" + p.Path
}

func (s *Supervisor) get(key string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[key]
}

// Running reports whether a worker is up for p
func (s *Supervisor) Running(p *plugins.Plugin) bool {
	return s.get(s.key(p)) != nil
}

// EnsureStarted returns the ports of p's worker, starting it on first use.
// Concurrent calls for the same plugin wait for the same start.
func (s *Supervisor) EnsureStarted(ctx context.Context, p *plugins.Plugin) (*plugins.Ports, error) {
	if s.stopped.IsSet() {
		return nil, xerrors.Errorf("ensure started %s: %w", p.Name, ErrStopped)
	}

	key := s.key(p)
	if w := s.get(key); w != nil {
		return w.ports, nil
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		s.mu.Lock()
		if w := s.workers[key]; w != nil {
			s.mu.Unlock()
			return w.ports, nil
		}
		if s.stopped.IsSet() {
			s.mu.Unlock()
			return nil, &SpawnError{Plugin: p.Name, Err: ErrStopped}
		}
		epoch := s.epochs[key]
		s.spawning.Add(1)
		s.mu.Unlock()

		defer s.spawning.Done()

		w, err := s.spawn(key, epoch, p)
		if err != nil {
			workerSpawns.WithLabelValues("error").Inc()
			log.Error().Err(err).Msgf("supervisor: failed to start worker for %s", p.Name)
			return nil, err
		}

		workerSpawns.WithLabelValues("ok").Inc()
		return w.ports, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*plugins.Ports), nil
	case <-ctx.Done():
		return nil, xerrors.Errorf("ensure started %s: %w", p.Name, ctx.Err())
	}
}

func (s *Supervisor) commandLine(p *plugins.Plugin) []string {
	if len(s.cfg.Command) > 0 {
		return s.cfg.Command
	}

	return []string{filepath.Join(p.Path, DefaultWorker)}
}

func (s *Supervisor) spawn(key string, epoch uint64, p *plugins.Plugin) (*worker, error) {
	envs := command.NewEnvs(os.Environ()...)
	envs.AddEnv(s.cfg.Envs...)
	envs.AddEnv("PLUGIN_PATH="+p.Path, "PLUGIN_NAME="+p.Name)

	proc, err := command.Start(p.Path, envs, s.commandLine(p))
	if err != nil {
		return nil, &SpawnError{Plugin: p.Name, Err: err}
	}

	go s.pipe(p, "stderr", proc.Stderr)

	first := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(proc.Stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		answered := false
		for scanner.Scan() {
			if !answered {
				answered = true
				first <- scanner.Text()
				continue
			}
			s.logOutput(p, "stdout", scanner.Text())
		}

		if !answered {
			close(first)
		}

		io.Copy(io.Discard, proc.Stdout)
	}()

	req := spawnRequest{
		Name:      p.ModuleName,
		Path:      p.Path,
		Headers:   protocol.HeaderTable(),
		Config:    s.cfg.Shared,
		DebugMode: s.cfg.Debug,
	}

	if err := json.NewEncoder(proc.Stdin).Encode(req); err != nil {
		proc.Terminate(s.cfg.KillTimeout)
		return nil, &SpawnError{Plugin: p.Name, Err: xerrors.Errorf("write spawn request: %w", err)}
	}

	var line string
	select {
	case l, ok := <-first:
		if !ok {
			proc.Terminate(s.cfg.KillTimeout)
			return nil, &SpawnError{Plugin: p.Name, Err: xerrors.Errorf("%v: %w", proc.Err(), ErrNoReply)}
		}
		line = l
	case <-time.After(s.cfg.StartTimeout):
		proc.Terminate(s.cfg.KillTimeout)
		return nil, &SpawnError{Plugin: p.Name, Err: ErrNoResponse}
	case <-s.quit:
		proc.Terminate(s.cfg.KillTimeout)
		return nil, &SpawnError{Plugin: p.Name, Err: ErrStopped}
	}

	var reply spawnReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		proc.Terminate(s.cfg.KillTimeout)
		return nil, &SpawnError{Plugin: p.Name, Err: xerrors.Errorf("invalid reply %q: %w", line, err)}
	}

	if reply.Error != "" {
		proc.Terminate(s.cfg.KillTimeout)
		return nil, &SpawnError{Plugin: p.Name, Err: errors.New(reply.Error)}
	}

	ports := reply.Ports
	w := &worker{key: key, plugin: p, proc: proc, ports: &ports}

	s.mu.Lock()
	if s.stopped.IsSet() || s.epochs[key] != epoch {
		s.mu.Unlock()
		proc.Terminate(s.cfg.KillTimeout)
		log.Debug().Msgf("supervisor: worker for %s stopped while starting", p.Name)
		return nil, &SpawnError{Plugin: p.Name, Err: ErrCancelled}
	}
	s.workers[key] = w
	s.mu.Unlock()
	workersRunning.Inc()

	log.Info().Msgf("supervisor: started worker for %s pid %d ports %+v", p, proc.Pid(), ports)

	go func() {
		<-proc.Done()
		s.forget(w)
		log.Debug().Err(proc.Err()).Msgf("supervisor: worker for %s exited", p.Name)
	}()

	return w, nil
}

// forget removes w unless it was already replaced
func (s *Supervisor) forget(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.workers[w.key]; ok && current == w {
		delete(s.workers, w.key)
		workersRunning.Dec()
		return true
	}

	return false
}

func (s *Supervisor) pipe(p *plugins.Plugin, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logOutput(p, stream, scanner.Text())
	}
	io.Copy(io.Discard, r)
}

func (s *Supervisor) logOutput(p *plugins.Plugin, stream, line string) {
	if !s.cfg.Debug {
		return
	}

	log.Debug().Str("stream", stream).Msgf("[plugin] [%s] %s", p.Name, line)
}

// Stop terminates the worker of p, killing it when it is still running after the kill timeout.
// A start of p still in progress is discarded once the worker answers.
func (s *Supervisor) Stop(p *plugins.Plugin) error {
	key := s.key(p)

	s.mu.Lock()
	s.epochs[key]++
	w := s.workers[key]
	s.mu.Unlock()

	if w == nil {
		return nil
	}

	return s.stop(w)
}

func (s *Supervisor) stop(w *worker) error {
	s.forget(w)
	workerStops.Inc()

	err := w.proc.Terminate(s.cfg.KillTimeout)
	if xerrors.Is(err, command.ErrKilled) {
		log.Warn().Msgf("supervisor: worker for %s killed after %s", w.plugin.Name, s.cfg.KillTimeout)
	} else if err == nil {
		log.Debug().Msgf("supervisor: worker for %s stopped", w.plugin.Name)
	}

	return err
}

// Shutdown stops every worker, starts in progress included, no worker is started afterwards
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.SetToIf(false, true) {
		close(s.quit)
	}
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var g multierror.Group
	for _, w := range workers {
		w := w
		g.Go(func() error { return s.stop(w) })
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait().ErrorOrNil()
		s.spawning.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return xerrors.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}
