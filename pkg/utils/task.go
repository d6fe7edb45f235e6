package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tevino/abool"
	"golang.org/x/xerrors"
)

var (
	ErrNoFunction = errors.New("no function")
)

// Task runs fn in the background, at most one run at a time
type Task struct {
	lock *Lock
	busy *abool.AtomicBool
	Desc string
	fn   func(ctx context.Context) error

	mu      sync.Mutex
	err     error
	lastRun time.Time
}

func NewTask(desc string, fn func(ctx context.Context) error) *Task {
	return &Task{
		lock: NewLock(),
		busy: abool.New(),
		Desc: desc,
		fn:   fn,
	}
}

// Run starts the task and returns once it is running, ErrLockBusy when a run is in progress
func (t *Task) Run(ctx context.Context) error {
	if err := t.lock.TryLock(); err != nil {
		return xerrors.Errorf("failed to run task %s: %w", t.Desc, err)
	}

	if t.fn == nil {
		_ = t.lock.UnLock()
		return xerrors.Errorf("failed to run task %s: %w", t.Desc, ErrNoFunction)
	}

	t.busy.Set()

	go func() {
		start := time.Now().UTC()
		log.Debug().Msgf("task: %s started", t.Desc)

		err := t.fn(ctx)

		t.mu.Lock()
		t.err = err
		t.lastRun = time.Now().UTC()
		t.mu.Unlock()

		log.Debug().Msgf("task: %s completed (%s)", t.Desc, time.Since(start))
		if err != nil {
			log.Error().Msgf("task: %s run failure: %v", t.Desc, err)
		}

		t.busy.UnSet()
		if err := t.lock.UnLock(); err != nil {
			log.Err(err).Msg("task unlock failure")
		}
	}()

	return nil
}

func (t *Task) IsBusy() bool {
	return t.busy.IsSet()
}

// Err is the result of the last completed run
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// Wait blocks until the running task completed, a timeout <= 0 waits forever
func (t *Task) Wait(timeout time.Duration) error {
	var err error
	if timeout <= 0 {
		err = t.lock.Lock()
	} else {
		err = t.lock.LockWithTimeout(timeout)
	}

	if err != nil {
		return xerrors.Errorf("wait for task %s completion failure: %w", t.Desc, err)
	}

	return t.lock.UnLock()
}

func (t *Task) SetFunction(fn func(ctx context.Context) error) error {
	if err := t.lock.TryLock(); err != nil {
		return xerrors.Errorf("failed to set function: %w", ErrLockBusy)
	}

	defer t.lock.UnLock()

	t.fn = fn
	return nil
}
