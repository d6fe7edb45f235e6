package command

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	processInfo "github.com/shirou/gopsutil/process"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/utils"
)

var (
	ErrKilled = errors.New("killed after grace period")
)

// RunError describes a worker process that failed to start or exited with an error
type RunError struct {
	Cmd string
	Err error
}

func (e *RunError) Error() string {
	return e.Cmd + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Process is a long running child started with Start.
// Stdout and Stderr must be drained by the caller.
type Process struct {
	Cmd    string
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

// Start launches cmdline in dir without waiting for it to exit
func Start(dir string, envs *Envs, cmdline ...interface{}) (*Process, error) {
	cmd := utils.StringList(cmdline...)
	if len(cmd) == 0 {
		return nil, xerrors.Errorf("start failure: empty command line")
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = dir
	c.WaitDelay = time.Second

	if envs != nil {
		c.Env = envs.StringList()
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("%s stdin pipe failure: %w", cmd[0], err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW

	p := &Process{
		Cmd:    strings.Join(cmd, " "),
		Stdin:  stdin,
		Stdout: stdoutR,
		Stderr: stderrR,
		cmd:    c,
		done:   make(chan struct{}),
	}

	log.Debug().Msgf("cmd start: %s", c.String())

	if err := c.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &RunError{Cmd: p.Cmd + " in " + dir, Err: err}
	}

	go func() {
		err := c.Wait()
		if err != nil {
			p.err = &RunError{Cmd: p.Cmd + " in " + dir, Err: err}
		}
		stdoutW.Close()
		stderrW.Close()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err is the exit error, only valid after Done is closed
func (p *Process) Err() error {
	<-p.done
	return p.err
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process to exit with SIGTERM and kills it, and anything
// it spawned, when it is still running after grace.
func (p *Process) Terminate(grace time.Duration) error {
	var err error

	p.once.Do(func() {
		if p.Exited() {
			return
		}

		p.Stdin.Close()

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !p.Exited() {
			log.Warn().Err(sigErr).Msgf("cmd %s: sigterm failure", p.Cmd)
		}

		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}

		p.killChildren()

		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = xerrors.Errorf("cmd %s kill failure: %w", p.Cmd, killErr)
			return
		}

		<-p.done
		err = xerrors.Errorf("cmd %s: %w", p.Cmd, ErrKilled)
	})

	return err
}

func (p *Process) killChildren() {
	proc, err := processInfo.NewProcess(int32(p.Pid()))
	if err != nil {
		return
	}

	children, err := proc.Children()
	if err != nil {
		return
	}

	for _, child := range children {
		if err := child.Kill(); err != nil {
			log.Warn().Err(err).Msgf("cmd %s: failed to kill child %d", p.Cmd, child.Pid)
		}
	}
}

// Envs is a set of environment variables
type Envs map[string]string

func NewEnvs(kvs ...string) *Envs {
	e := &Envs{}
	e.AddEnv(kvs...)
	return e
}

func (e Envs) AddEnv(envs ...string) {
	for _, env := range envs {
		envParts := strings.SplitN(env, "=", 2)
		if len(envParts) == 0 || envParts[0] == "" {
			continue
		}

		key := envParts[0]
		value := ""
		if len(envParts) > 1 {
			value = envParts[1]
		}

		e[strings.TrimSpace(key)] = value
	}
}

func (e Envs) StringList() []string {
	res := []string{}

	// e can be nil. This is ok because enumeration on nil objects is just zero length
	for k, v := range e {
		res = append(res, k+"="+v)
	}

	return res
}
