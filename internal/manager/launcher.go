package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/logger"
)

// Process is a running backend host
type Process interface {
	// Wait blocks until the host has exited
	Wait() error
	// Kill stops the host without a quit handshake
	Kill() error
}

// Launcher starts a backend host listening on socketPath
type Launcher interface {
	Launch(ctx context.Context, socketPath string) (Process, error)
}

// ExecLauncher runs "<Path> backend serve --socket <socketPath>"
type ExecLauncher struct {
	Path string
	// Env is appended to the current environment
	Env []string
}

func (l ExecLauncher) Launch(ctx context.Context, socketPath string) (Process, error) {
	cmd := exec.Command(l.Path, "backend", "serve", "--socket", socketPath)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend host %s: %w", l.Path, err)
	}
	logger.Debug("Backend host started", "pid", cmd.Process.Pid, "socket", socketPath)
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (p *execProcess) Wait() error {
	p.once.Do(func() { p.err = p.cmd.Wait() })
	return p.err
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// LocalLauncher hosts backends on a goroutine of the current process. The
// manager still talks to it over the socket, so the out-of-process path
// can run without spawning a binary.
type LocalLauncher struct {
	Registry *backend.Registry

	launches atomic.Int32
	mu       sync.Mutex
	last     *localProcess
}

// Crash kills the most recently started host without a quit handshake
func (l *LocalLauncher) Crash() error {
	l.mu.Lock()
	p := l.last
	l.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no host started")
	}
	return p.Kill()
}

// Launches returns how many hosts were started
func (l *LocalLauncher) Launches() int {
	return int(l.launches.Load())
}

func (l *LocalLauncher) Launch(ctx context.Context, socketPath string) (Process, error) {
	l.launches.Add(1)
	hostCtx, cancel := context.WithCancel(context.Background())
	p := &localProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = Serve(hostCtx, l.Registry, socketPath)
	}()
	l.mu.Lock()
	l.last = p
	l.mu.Unlock()
	return p, nil
}

type localProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *localProcess) Kill() error {
	p.cancel()
	<-p.done
	return nil
}
