package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/progress"
)

const (
	defaultRows = 50
	defaultCols = 200

	// stopGrace is how long a worker gets between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second
)

type session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	sink *Sink
	done chan struct{}
	err  error
}

// PTYLauncher runs workers under pseudo-terminals.
type PTYLauncher struct {
	cfg    config.WorkerConfig
	fs     afero.Fs
	bus    *event.Bus
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewPTYLauncher creates a launcher for the configured worker command.
func NewPTYLauncher(cfg config.WorkerConfig, bus *event.Bus, logger *logging.Logger) *PTYLauncher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PTYLauncher{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Start launches the worker in spec.Workspace. The session slot is the
// agent id.
func (l *PTYLauncher) Start(ctx context.Context, spec Spec) (Session, error) {
	if err := WriteInstructions(l.fs, spec); err != nil {
		return Session{}, err
	}

	args := append([]string(nil), l.cfg.Args...)
	if l.cfg.PassInstructions {
		args = append(args, spec.Instructions)
	}
	// The context only bounds the start; workers outlive a single pass.
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	cmd := exec.Command(l.cfg.Command, args...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env, Env(spec, progress.Path(spec.Workspace))...)

	sink, err := NewSink(spec.AgentID, spec.LogPath, l.bus)
	if err != nil {
		return Session{}, err
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		_ = sink.Close()
		return Session{}, fmt.Errorf("start worker %q: %w", l.cfg.Command, err)
	}

	s := &session{cmd: cmd, ptmx: ptmx, sink: sink, done: make(chan struct{})}
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(sink, ptmx)
		close(copied)
	}()
	go func() {
		s.err = cmd.Wait()
		// Drain what the worker wrote before exiting. A background child
		// holding the terminal open must not block teardown.
		select {
		case <-copied:
		case <-time.After(2 * time.Second):
		}
		_ = ptmx.Close()
		_ = sink.Close()
		close(s.done)
		l.logger.WithAgent(spec.AgentID).Info("worker exited", "pid", cmd.Process.Pid, "error", errString(s.err))
	}()

	l.mu.Lock()
	l.sessions[spec.AgentID] = s
	l.mu.Unlock()

	l.logger.WithAgent(spec.AgentID).Info("worker started",
		"pid", cmd.Process.Pid,
		"command", filepath.Base(l.cfg.Command),
		"workspace", spec.Workspace)
	return Session{Slot: spec.AgentID, PID: cmd.Process.Pid}, nil
}

// Stop sends SIGTERM to the worker's process group and escalates to
// SIGKILL if it has not exited within the grace period.
func (l *PTYLauncher) Stop(slot string) error {
	l.mu.Lock()
	s, ok := l.sessions[slot]
	delete(l.sessions, slot)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-s.done:
		return nil
	default:
	}

	pid := s.cmd.Process.Pid
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		l.logger.WithAgent(slot).Warn("worker ignored SIGTERM, killing", "pid", pid)
		if err := signalGroup(pid, unix.SIGKILL); err != nil {
			return err
		}
		<-s.done
	}
	return nil
}

// Alive reports whether the slot's process is still running.
func (l *PTYLauncher) Alive(slot string) bool {
	l.mu.Lock()
	s, ok := l.sessions[slot]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Known reports whether the slot was started here and not yet stopped.
func (l *PTYLauncher) Known(slot string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[slot]
	return ok
}

// signalGroup signals the process group led by pid. pty.Start puts the
// worker in its own session, so the group id equals its pid.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal worker %d: %w", pid, err)
	}
	return nil
}

// ProcessExists reports whether pid names a live process. Used on recovery
// for workers left behind by a previous engine process.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Terminate stops a worker that this process did not start.
func Terminate(pid int) error {
	if !ProcessExists(pid) {
		return nil
	}
	return signalGroup(pid, unix.SIGTERM)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
