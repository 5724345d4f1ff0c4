// Package pty bridges interactive terminal processes into the event stream.
// A process session attaches a real PTY (directly or through tmux) and turns
// its output into sequenced process.data envelopes.
package pty

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/event"
	"github.com/basket/relay/internal/otel"
)

// ErrNotFound reports an unknown process session id.
var ErrNotFound = errors.New("process session not found")

const (
	DefaultCols = 220
	DefaultRows = 50
)

// Status of a process session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Handle is a read-only snapshot of a process session.
type Handle struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	PID       int    `json:"pid"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Status    Status `json:"status"`
	// Mode is "raw" for a direct PTY or "tmux" for a multiplexed one.
	Mode string `json:"mode"`
	// MultiplexSession names the tmux session when Mode is "tmux".
	MultiplexSession string `json:"multiplexSession,omitempty"`
}

// SpawnOptions tune a spawn. Zero values fall back to defaults.
type SpawnOptions struct {
	Cols  uint16
	Rows  uint16
	Shell string
	Args  []string
}

type proc struct {
	handle Handle
	cmd    *exec.Cmd
	tty    *os.File

	mu     sync.Mutex
	closed bool
}

// Bridge owns all process sessions of the runner.
type Bridge struct {
	broadcaster *bus.Broadcaster
	runnerID    string
	logger      *slog.Logger
	metrics     *otel.Metrics

	mu    sync.Mutex
	procs map[string]*proc
}

func NewBridge(broadcaster *bus.Broadcaster, runnerID string, logger *slog.Logger, metrics ...*otel.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		broadcaster: broadcaster,
		runnerID:    runnerID,
		logger:      logger,
		procs:       make(map[string]*proc),
	}
	if len(metrics) > 0 {
		b.metrics = metrics[0]
	}
	return b
}

// Spawn starts a shell on a fresh PTY for the session and begins streaming
// its output. One process per session; a second spawn for the same id fails.
func (b *Bridge) Spawn(sessionID, projectID, projectPath string, opts SpawnOptions) (Handle, error) {
	cols := opts.Cols
	if cols == 0 {
		cols = DefaultCols
	}
	rows := opts.Rows
	if rows == 0 {
		rows = DefaultRows
	}
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	p := &proc{
		handle: Handle{
			SessionID: sessionID,
			ProjectID: projectID,
			Cols:      cols,
			Rows:      rows,
			Status:    StatusOpen,
			Mode:      "raw",
		},
	}

	// Reserve the id before the PTY starts; a concurrent spawn for the same
	// session must fail here, not race past the existence check.
	b.mu.Lock()
	if _, exists := b.procs[sessionID]; exists {
		b.mu.Unlock()
		return Handle{}, errors.New("process session already open")
	}
	b.procs[sessionID] = p
	b.mu.Unlock()

	cmd := exec.Command(shell, opts.Args...)
	cmd.Dir = projectPath
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		b.mu.Lock()
		delete(b.procs, sessionID)
		b.mu.Unlock()
		return Handle{}, err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.tty = tty
	p.handle.PID = cmd.Process.Pid
	handle := p.handle
	p.mu.Unlock()

	b.emit(p, event.TypeProcessOpened, map[string]any{
		"pid":  handle.PID,
		"cols": int(cols),
		"rows": int(rows),
	})
	b.logger.Info("process spawned",
		"session_id", sessionID, "pid", handle.PID, "shell", shell)

	go b.pump(p)
	return handle, nil
}

// pump copies PTY output into process.data envelopes until the process exits,
// then emits process.closed exactly once and drops the session.
func (b *Bridge) pump(p *proc) {
	buf := make([]byte, 8192)
	for {
		n, err := p.tty.Read(buf)
		if n > 0 {
			if b.metrics != nil {
				b.metrics.ProcessBytesRead.Add(context.Background(), int64(n))
			}
			b.emit(p, event.TypeProcessData, map[string]any{
				"data": base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}

	// A kill or signal termination has no exit code; the payload carries null
	// so observers can tell it apart from a real non-zero exit.
	var exitCode any
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			exitCode = exitErr.ExitCode()
		}
	} else {
		exitCode = 0
	}
	p.tty.Close()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.handle.Status = StatusClosed
	p.mu.Unlock()

	b.mu.Lock()
	delete(b.procs, p.handle.SessionID)
	b.mu.Unlock()

	b.emit(p, event.TypeProcessClosed, map[string]any{"exitCode": exitCode})
	b.logger.Info("process exited",
		"session_id", p.handle.SessionID, "exit_code", exitCode)
}

func (b *Bridge) emit(p *proc, typ string, payload map[string]any) {
	env := event.New(typ, p.handle.SessionID, p.handle.ProjectID, b.runnerID, event.ModeProcess, payload)
	b.broadcaster.Broadcast(p.handle.SessionID, env)
}

// Write sends input to the process. Unknown or closed sessions are a silent
// no-op; terminal input races with exit by nature.
func (b *Bridge) Write(sessionID string, data []byte) {
	p := b.get(sessionID)
	if p == nil {
		return
	}
	p.mu.Lock()
	tty := p.tty
	closed := p.closed
	p.mu.Unlock()
	if closed || tty == nil {
		return
	}
	_, _ = tty.Write(data)
}

// Resize changes the PTY window size. No-op for unknown or closed sessions.
func (b *Bridge) Resize(sessionID string, cols, rows uint16) {
	p := b.get(sessionID)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.tty == nil {
		return
	}
	if err := pty.Setsize(p.tty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return
	}
	p.handle.Cols = cols
	p.handle.Rows = rows
}

// Kill terminates the process. The exit path through pump emits
// process.closed. Killing an unknown session is a no-op.
func (b *Bridge) Kill(sessionID string) {
	p := b.get(sessionID)
	if p == nil {
		return
	}
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return
	}
	// The process may already be gone.
	_ = cmd.Process.Kill()
}

// Get returns the session's handle.
func (b *Bridge) Get(sessionID string) (Handle, error) {
	p := b.get(sessionID)
	if p == nil {
		return Handle{}, ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle, nil
}

// List returns handles of all open process sessions, filtered by project
// when projectID is non-empty.
func (b *Bridge) List(projectID string) []Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handle, 0, len(b.procs))
	for _, p := range b.procs {
		p.mu.Lock()
		h := p.handle
		p.mu.Unlock()
		if projectID != "" && h.ProjectID != projectID {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (b *Bridge) get(sessionID string) *proc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[sessionID]
}
