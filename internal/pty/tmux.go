package pty

import (
	"log/slog"
	"os/exec"
)

// MultiplexOptions tune a tmux-backed spawn.
type MultiplexOptions struct {
	Cols uint16
	Rows uint16
	// Command runs inside a newly created tmux session. Ignored when
	// attaching to an existing one.
	Command string
}

// tmuxSessionName derives a stable tmux session name from the session id, so
// that a reconnecting client attaches to the same terminal.
func tmuxSessionName(sessionID string) string {
	name := sessionID
	if len(name) > 12 {
		name = name[:12]
	}
	return "relay-" + name
}

func tmuxSessionExists(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// SpawnMultiplexed starts the session's terminal inside tmux: it attaches
// when a tmux session for this id already exists, otherwise it creates one
// running opts.Command. The terminal survives PTY detach either way.
func (b *Bridge) SpawnMultiplexed(sessionID, projectID, projectPath string, opts MultiplexOptions) (Handle, error) {
	name := tmuxSessionName(sessionID)
	command := opts.Command
	if command == "" {
		command = "claude"
	}

	var args []string
	exists := tmuxSessionExists(name)
	if exists {
		args = []string{"attach-session", "-t", name}
	} else {
		args = []string{"new-session", "-s", name, command}
	}

	handle, err := b.Spawn(sessionID, projectID, projectPath, SpawnOptions{
		Cols:  opts.Cols,
		Rows:  opts.Rows,
		Shell: "tmux",
		Args:  args,
	})
	if err != nil {
		return Handle{}, err
	}

	b.mu.Lock()
	if p := b.procs[sessionID]; p != nil {
		p.mu.Lock()
		p.handle.Mode = "tmux"
		p.handle.MultiplexSession = name
		handle = p.handle
		p.mu.Unlock()
	}
	b.mu.Unlock()

	b.logger.Info("tmux session attached",
		"session_id", sessionID, "tmux_session", name,
		slog.Bool("existing", exists))
	return handle, nil
}

// KillMultiplexedSession removes the tmux session itself, not just the
// attached PTY. Idempotent; a missing session is fine.
func KillMultiplexedSession(name string) {
	_ = exec.Command("tmux", "kill-session", "-t", name).Run()
}
