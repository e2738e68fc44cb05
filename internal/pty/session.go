// Package pty supervises the single pseudo-terminal-backed Claude CLI
// process and the transport attached to it.
package pty

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/codequest/exercise-agent/internal/apperr"
)

// Transport is the attached remote end of a session. The WebSocket handler
// implements it; the supervisor never learns about sockets.
type Transport interface {
	// SendOutput forwards raw terminal output bytes to the client.
	SendOutput(data []byte) error
	// SendError delivers one structured error frame.
	SendError(e *apperr.Error) error
	// Close tears the connection down.
	Close() error
}

// Session is the live pairing of one spawned process with at most one
// attached transport. The supervisor owns the registry slot; the process
// handle is set once at spawn and never replaced.
type Session struct {
	ID            string
	ExerciseID    string
	WorkspacePath string
	CreatedAt     time.Time

	cmd    *exec.Cmd
	ptmx   *os.File
	replay *ReplayBuffer
	done   chan struct{}

	mu        sync.Mutex
	transport Transport
}

// SessionConfig holds parameters for starting a session process.
type SessionConfig struct {
	ID            string
	ExerciseID    string
	WorkspacePath string
	Command       string
	Rows          int
	Cols          int
	InitialInput  string
}

// startSession launches the command under a pseudo terminal. The caller
// (the Supervisor) registers exit handling before the session is exposed.
func startSession(cfg SessionConfig) (*Session, error) {
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := buildCommand(cfg.Command)
	cmd.Dir = cfg.WorkspacePath
	cmd.Env = append(childEnv(os.Environ()), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, apperr.WithAction(apperr.CodePTYSpawnFailed,
			"failed to start terminal process: "+err.Error(),
			"check that the Claude CLI is installed and executable")
	}

	s := &Session{
		ID:            cfg.ID,
		ExerciseID:    cfg.ExerciseID,
		WorkspacePath: cfg.WorkspacePath,
		CreatedAt:     time.Now().UTC(),
		cmd:           cmd,
		ptmx:          ptmx,
		replay:        NewReplayBuffer(0),
		done:          make(chan struct{}),
	}

	if cfg.InitialInput != "" {
		_, _ = ptmx.WriteString(cfg.InitialInput + "\r")
	}

	return s, nil
}

// buildCommand handles the Windows script-file indirection: .cmd/.bat files
// cannot be exec'd directly and must go through the command interpreter.
func buildCommand(path string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cmd", ".bat":
			return exec.Command("cmd", "/C", path)
		}
	}
	return exec.Command(path)
}

// childEnv strips the variables the Claude CLI sets in its own child
// processes. Without this the spawned CLI believes it is running inside
// another Claude session and refuses to start interactively.
func childEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if key == "CLAUDECODE" || strings.HasPrefix(key, "CLAUDE_CODE_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Write forwards raw input bytes to the process's terminal.
func (s *Session) Write(data []byte) error {
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the pseudo terminal's window size.
func (s *Session) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// attach binds t as the session's transport, replaying buffered output so
// the client repaints. Any previously attached transport is unwired first;
// the process is untouched.
func (s *Session) attach(t Transport) {
	s.mu.Lock()
	s.transport = t
	snapshot := s.replay.Snapshot()
	s.mu.Unlock()

	if len(snapshot) > 0 {
		_ = t.SendOutput(snapshot)
	}
}

// detach unwires t if it is still the attached transport. A stale transport
// that was swapped out earlier is ignored, so a deferred detach in the
// WebSocket handler can never unwire its successor.
func (s *Session) detach(t Transport) {
	s.mu.Lock()
	if s.transport == t || t == nil {
		s.transport = nil
	}
	s.mu.Unlock()
}

// takeTransport detaches and returns the current transport, if any.
func (s *Session) takeTransport() Transport {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	return t
}

// Attached reports whether a transport is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// pump copies process output to the replay buffer and the attached
// transport until the terminal closes, then waits for the process to be
// reaped. It runs on its own goroutine for the session's whole life.
func (s *Session) pump(onExit func()) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_, _ = s.replay.Write(chunk)

			s.mu.Lock()
			t := s.transport
			s.mu.Unlock()
			if t != nil {
				_ = t.SendOutput(chunk)
			}
		}
		if err != nil {
			// EIO is the normal read error once the child exits and
			// the slave side closes.
			break
		}
	}

	_ = s.cmd.Wait()
	close(s.done)
	onExit()
}

// Done is closed once the session's process has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// terminate closes the terminal and kills the process if it is still
// running. Idempotent: double close and double kill errors are swallowed.
func (s *Session) terminate() {
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
