package pty

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/codequest/exercise-agent/internal/apperr"
)

// EventRecorder receives session lifecycle events for the history log.
// Implementations must not block; recording failures are the recorder's
// problem, never the supervisor's.
type EventRecorder interface {
	Record(event, sessionID, exerciseID, detail string)
}

// SupervisorConfig holds construction parameters for the Supervisor.
type SupervisorConfig struct {
	// ClaudeBin is the executable name or path of the wrapped CLI.
	ClaudeBin   string
	DefaultRows int
	DefaultCols int
	// Recorder is optional.
	Recorder EventRecorder
}

// Supervisor owns the server's one session slot. "At most one live session"
// is structural: the slot is a single pointer, not a map, so a second
// session cannot exist without the first being removed. All slot mutations
// go through the supervisor's mutex; the ordering of spawn/kill versus
// process-exit callbacks is handled by treating slot occupancy as the sole
// source of truth (see handleExit).
type Supervisor struct {
	claudePath  string
	lookupErr   error
	defaultRows int
	defaultCols int
	recorder    EventRecorder

	// opMu serializes lifecycle operations (spawn, kill, reset) so the
	// evict-start-install sequence of one spawn is atomic with respect to
	// every other operation. mu guards only the slot pointer; it may be
	// taken while opMu is held, never the reverse. Exit callbacks take mu
	// alone, so a process dying mid-operation cannot deadlock.
	opMu sync.Mutex

	mu      sync.Mutex
	current *Session
}

// NewSupervisor resolves the wrapped executable once at startup and returns
// the supervisor. Resolution failure is not fatal here: it surfaces as
// CLAUDE_NOT_FOUND on the first spawn and as claudeInPath=false in /health.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	path, err := exec.LookPath(cfg.ClaudeBin)
	if err != nil {
		slog.Warn("Claude CLI not found in PATH", "bin", cfg.ClaudeBin, "error", err)
	}
	return &Supervisor{
		claudePath:  path,
		lookupErr:   err,
		defaultRows: cfg.DefaultRows,
		defaultCols: cfg.DefaultCols,
		recorder:    cfg.Recorder,
	}
}

// ClaudeInPath reports whether the wrapped executable resolved at startup.
func (sv *Supervisor) ClaudeInPath() bool {
	return sv.lookupErr == nil
}

// Spawn starts a new session process in workspacePath. Any existing session
// is killed first, so callers never observe two live processes. The exit
// handler is registered before Spawn returns.
func (sv *Supervisor) Spawn(sessionID, exerciseID, workspacePath, initialInput string) (*Session, error) {
	sv.opMu.Lock()
	defer sv.opMu.Unlock()
	return sv.spawnLocked(sessionID, exerciseID, workspacePath, initialInput)
}

// SpawnOrReuse returns the live session already bound to workspacePath, or
// spawns a new one. The reuse check and the spawn share one critical
// section, so two duplicated start requests for the same resolved path
// cannot both miss the check and evict each other's session.
func (sv *Supervisor) SpawnOrReuse(sessionID, exerciseID, workspacePath, initialInput string) (*Session, bool, error) {
	sv.opMu.Lock()
	defer sv.opMu.Unlock()

	if existing, ok := sv.FindByWorkspace(workspacePath); ok {
		return existing, true, nil
	}

	s, err := sv.spawnLocked(sessionID, exerciseID, workspacePath, initialInput)
	return s, false, err
}

// spawnLocked does the evict-start-install sequence. Callers hold opMu, so
// no other spawn or kill can interleave and leave a second process alive.
func (sv *Supervisor) spawnLocked(sessionID, exerciseID, workspacePath, initialInput string) (*Session, error) {
	if sv.lookupErr != nil {
		return nil, apperr.WithAction(apperr.CodeClaudeNotFound,
			"the claude executable was not found in PATH",
			"install the Claude CLI: https://docs.anthropic.com/claude-code")
	}

	// Evict the previous session before starting the replacement. Detach
	// precedes terminate so nothing writes to a dying handle.
	sv.mu.Lock()
	old := sv.current
	sv.current = nil
	sv.mu.Unlock()
	if old != nil {
		sv.shutdownSession(old, "replaced by new session")
	}

	s, err := startSession(SessionConfig{
		ID:            sessionID,
		ExerciseID:    exerciseID,
		WorkspacePath: workspacePath,
		Command:       sv.claudePath,
		Rows:          sv.defaultRows,
		Cols:          sv.defaultCols,
		InitialInput:  initialInput,
	})
	if err != nil {
		sv.record("session.spawn_failed", sessionID, exerciseID, err.Error())
		return nil, err
	}

	sv.mu.Lock()
	sv.current = s
	sv.mu.Unlock()

	go s.pump(func() { sv.handleExit(s) })

	slog.Info("Session spawned", "session", sessionID, "exercise", exerciseID, "dir", workspacePath)
	sv.record("session.spawned", sessionID, exerciseID, workspacePath)
	return s, nil
}

// handleExit runs when a session's process terminates on its own. Removal
// from the slot is the single check-and-remove step that makes natural exit
// and explicit kill commute: whichever path empties the slot first wins, the
// other becomes a no-op, and the error frame is sent at most once.
func (sv *Supervisor) handleExit(s *Session) {
	sv.mu.Lock()
	if sv.current != s {
		sv.mu.Unlock()
		return
	}
	sv.current = nil
	sv.mu.Unlock()

	slog.Info("Session process exited", "session", s.ID, "exercise", s.ExerciseID)
	sv.record("session.exited", s.ID, s.ExerciseID, "")

	if t := s.takeTransport(); t != nil {
		_ = t.SendError(apperr.WithAction(apperr.CodePTYExited,
			"the interactive session ended",
			"restart the exercise to begin a new session"))
		_ = t.Close()
	}
}

// Attach binds a transport to the session. An already-attached transport is
// detached first; the process is unaffected.
func (sv *Supervisor) Attach(sessionID string, t Transport) error {
	s, ok := sv.get(sessionID)
	if !ok {
		return apperr.New(apperr.CodeSessionNotFound, fmt.Sprintf("no session %q", sessionID))
	}
	s.attach(t)
	return nil
}

// Detach unwires t from the session. Safe to call with a transport that has
// already been swapped out, and for sessions that no longer exist.
func (sv *Supervisor) Detach(sessionID string, t Transport) {
	if s, ok := sv.get(sessionID); ok {
		s.detach(t)
	}
}

// Kill terminates the session and removes it. SESSION_NOT_FOUND when no
// such session is live.
func (sv *Supervisor) Kill(sessionID string) error {
	sv.opMu.Lock()
	defer sv.opMu.Unlock()

	sv.mu.Lock()
	s := sv.current
	if s == nil || s.ID != sessionID {
		sv.mu.Unlock()
		return apperr.New(apperr.CodeSessionNotFound, fmt.Sprintf("no session %q", sessionID))
	}
	sv.current = nil
	sv.mu.Unlock()

	sv.shutdownSession(s, "killed")
	return nil
}

// KillActive terminates whichever session is live, if any. Reset is
// deliberately coarse: it does not check which exercise the session belongs
// to. Returns whether a session was killed.
func (sv *Supervisor) KillActive() bool {
	sv.opMu.Lock()
	defer sv.opMu.Unlock()

	sv.mu.Lock()
	s := sv.current
	sv.current = nil
	sv.mu.Unlock()

	if s == nil {
		return false
	}
	sv.shutdownSession(s, "reset")
	return true
}

// shutdownSession detaches, terminates and records. The session must
// already be out of the slot, so the pump's exit callback finds the slot
// empty and does nothing.
func (sv *Supervisor) shutdownSession(s *Session, reason string) {
	if t := s.takeTransport(); t != nil {
		_ = t.Close()
	}
	s.terminate()
	slog.Info("Session terminated", "session", s.ID, "reason", reason)
	sv.record("session.killed", s.ID, s.ExerciseID, reason)
}

// Resize forwards a terminal resize. No-op when the session is gone.
func (sv *Supervisor) Resize(sessionID string, cols, rows int) {
	if s, ok := sv.get(sessionID); ok {
		if err := s.Resize(cols, rows); err != nil {
			slog.Warn("Resize failed", "session", sessionID, "error", err)
		}
	}
}

// Write forwards input bytes to the session's terminal. No-op when the
// session is gone.
func (sv *Supervisor) Write(sessionID string, data []byte) {
	if s, ok := sv.get(sessionID); ok {
		if err := s.Write(data); err != nil {
			slog.Warn("Terminal write failed", "session", sessionID, "error", err)
		}
	}
}

// Get returns the live session with the given id.
func (sv *Supervisor) Get(sessionID string) (*Session, bool) {
	return sv.get(sessionID)
}

// FindByWorkspace returns the live session running in the given resolved
// path, if any. Lets a duplicated start request (a UI that mounts twice)
// reuse the session instead of spawning a second process.
func (sv *Supervisor) FindByWorkspace(path string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current != nil && sv.current.WorkspacePath == path {
		return sv.current, true
	}
	return nil, false
}

func (sv *Supervisor) get(sessionID string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current != nil && sv.current.ID == sessionID {
		return sv.current, true
	}
	return nil, false
}

func (sv *Supervisor) record(event, sessionID, exerciseID, detail string) {
	if sv.recorder != nil {
		sv.recorder.Record(event, sessionID, exerciseID, detail)
	}
}
