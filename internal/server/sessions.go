package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codequest/exercise-agent/internal/apperr"
)

// tokenPattern is the syntax for exercise and sub-exercise identifiers.
// Anything outside it (whitespace, shell metacharacters, path separators,
// null bytes) is rejected before any filesystem or network I/O happens.
var tokenPattern = regexp.MustCompile(`^[\w.-]+$`)

// subExercisePrompt is typed into the terminal when a session targets a
// sub-exercise, so the tool orients the learner without a manual prompt.
const subExercisePrompt = "Read the instructions file in this directory and summarize what I need to do."

func validToken(s string) bool {
	return s != "" && tokenPattern.MatchString(s) && !strings.Contains(s, "..")
}

type startRequest struct {
	ExerciseID  string `json:"exerciseId"`
	SubExercise string `json:"subExercise"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
}

// handleStartSession ensures the workspace exists and spawns (or reuses)
// the session bound to it.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperr.New(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	exerciseID := strings.TrimSpace(body.ExerciseID)
	subExercise := strings.TrimSpace(body.SubExercise)

	if !validToken(exerciseID) {
		writeAppError(w, apperr.New(apperr.CodeInvalidRequest,
			"exerciseId must contain only word characters, dots, and hyphens"))
		return
	}
	if subExercise != "" && !validToken(subExercise) {
		writeAppError(w, apperr.New(apperr.CodeInvalidRequest,
			"subExercise must contain only word characters, dots, and hyphens"))
		return
	}

	root, err := s.workspaces.Ensure(r.Context(), exerciseID)
	if err != nil {
		writeAppError(w, apperr.From(err, apperr.CodeDownloadFailed))
		return
	}

	workspacePath := root
	initialInput := ""
	if subExercise != "" {
		workspacePath = s.workspaces.ResolveSubExercise(root, subExercise)
		initialInput = subExercisePrompt
	}

	// A second start for the same resolved path reuses the live session
	// instead of killing it. Common when a UI mounts twice. The check and
	// the spawn share one supervisor critical section.
	session, _, err := s.supervisor.SpawnOrReuse(uuid.NewString(), exerciseID, workspacePath, initialInput)
	if err != nil {
		writeAppError(w, apperr.From(err, apperr.CodePTYSpawnFailed))
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID: session.ID,
		WSURL:     s.wsURL(r, session.ID),
	})
}

// handleResetSession kills the active session, whichever exercise it
// belongs to, and deletes the workspace directory.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExerciseID string `json:"exerciseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperr.New(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	exerciseID := strings.TrimSpace(body.ExerciseID)
	if !validToken(exerciseID) {
		writeAppError(w, apperr.New(apperr.CodeInvalidRequest,
			"exerciseId must contain only word characters, dots, and hyphens"))
		return
	}

	killed := s.supervisor.KillActive()

	if err := s.workspaces.Reset(exerciseID); err != nil {
		writeAppError(w, apperr.From(err, apperr.CodeDownloadFailed))
		return
	}

	s.store.Record("workspace.reset", "", exerciseID, fmt.Sprintf("sessionKilled=%t", killed))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":            true,
		"sessionKilled": killed,
	})
}

// handleSessionStatus reports session metadata and transport attachment.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	session, ok := s.supervisor.Get(sessionID)
	if !ok {
		writeAppError(w, apperr.New(apperr.CodeSessionNotFound, fmt.Sprintf("no session %q", sessionID)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":         session.ID,
		"exerciseId":        session.ExerciseID,
		"workspacePath":     session.WorkspacePath,
		"createdAt":         session.CreatedAt.UTC().Format(time.RFC3339),
		"transportAttached": session.Attached(),
	})
}

// wsURL derives the transport URL for a session from the request's host,
// so the value works behind any proxy that preserves Host.
func (s *Server) wsURL(r *http.Request, sessionID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/sessions/%s/ws", scheme, r.Host, sessionID)
}
