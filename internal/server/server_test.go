package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codequest/exercise-agent/internal/config"
	"github.com/codequest/exercise-agent/internal/pty"
)

// fakeReleases serves release metadata and one archive, counting calls.
type fakeReleases struct {
	srv           *httptest.Server
	archive       []byte
	metadataCalls atomic.Int64
	archiveCalls  atomic.Int64
}

func newFakeReleases(t *testing.T, archive []byte) *fakeReleases {
	t.Helper()
	fr := &fakeReleases{archive: archive}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/", func(w http.ResponseWriter, r *http.Request) {
		fr.metadataCalls.Add(1)
		resp := map[string]interface{}{
			"assets": []map[string]string{
				{"name": "exercise.tar.gz", "browser_download_url": fr.srv.URL + "/archive"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /archive", func(w http.ResponseWriter, r *http.Request) {
		fr.archiveCalls.Add(1)
		_, _ = w.Write(fr.archive)
	})

	fr.srv = httptest.NewServer(mux)
	t.Cleanup(fr.srv.Close)
	return fr
}

// exerciseArchive builds a release archive with one wrapper directory, an
// instructions file, and a nested sub-exercise directory.
func exerciseArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(name, body string, dir bool) {
		hdr := &tar.Header{Name: name, Mode: 0o755, Typeflag: tar.TypeDir}
		if !dir {
			hdr = &tar.Header{Name: name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(body))}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !dir {
			if _, err := tw.Write([]byte(body)); err != nil {
				t.Fatal(err)
			}
		}
	}

	write("intro-v1.0.0/", "", true)
	write("intro-v1.0.0/INSTRUCTIONS.md", "# Intro\n", false)
	write("intro-v1.0.0/exercises/", "", true)
	write("intro-v1.0.0/exercises/exercise-01-basics/", "", true)
	write("intro-v1.0.0/exercises/exercise-01-basics/INSTRUCTIONS.md", "# Basics\n", false)

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeScript creates an executable shell script standing in for the
// Claude CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestServer builds a fully wired server whose release API is the fake
// and whose Claude binary is the given script body.
func newTestServer(t *testing.T, script string) (*Server, *fakeReleases) {
	t.Helper()

	fr := newFakeReleases(t, exerciseArchive(t))

	dir := t.TempDir()
	exercisesFile := filepath.Join(dir, "exercises.json")
	registryJSON := `{"intro": {"repo": "codequest-exercises/intro", "tag": "v1.0.0"}}`
	if err := os.WriteFile(exercisesFile, []byte(registryJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Host:              "127.0.0.1",
		WorkspacesDir:     filepath.Join(dir, "workspaces"),
		ExercisesFile:     exercisesFile,
		ReleaseAPIBase:    fr.srv.URL,
		DownloadTimeout:   5 * time.Second,
		ClaudeBin:         writeScript(t, script),
		DefaultRows:       24,
		DefaultCols:       80,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 4096,
		HTTPReadTimeout:   5 * time.Second,
		HTTPIdleTimeout:   5 * time.Second,
		ShutdownTimeout:   time.Second,
		EventDBPath:       filepath.Join(dir, "events.db"),
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, fr
}

type errBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Action  string `json:"action"`
	} `json:"error"`
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func startSession(t *testing.T, baseURL, body string) startResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/sessions/start", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d", resp.StatusCode)
	}
	var out startResponse
	decodeInto(t, resp, &out)
	if out.SessionID == "" {
		t.Fatal("start: empty sessionId")
	}
	return out
}

func TestStartSessionRejectsMalformedIDs(t *testing.T) {
	srv, fr := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	bad := []string{
		`{"exerciseId": ""}`,
		`{"exerciseId": "../../etc/passwd"}`,
		`{"exerciseId": "intro exercise"}`,
		`{"exerciseId": "intro;rm -rf /"}`,
		"{\"exerciseId\": \"intro\x00\"}",
		`{"exerciseId": "intro/nested"}`,
		`{"exerciseId": "intro", "subExercise": "01 02"}`,
		`{"exerciseId": "intro", "subExercise": "../up"}`,
		`not json at all`,
	}

	for _, body := range bad {
		resp := postJSON(t, ts.URL+"/sessions/start", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
		var eb errBody
		decodeInto(t, resp, &eb)
		if eb.Error.Code != "INVALID_REQUEST" {
			t.Errorf("body %s: code = %q, want INVALID_REQUEST", body, eb.Error.Code)
		}
	}

	if got := fr.metadataCalls.Load(); got != 0 {
		t.Errorf("validation failures reached the network %d times", got)
	}
}

func TestStartSessionUnknownExercise(t *testing.T) {
	srv, fr := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/sessions/start", `{"exerciseId": "no-such-exercise"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var eb errBody
	decodeInto(t, resp, &eb)
	if eb.Error.Code != "EXERCISE_NOT_FOUND" {
		t.Errorf("code = %q, want EXERCISE_NOT_FOUND", eb.Error.Code)
	}
	if got := fr.metadataCalls.Load(); got != 0 {
		t.Errorf("unknown exercise reached the network %d times", got)
	}
}

func TestStartSessionSpawnsAndReuses(t *testing.T) {
	srv, fr := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first := startSession(t, ts.URL, `{"exerciseId": "intro"}`)

	wantSuffix := "/sessions/" + first.SessionID + "/ws"
	if !strings.HasSuffix(first.WSURL, wantSuffix) {
		t.Errorf("wsUrl = %q, want suffix %q", first.WSURL, wantSuffix)
	}
	if !strings.HasPrefix(first.WSURL, "ws://") {
		t.Errorf("wsUrl = %q, want ws:// scheme", first.WSURL)
	}

	second := startSession(t, ts.URL, `{"exerciseId": "intro"}`)
	if second.SessionID != first.SessionID {
		t.Errorf("second start spawned %q, want reuse of %q", second.SessionID, first.SessionID)
	}

	if got := fr.archiveCalls.Load(); got != 1 {
		t.Errorf("archive downloaded %d times, want 1", got)
	}
}

func TestStartSessionConcurrentDuplicates(t *testing.T) {
	srv, fr := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const callers = 4
	type result struct {
		out startResponse
		err error
	}
	resCh := make(chan result, callers)
	for i := 0; i < callers; i++ {
		go func() {
			resp, err := http.Post(ts.URL+"/sessions/start", "application/json",
				strings.NewReader(`{"exerciseId": "intro"}`))
			if err != nil {
				resCh <- result{err: err}
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				resCh <- result{err: fmt.Errorf("status %d", resp.StatusCode)}
				return
			}
			var out startResponse
			err = json.NewDecoder(resp.Body).Decode(&out)
			resCh <- result{out: out, err: err}
		}()
	}

	var ids []string
	for i := 0; i < callers; i++ {
		res := <-resCh
		if res.err != nil {
			t.Fatalf("caller %d: %v", i, res.err)
		}
		ids = append(ids, res.out.SessionID)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got session %q, want shared %q", i, ids[i], ids[0])
		}
	}
	if got := fr.archiveCalls.Load(); got != 1 {
		t.Errorf("archive downloaded %d times, want 1", got)
	}

	// The shared session survived the pile-up.
	resp, err := http.Get(ts.URL + "/sessions/" + ids[0] + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want the shared session still live", resp.StatusCode)
	}
}

func TestStartSessionSubExercise(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := startSession(t, ts.URL, `{"exerciseId": "intro", "subExercise": "01"}`)

	resp, err := http.Get(ts.URL + "/sessions/" + out.SessionID + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		WorkspacePath string `json:"workspacePath"`
	}
	decodeInto(t, resp, &status)
	if !strings.HasSuffix(status.WorkspacePath, "exercise-01-basics") {
		t.Errorf("workspacePath = %q, want the resolved sub-exercise directory", status.WorkspacePath)
	}
}

func TestSessionStatus(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/no-such-id/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var eb errBody
	decodeInto(t, resp, &eb)
	if eb.Error.Code != "SESSION_NOT_FOUND" {
		t.Errorf("code = %q, want SESSION_NOT_FOUND", eb.Error.Code)
	}

	out := startSession(t, ts.URL, `{"exerciseId": "intro"}`)

	resp, err = http.Get(ts.URL + "/sessions/" + out.SessionID + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		SessionID         string `json:"sessionId"`
		ExerciseID        string `json:"exerciseId"`
		TransportAttached bool   `json:"transportAttached"`
	}
	decodeInto(t, resp, &status)
	if status.SessionID != out.SessionID || status.ExerciseID != "intro" {
		t.Errorf("status = %+v, want session %q for intro", status, out.SessionID)
	}
	if status.TransportAttached {
		t.Error("transportAttached = true before any WebSocket connected")
	}
}

func TestResetSession(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := startSession(t, ts.URL, `{"exerciseId": "intro"}`)

	resp := postJSON(t, ts.URL+"/sessions/reset", `{"exerciseId": "intro"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status = %d", resp.StatusCode)
	}
	var result struct {
		OK            bool `json:"ok"`
		SessionKilled bool `json:"sessionKilled"`
	}
	decodeInto(t, resp, &result)
	if !result.OK || !result.SessionKilled {
		t.Errorf("reset = %+v, want ok and sessionKilled", result)
	}

	if _, err := os.Stat(filepath.Join(srv.config.WorkspacesDir, "intro")); !os.IsNotExist(err) {
		t.Error("workspace directory survived reset")
	}

	statusResp, err := http.Get(ts.URL + "/sessions/" + out.SessionID + "/status")
	if err != nil {
		t.Fatal(err)
	}
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusNotFound {
		t.Errorf("status after reset = %d, want 404", statusResp.StatusCode)
	}

	// Reset with nothing running still succeeds.
	resp = postJSON(t, ts.URL+"/sessions/reset", `{"exerciseId": "intro"}`)
	decodeInto(t, resp, &result)
	if !result.OK || result.SessionKilled {
		t.Errorf("idle reset = %+v, want ok without a kill", result)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status       string `json:"status"`
		Version      string `json:"version"`
		ClaudeInPath bool   `json:"claudeInPath"`
	}
	decodeInto(t, resp, &health)
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Version == "" {
		t.Error("version is empty")
	}
	if !health.ClaudeInPath {
		t.Error("claudeInPath = false with a resolvable binary")
	}
}

func TestCORSEchoesOnlyAllowedOrigins(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cases := []struct {
		origin string
		echoed bool
	}{
		{"http://localhost:5173", true},
		{"https://127.0.0.1:3100", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.com", false},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/sessions/start", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Origin", tc.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		got := resp.Header.Get("Access-Control-Allow-Origin")
		if tc.echoed && got != tc.origin {
			t.Errorf("origin %q: echoed %q, want the origin back", tc.origin, got)
		}
		if !tc.echoed && got != "" {
			t.Errorf("origin %q: echoed %q, want no CORS headers", tc.origin, got)
		}
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	startSession(t, ts.URL, `{"exerciseId": "intro"}`)
	resp := postJSON(t, ts.URL+"/sessions/reset", `{"exerciseId": "intro"}`)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Events []struct {
			Event      string `json:"event"`
			ExerciseID string `json:"exerciseId"`
		} `json:"events"`
	}
	decodeInto(t, resp, &out)

	seen := map[string]bool{}
	for _, ev := range out.Events {
		seen[ev.Event] = true
	}
	for _, want := range []string{"workspace.downloaded", "session.spawned", "session.killed", "workspace.reset"} {
		if !seen[want] {
			t.Errorf("event log missing %q, got %v", want, seen)
		}
	}

	resp, err = http.Get(ts.URL + "/events?limit=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestStartSessionClaudeMissing(t *testing.T) {
	srv, _ := newTestServer(t, "cat")
	// Point the supervisor at a binary that does not exist.
	missing := filepath.Join(t.TempDir(), "claude-missing")
	srv.supervisor = newSupervisorForMissingBinary(missing)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/sessions/start", `{"exerciseId": "intro"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var eb errBody
	decodeInto(t, resp, &eb)
	if eb.Error.Code != "CLAUDE_NOT_FOUND" {
		t.Errorf("code = %q, want CLAUDE_NOT_FOUND", eb.Error.Code)
	}
	if eb.Error.Action == "" {
		t.Error("CLAUDE_NOT_FOUND carried no install hint")
	}
}

func newSupervisorForMissingBinary(path string) *pty.Supervisor {
	return pty.NewSupervisor(pty.SupervisorConfig{
		ClaudeBin:   path,
		DefaultRows: 24,
		DefaultCols: 80,
	})
}
