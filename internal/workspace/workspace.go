// Package workspace resolves exercise ids to ready-to-use local directories.
// The first start of an exercise downloads and extracts its release archive;
// later starts short-circuit on the existing content. Concurrent requests
// for the same exercise share a single in-flight download.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codequest/exercise-agent/internal/apperr"
	"github.com/codequest/exercise-agent/internal/registry"
)

// subExerciseMaxDepth bounds how far ResolveSubExercise descends below the
// workspace root.
const subExerciseMaxDepth = 3

// Manager owns the on-disk workspace tree.
type Manager struct {
	baseDir         string
	registry        *registry.Registry
	releases        *ReleaseClient
	downloadTimeout time.Duration

	// OnDownloaded, when set, is invoked after a workspace has been
	// downloaded and extracted. Set before the manager is shared.
	OnDownloaded func(exerciseID, dir string)

	mu       sync.Mutex
	inflight map[string]*ensureCall
}

// ensureCall is one coalesced download. Waiters block on done and then read
// path/err, which are written exactly once before done is closed.
type ensureCall struct {
	done chan struct{}
	path string
	err  error
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string, reg *registry.Registry, releases *ReleaseClient, downloadTimeout time.Duration) *Manager {
	return &Manager{
		baseDir:         baseDir,
		registry:        reg,
		releases:        releases,
		downloadTimeout: downloadTimeout,
		inflight:        make(map[string]*ensureCall),
	}
}

// Dir returns the workspace directory an exercise id maps to, whether or not
// it exists yet.
func (m *Manager) Dir(exerciseID string) string {
	return filepath.Join(m.baseDir, exerciseID)
}

// Ensure makes the workspace for exerciseID available locally and returns
// its absolute path. The operation is idempotent: a workspace that already
// holds non-hidden content is returned without any network traffic, and
// concurrent calls for the same id share one download. A failed attempt
// clears its in-flight slot so the next call can retry.
func (m *Manager) Ensure(ctx context.Context, exerciseID string) (string, error) {
	ex, ok := m.registry.Lookup(exerciseID)
	if !ok {
		return "", apperr.New(apperr.CodeExerciseNotFound, fmt.Sprintf("unknown exercise %q", exerciseID))
	}

	dir := m.Dir(exerciseID)
	if hasVisibleContent(dir) {
		return dir, nil
	}

	m.mu.Lock()
	if call, ok := m.inflight[exerciseID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.path, call.err
		case <-ctx.Done():
			return "", downloadError(fmt.Errorf("wait for in-flight download: %w", ctx.Err()))
		}
	}
	call := &ensureCall{done: make(chan struct{})}
	m.inflight[exerciseID] = call
	m.mu.Unlock()

	call.path, call.err = m.fetch(ctx, exerciseID, ex, dir)

	m.mu.Lock()
	delete(m.inflight, exerciseID)
	m.mu.Unlock()
	close(call.done)

	return call.path, call.err
}

// fetch performs one download-and-extract cycle for an absent workspace.
func (m *Manager) fetch(ctx context.Context, exerciseID string, ex registry.Exercise, dir string) (string, error) {
	// The window between the caller's readiness probe and taking the
	// in-flight slot is racy against a just-finished download; re-check.
	if hasVisibleContent(dir) {
		return dir, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.downloadTimeout)
	defer cancel()

	slog.Info("Downloading exercise workspace", "exercise", exerciseID, "repo", ex.Repo, "tag", ex.Tag)

	archiveURL, err := m.releases.ArchiveURL(ctx, ex.Repo, ex.Tag)
	if err != nil {
		return "", downloadError(err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.New(apperr.CodeDownloadFailed, "create workspace directory: "+err.Error())
	}

	archive, err := os.CreateTemp(m.baseDir, exerciseID+"-*.tar.gz")
	if err != nil {
		return "", apperr.New(apperr.CodeDownloadFailed, "create archive file: "+err.Error())
	}
	defer os.Remove(archive.Name())

	if err := m.releases.Download(ctx, archiveURL, archive); err != nil {
		archive.Close()
		return "", downloadError(err)
	}
	if err := archive.Close(); err != nil {
		return "", apperr.New(apperr.CodeDownloadFailed, "flush archive file: "+err.Error())
	}

	if err := extractTarGz(archive.Name(), dir); err != nil {
		return "", apperr.WithAction(apperr.CodeExtractionFailed,
			"extract exercise archive: "+err.Error(),
			"reset the exercise and download again")
	}
	if err := hoistSingleDir(dir); err != nil {
		return "", apperr.WithAction(apperr.CodeExtractionFailed,
			"normalize extracted tree: "+err.Error(),
			"reset the exercise and download again")
	}

	slog.Info("Workspace ready", "exercise", exerciseID, "dir", dir)
	if m.OnDownloaded != nil {
		m.OnDownloaded(exerciseID, dir)
	}
	return dir, nil
}

// downloadError classifies a network-stage failure into timeout vs failure.
func downloadError(err error) *apperr.Error {
	if isTimeout(err) {
		return apperr.WithAction(apperr.CodeDownloadTimeout,
			"exercise download timed out: "+err.Error(), "retry")
	}
	return apperr.WithAction(apperr.CodeDownloadFailed,
		"exercise download failed: "+err.Error(), "retry")
}

// ResolveSubExercise finds the directory for one sub-exercise within a
// workspace. It breadth-first searches up to three levels below root for a
// directory named exercise-{subID}-* and returns the first match; when
// nothing matches it returns root itself. It never fails.
func (m *Manager) ResolveSubExercise(root, subID string) string {
	prefix := "exercise-" + subID + "-"

	level := []string{root}
	for depth := 0; depth < subExerciseMaxDepth && len(level) > 0; depth++ {
		var next []string
		for _, dir := range level {
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				if strings.HasPrefix(entry.Name(), prefix) {
					return filepath.Join(dir, entry.Name())
				}
				next = append(next, filepath.Join(dir, entry.Name()))
			}
		}
		level = next
	}

	return root
}

// Reset deletes the workspace for exerciseID. The caller must have killed
// any process running in it first; the pipeline knows nothing about
// processes.
func (m *Manager) Reset(exerciseID string) error {
	dir := m.Dir(exerciseID)
	if err := os.RemoveAll(dir); err != nil {
		return apperr.New(apperr.CodeDownloadFailed, "delete workspace: "+err.Error())
	}
	slog.Info("Workspace reset", "exercise", exerciseID, "dir", dir)
	return nil
}

// hasVisibleContent reports whether dir exists and holds at least one
// non-hidden entry. A directory with only dotfiles (a stray .DS_Store, a
// half-written .git) is treated as absent so a fresh download repairs it.
func hasVisibleContent(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			return true
		}
	}
	return false
}
