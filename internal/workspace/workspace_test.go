package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
)

// newLocalWorkspace initializes a fresh repo directly (bypassing Clone,
// which requires a reachable remote and ssh-agent) so the stage/commit/
// status logic can be tested without network access.
func newLocalWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return &Workspace{path: dir, repo: repo}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCloneRefusesExistingPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Clone("git@host:u/r.git", dir)
	if err != ErrPathExists {
		t.Fatalf("expected ErrPathExists, got %v", err)
	}
}

func TestHasChangesReflectsUntrackedFile(t *testing.T) {
	ws := newLocalWorkspace(t)

	changed, err := ws.HasChanges()
	if err != nil {
		t.Fatalf("has changes: %v", err)
	}
	if changed {
		t.Fatalf("expected clean tree on fresh repo, got changed=true")
	}

	writeFile(t, ws.path, "a.txt", "hello")

	changed, err = ws.HasChanges()
	if err != nil {
		t.Fatalf("has changes: %v", err)
	}
	if !changed {
		t.Fatalf("expected changed=true after untracked file added")
	}
}

func TestStageAllThenCommit(t *testing.T) {
	ws := newLocalWorkspace(t)
	writeFile(t, ws.path, "a.txt", "hello")

	if err := ws.StageAll(); err != nil {
		t.Fatalf("stage all: %v", err)
	}

	hash, err := ws.Commit("Agent changes for job: j1\n\nPrompt: p")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hash.IsZero() {
		t.Fatalf("expected non-zero commit hash")
	}

	changed, err := ws.HasChanges()
	if err != nil {
		t.Fatalf("has changes: %v", err)
	}
	if changed {
		t.Fatalf("expected clean tree after commit")
	}
}

func TestCommitRefusesEmptyTree(t *testing.T) {
	ws := newLocalWorkspace(t)
	writeFile(t, ws.path, "a.txt", "hello")
	if err := ws.StageAll(); err != nil {
		t.Fatalf("stage all: %v", err)
	}
	if _, err := ws.Commit("first"); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Nothing changed since: second commit attempt must be refused.
	if _, err := ws.Commit("second"); err != ErrEmptyCommit {
		t.Fatalf("expected ErrEmptyCommit, got %v", err)
	}
}

func TestCheckoutMissingBranchFails(t *testing.T) {
	ws := newLocalWorkspace(t)
	writeFile(t, ws.path, "a.txt", "hello")
	if err := ws.StageAll(); err != nil {
		t.Fatalf("stage all: %v", err)
	}
	if _, err := ws.Commit("init"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := ws.Checkout("does-not-exist")
	if err == nil {
		t.Fatalf("expected error checking out missing branch")
	}
}

func TestCleanupRemovesDirectory(t *testing.T) {
	ws := newLocalWorkspace(t)
	if err := ws.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(ws.path); !os.IsNotExist(err) {
		t.Fatalf("expected workspace directory removed, stat err=%v", err)
	}
}
