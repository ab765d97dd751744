// Package workspace encapsulates the git operations the orchestrator
// performs against one job's ephemeral clone directory: clone, checkout,
// stage, commit, push. Authentication is delegated to the ambient
// SSH agent — this package never stores or handles a credential itself.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/oriys/agentd/internal/logging"
)

// ErrPathExists is returned by Clone when the target path is already
// present; the workspace refuses to clone over an existing directory,
// per spec — the orchestrator is responsible for removing it first.
var ErrPathExists = errors.New("workspace: clone path already exists")

// ErrBranchNotFound is returned by Checkout when neither a local branch
// nor an origin/<branch> ref can be resolved.
var ErrBranchNotFound = errors.New("workspace: branch not found locally or on origin")

// ErrEmptyCommit is returned by Commit when the working tree produces no
// change relative to HEAD's tree — an empty commit is never created.
var ErrEmptyCommit = errors.New("workspace: refusing to create empty commit")

// CommitSignature is the ambient author/committer identity used for
// commits made on behalf of the agent.
var CommitSignature = object.Signature{
	Name:  "agentd",
	Email: "agentd@localhost",
}

// Workspace owns one job's local clone directory for the duration of a
// single job and is torn down (via Cleanup) regardless of outcome.
type Workspace struct {
	path string
	repo *git.Repository
}

func sshAgentAuth() (*ssh.PublicKeysCallback, error) {
	auth, err := ssh.NewSSHAgentAuth("git")
	if err != nil {
		return nil, fmt.Errorf("workspace: ssh-agent unavailable: %w", err)
	}
	return auth, nil
}

// Clone clones url into path. path must not already exist.
func Clone(url, path string) (*Workspace, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrPathExists
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace: stat %s: %w", path, err)
	}

	auth, err := sshAgentAuth()
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainClone(path, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: clone %s: %w", url, err)
	}
	logging.Op().Debug("workspace.clone", "url", url, "path", path)
	return &Workspace{path: path, repo: repo}, nil
}

// Path returns the workspace's local clone directory.
func (w *Workspace) Path() string {
	return w.path
}

// Fetch updates remote tracking refs for origin.
func (w *Workspace) Fetch() error {
	auth, err := sshAgentAuth()
	if err != nil {
		return err
	}
	err = w.repo.Fetch(&git.FetchOptions{RemoteName: "origin", Auth: auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("workspace: fetch: %w", err)
	}
	return nil
}

// Checkout checks out branch. If a local branch of that name exists, it
// is checked out directly; otherwise origin/<branch> is resolved and a
// new local branch is created pointing at that commit and set as HEAD.
func (w *Workspace) Checkout(branch string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("workspace: worktree: %w", err)
	}

	localRef := plumbing.NewBranchReferenceName(branch)
	if _, err := w.repo.Reference(localRef, true); err == nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef}); err != nil {
			return fmt.Errorf("workspace: checkout local branch %s: %w", branch, err)
		}
		return nil
	}

	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)
	ref, err := w.repo.Reference(remoteRef, true)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   ref.Hash(),
		Branch: localRef,
		Create: true,
	}); err != nil {
		return fmt.Errorf("workspace: checkout %s from origin: %w", branch, err)
	}
	return nil
}

// HasChanges reports whether the working tree or index differs from
// HEAD: true iff any status entry is non-empty.
func (w *Workspace) HasChanges() (bool, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("workspace: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("workspace: status: %w", err)
	}
	return !status.IsClean(), nil
}

// StageAll adds all paths under the working tree to the index,
// respecting the default ignore rules (.gitignore).
func (w *Workspace) StageAll() error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("workspace: worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("workspace: stage all: %w", err)
	}
	return nil
}

// Commit writes the index as a tree and creates a commit with the
// ambient signature and HEAD as parent. Fails if the resulting tree
// equals the parent's tree.
func (w *Workspace) Commit(message string) (plumbing.Hash, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("workspace: worktree: %w", err)
	}

	changed, err := w.HasChanges()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !changed {
		return plumbing.ZeroHash, ErrEmptyCommit
	}

	now := time.Now()
	sig := CommitSignature
	sig.When = now

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("workspace: commit: %w", err)
	}
	logging.Op().Debug("workspace.commit", "hash", hash.String())
	return hash, nil
}

// Push pushes refs/heads/<branch> to origin under the same name.
func (w *Workspace) Push(branch string) error {
	auth, err := sshAgentAuth()
	if err != nil {
		return err
	}
	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = w.repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refspec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("workspace: push %s: %w", branch, err)
	}
	return nil
}

// Cleanup recursively removes the workspace's clone directory. It is
// called on every job exit path regardless of success or failure.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.path); err != nil {
		return fmt.Errorf("workspace: cleanup %s: %w", w.path, err)
	}
	return nil
}
