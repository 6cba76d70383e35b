// Package worktree gives every agent an isolated checkout of the target
// repository on its own branch. The local implementation clones per agent
// under a base directory; review agents are checked out on the PR's head
// branch, development agents on a freshly created branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Service is the worktree surface the agent manager depends on.
type Service interface {
	// Create checks out branch into a directory owned by agentID and
	// returns its path. When the branch does not exist on the remote it is
	// created from the default branch.
	Create(ctx context.Context, agentID, branch string) (string, error)
	// Remove deletes the agent's checkout. Removing a missing checkout is
	// a no-op.
	Remove(ctx context.Context, agentID string) error
}

// TokenFunc supplies a live installation token for clone auth.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds the local manager configuration.
type Config struct {
	// BaseDir is where per-agent checkouts live.
	BaseDir string
	// RepoURL is the HTTPS clone URL of the target repository.
	RepoURL string
	// DefaultBranch seeds new branches.
	DefaultBranch string
	// Token authenticates clones and pushes. Nil means anonymous.
	Token TokenFunc
}

// Manager is the local go-git implementation of Service.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// NewManager creates the local worktree manager and its base directory.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseDir == "" || cfg.RepoURL == "" {
		return nil, fmt.Errorf("worktree: base dir and repo url are required")
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create base dir: %w", err)
	}
	return &Manager{cfg: cfg, logger: slog.With("component", "worktree")}, nil
}

func (m *Manager) path(agentID string) string {
	return filepath.Join(m.cfg.BaseDir, agentID)
}

func (m *Manager) auth(ctx context.Context) (*githttp.BasicAuth, error) {
	if m.cfg.Token == nil {
		return nil, nil
	}
	token, err := m.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("worktree auth token: %w", err)
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
}

// Create clones the repository at branch. A stale checkout from a previous
// incarnation of the same agent id is removed first.
func (m *Manager) Create(ctx context.Context, agentID, branch string) (string, error) {
	path := m.path(agentID)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear stale worktree %s: %w", path, err)
	}

	auth, err := m.auth(ctx)
	if err != nil {
		return "", err
	}

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           m.cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err == nil {
		m.logger.Info("Worktree created", "agent_id", agentID, "branch", branch, "path", path)
		return path, nil
	}
	if !isMissingBranch(err) {
		return "", fmt.Errorf("clone %s at %s: %w", m.cfg.RepoURL, branch, err)
	}

	// Branch not on the remote yet: clone the default branch and create it
	// locally. The agent's first push publishes it.
	_ = os.RemoveAll(path)
	repo, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           m.cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(m.cfg.DefaultBranch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s at %s: %w", m.cfg.RepoURL, m.cfg.DefaultBranch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree %s: %w", path, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	m.logger.Info("Worktree created on new branch",
		"agent_id", agentID, "branch", branch, "path", path)
	return path, nil
}

// Remove deletes the checkout.
func (m *Manager) Remove(_ context.Context, agentID string) error {
	path := m.path(agentID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	m.logger.Info("Worktree removed", "agent_id", agentID)
	return nil
}

// isMissingBranch matches the clone failure for a branch the remote does
// not have. go-git reports unresolvable single-branch clones as a plain
// "couldn't find remote ref" error with no sentinel.
func isMissingBranch(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, plumbing.ErrReferenceNotFound) ||
		errors.Is(err, git.ErrBranchNotFound) ||
		strings.Contains(err.Error(), "couldn't find remote ref") ||
		strings.Contains(err.Error(), "reference not found")
}

var _ Service = (*Manager)(nil)
