package worktree

import (
	"context"
	"path/filepath"
	"sync"
)

// Fake is an in-memory Service for tests. It records created and removed
// worktrees without touching git.
type Fake struct {
	mu      sync.Mutex
	BaseDir string
	// CreateErr, when set, fails every Create call.
	CreateErr error

	created map[string]string
	removed []string
}

// NewFake returns a Fake rooted at baseDir (used only to form paths).
func NewFake(baseDir string) *Fake {
	return &Fake{BaseDir: baseDir, created: make(map[string]string)}
}

func (f *Fake) Create(_ context.Context, agentID, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	path := filepath.Join(f.BaseDir, agentID)
	f.created[agentID] = branch
	return path, nil
}

func (f *Fake) Remove(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, agentID)
	delete(f.created, agentID)
	return nil
}

// CreatedBranch returns the branch agentID was checked out on, or "".
func (f *Fake) CreatedBranch(agentID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[agentID]
}

// Removed returns the agent ids whose worktrees were removed, in order.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

var _ Service = (*Fake)(nil)
