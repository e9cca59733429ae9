// Package workspace materializes a working directory for each session from a
// repository descriptor and tears it down on session end.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/common/tracing"
)

// Kind selects the provisioning policy.
type Kind string

// Repository descriptor kinds.
const (
	KindLocalCopy     Kind = "local-copy"
	KindLocalWorktree Kind = "local-worktree"
	KindRemoteGit     Kind = "remote-git"
)

// worktreeDirName is the directory inside a repository that holds its
// session worktrees.
const worktreeDirName = ".worktree"

// maxConcurrentProvisions caps blocking filesystem/git work so one slow
// clone cannot starve the pool for other sessions.
const maxConcurrentProvisions = 4

// Descriptor describes where a session's workspace comes from.
type Descriptor struct {
	Kind Kind `json:"kind"`
	// Source is a local path (local-copy, local-worktree) or a clone URL
	// (remote-git).
	Source string `json:"source"`
	// ID is stable across sessions and keys the remote clone cache.
	ID string `json:"id"`
	// WorktreeName overrides the generated worktree directory name.
	WorktreeName string `json:"worktreeName,omitempty"`
}

// CleanupFunc tears a workspace down. Idempotent and safe to call after the
// agent process is gone.
type CleanupFunc func()

// Config holds the provisioner's filesystem roots and mode.
type Config struct {
	// SessionsBaseDir is the tmpfs root for local-copy workspaces.
	SessionsBaseDir string
	// CacheDir is the root for remote-git clone caches.
	CacheDir string
	// Container switches to container-mode path policy: sources are
	// assumed to be mounted in place and are returned unchanged.
	Container bool
}

// Provisioner materializes workspaces.
type Provisioner struct {
	cfg    Config
	logger *logger.Logger

	sem *semaphore.Weighted

	// Per-repository locks serialize worktree and fetch operations against
	// the same checkout.
	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex
}

type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// NewProvisioner creates a provisioner and ensures its roots exist.
func NewProvisioner(cfg Config, log *logger.Logger) (*Provisioner, error) {
	if !cfg.Container {
		if err := os.MkdirAll(cfg.SessionsBaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sessions base dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(cfg.CacheDir, "repos"), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	return &Provisioner{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "workspace")),
		sem:       semaphore.NewWeighted(maxConcurrentProvisions),
		repoLocks: make(map[string]*repoLockEntry),
	}, nil
}

// Provision materializes the working directory for a session. The returned
// path is absolute, exists and is writable at the moment of return.
func (p *Provisioner) Provision(ctx context.Context, desc Descriptor, sessionID string) (string, CleanupFunc, error) {
	ctx, span := tracing.Tracer("agentdock-workspace").Start(ctx, "workspace.provision")
	defer span.End()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", nil, dockerrors.Cancelled("workspace provisioning cancelled")
	}
	defer p.sem.Release(1)

	switch desc.Kind {
	case KindLocalCopy:
		return p.provisionLocalCopy(ctx, desc, sessionID)
	case KindLocalWorktree:
		return p.provisionLocalWorktree(ctx, desc, sessionID)
	case KindRemoteGit:
		return p.provisionRemoteGit(ctx, desc, sessionID)
	default:
		return "", nil, dockerrors.Workspace(fmt.Sprintf("unknown repository kind %q", desc.Kind), nil)
	}
}

// provisionLocalCopy copies the source tree into the sessions root. In
// container mode the source is already the session's private view.
func (p *Provisioner) provisionLocalCopy(ctx context.Context, desc Descriptor, sessionID string) (string, CleanupFunc, error) {
	src, err := absExistingDir(desc.Source)
	if err != nil {
		return "", nil, dockerrors.Workspace(fmt.Sprintf("source directory %s is not usable", desc.Source), err)
	}
	if p.cfg.Container {
		return src, nil, nil
	}

	dst := filepath.Join(p.cfg.SessionsBaseDir, sessionID)
	if err := copyTree(ctx, src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", nil, dockerrors.Workspace(fmt.Sprintf("failed to copy %s", desc.Source), err)
	}

	p.logger.Info("provisioned copy workspace",
		zap.String("session_id", sessionID),
		zap.String("path", dst))

	cleanup := p.removalCleanup(sessionID, dst)
	return dst, cleanup, nil
}

// provisionLocalWorktree creates a worktree under the repository's
// .worktree directory at current HEAD.
func (p *Provisioner) provisionLocalWorktree(ctx context.Context, desc Descriptor, sessionID string) (string, CleanupFunc, error) {
	repo, err := absExistingDir(desc.Source)
	if err != nil {
		return "", nil, dockerrors.Workspace(fmt.Sprintf("repository %s is not usable", desc.Source), err)
	}
	if p.cfg.Container {
		return repo, nil, nil
	}
	return p.addWorktree(ctx, repo, desc.WorktreeName, sessionID)
}

// provisionRemoteGit maintains a clone cache keyed by repository id: clone
// on first use, fetch on reuse, then worktree inside the cache's .worktree.
func (p *Provisioner) provisionRemoteGit(ctx context.Context, desc Descriptor, sessionID string) (string, CleanupFunc, error) {
	if desc.ID == "" {
		return "", nil, dockerrors.Workspace("remote-git descriptor requires a repository id", nil)
	}
	cachePath := filepath.Join(p.cfg.CacheDir, "repos", desc.ID)

	unlock := p.lockRepo(cachePath)
	if _, err := os.Stat(filepath.Join(cachePath, ".git")); err != nil {
		if err := p.git(ctx, "", "clone", desc.Source, cachePath); err != nil {
			unlock()
			return "", nil, dockerrors.Workspace(fmt.Sprintf("failed to clone %s", desc.Source), err)
		}
	} else {
		if err := p.git(ctx, cachePath, "fetch", "--all"); err != nil {
			// A stale cache is still usable; the worktree is created from
			// whatever HEAD the cache has.
			p.logger.Warn("git fetch failed, using cached repository",
				zap.String("repo_id", desc.ID),
				zap.Error(err))
		}
	}
	unlock()

	if p.cfg.Container {
		return cachePath, nil, nil
	}
	return p.addWorktree(ctx, cachePath, desc.WorktreeName, sessionID)
}

// addWorktree runs "git worktree add" under the repository lock.
func (p *Provisioner) addWorktree(ctx context.Context, repo, name, sessionID string) (string, CleanupFunc, error) {
	if name == "" {
		name = "agentdock-" + sessionID
	}
	worktreeRoot := filepath.Join(repo, worktreeDirName)
	if err := os.MkdirAll(worktreeRoot, 0o755); err != nil {
		return "", nil, dockerrors.Workspace("failed to create worktree root", err)
	}
	worktreePath := filepath.Join(worktreeRoot, name)

	unlock := p.lockRepo(repo)
	err := p.git(ctx, repo, "worktree", "add", "--detach", worktreePath, "HEAD")
	unlock()
	if err != nil {
		return "", nil, dockerrors.Workspace(fmt.Sprintf("failed to create worktree %s", name), err)
	}

	p.logger.Info("provisioned worktree workspace",
		zap.String("session_id", sessionID),
		zap.String("path", worktreePath))

	cleanup := p.worktreeCleanup(sessionID, repo, worktreePath)
	return worktreePath, cleanup, nil
}

// removalCleanup returns an idempotent cleanup that removes a copied
// subtree.
func (p *Provisioner) removalCleanup(sessionID, path string) CleanupFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := os.RemoveAll(path); err != nil {
				p.logger.Warn("workspace cleanup failed",
					zap.String("session_id", sessionID),
					zap.String("path", path),
					zap.Error(err))
			}
		})
	}
}

// worktreeCleanup returns an idempotent cleanup that force-removes the
// worktree, falling back to directory deletion when git refuses.
func (p *Provisioner) worktreeCleanup(sessionID, repo, worktreePath string) CleanupFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			unlock := p.lockRepo(repo)
			defer unlock()

			ctx := context.Background()
			if err := p.git(ctx, repo, "worktree", "remove", "--force", worktreePath); err != nil {
				p.logger.Warn("git worktree remove failed, deleting directory",
					zap.String("session_id", sessionID),
					zap.String("path", worktreePath),
					zap.Error(err))
				if err := os.RemoveAll(worktreePath); err != nil {
					p.logger.Warn("worktree directory deletion failed",
						zap.String("path", worktreePath),
						zap.Error(err))
				}
				_ = p.git(ctx, repo, "worktree", "prune")
			}
		})
	}
}

// lockRepo acquires the per-repository mutex and returns its release
// function. Locks are reference-counted so the map does not grow without
// bound.
func (p *Provisioner) lockRepo(repoPath string) func() {
	p.repoLockMu.Lock()
	entry, ok := p.repoLocks[repoPath]
	if !ok {
		entry = &repoLockEntry{mu: &sync.Mutex{}}
		p.repoLocks[repoPath] = entry
	}
	entry.refCount++
	p.repoLockMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		p.repoLockMu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(p.repoLocks, repoPath)
		}
		p.repoLockMu.Unlock()
	}
}

// git runs a git command, capturing combined output for error context.
func (p *Provisioner) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return nil
}

// absExistingDir resolves a path to absolute and verifies it is a directory.
func absExistingDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}
