package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

func newTestProvisioner(t *testing.T, container bool) *Provisioner {
	t.Helper()
	p, err := NewProvisioner(Config{
		SessionsBaseDir: filepath.Join(t.TempDir(), "sessions"),
		CacheDir:        filepath.Join(t.TempDir(), "cache"),
		Container:       container,
	}, logger.Default())
	require.NoError(t, err)
	return p
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "a.go"), []byte("package pkg\n"), 0o644))
	return src
}

func TestLocalCopyProvisionAndCleanup(t *testing.T) {
	p := newTestProvisioner(t, false)
	src := writeSourceTree(t)

	path, cleanup, err := p.Provision(context.Background(), Descriptor{
		Kind:   KindLocalCopy,
		Source: src,
	}, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "sess-1", filepath.Base(path))

	data, err := os.ReadFile(filepath.Join(path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	_, err = os.Stat(filepath.Join(path, "pkg", "a.go"))
	require.NoError(t, err)

	// The source is untouched and the copy is independent.
	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("x"), 0o644))
	_, err = os.Stat(filepath.Join(src, "new.txt"))
	assert.True(t, os.IsNotExist(err))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Cleanup is idempotent.
	cleanup()
}

func TestLocalCopyContainerModeReturnsSource(t *testing.T) {
	p := newTestProvisioner(t, true)
	src := writeSourceTree(t)

	path, cleanup, err := p.Provision(context.Background(), Descriptor{
		Kind:   KindLocalCopy,
		Source: src,
	}, "sess-2")
	require.NoError(t, err)
	assert.Nil(t, cleanup)

	abs, err := filepath.Abs(src)
	require.NoError(t, err)
	assert.Equal(t, abs, path)
}

func TestMissingSourceIsWorkspaceError(t *testing.T) {
	p := newTestProvisioner(t, false)

	_, _, err := p.Provision(context.Background(), Descriptor{
		Kind:   KindLocalCopy,
		Source: filepath.Join(t.TempDir(), "does-not-exist"),
	}, "sess-3")
	require.Error(t, err)
	assert.Equal(t, dockerrors.KindWorkspace, dockerrors.KindOf(err))
}

func TestUnknownKindRejected(t *testing.T) {
	p := newTestProvisioner(t, false)
	_, _, err := p.Provision(context.Background(), Descriptor{Kind: "zip-archive", Source: "."}, "sess-4")
	require.Error(t, err)
	assert.Equal(t, dockerrors.KindWorkspace, dockerrors.KindOf(err))
}

func TestRemoteGitRequiresRepoID(t *testing.T) {
	p := newTestProvisioner(t, false)
	_, _, err := p.Provision(context.Background(), Descriptor{Kind: KindRemoteGit, Source: "https://example.invalid/repo.git"}, "sess-5")
	require.Error(t, err)
	assert.Equal(t, dockerrors.KindWorkspace, dockerrors.KindOf(err))
}

func TestLocalWorktreeProvisionAndCleanup(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	p := newTestProvisioner(t, false)

	repo := t.TempDir()
	mustGit(t, repo, "init")
	mustGit(t, repo, "config", "user.email", "test@example.com")
	mustGit(t, repo, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "f.txt"), []byte("1"), 0o644))
	mustGit(t, repo, "add", ".")
	mustGit(t, repo, "commit", "-m", "init")

	path, cleanup, err := p.Provision(context.Background(), Descriptor{
		Kind:   KindLocalWorktree,
		Source: repo,
	}, "sess-6")
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	assert.Equal(t, filepath.Join(repo, ".worktree", "agentdock-sess-6"), path)
	_, err = os.Stat(filepath.Join(path, "f.txt"))
	require.NoError(t, err)

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	cleanup()
}

func TestLocalWorktreeCustomName(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	p := newTestProvisioner(t, false)

	repo := t.TempDir()
	mustGit(t, repo, "init")
	mustGit(t, repo, "config", "user.email", "test@example.com")
	mustGit(t, repo, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "f.txt"), []byte("1"), 0o644))
	mustGit(t, repo, "add", ".")
	mustGit(t, repo, "commit", "-m", "init")

	path, cleanup, err := p.Provision(context.Background(), Descriptor{
		Kind:         KindLocalWorktree,
		Source:       repo,
		WorktreeName: "feature-x",
	}, "sess-7")
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "feature-x", filepath.Base(path))
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
