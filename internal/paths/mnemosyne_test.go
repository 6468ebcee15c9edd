package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveMnemosyneDir_CreatesDirWithRestrictedMode(t *testing.T) {
	tmp := t.TempDir()
	dir, err := ResolveMnemosyneDir(tmp)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmp, ".mnemosyne"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestResolveMnemosyneDir_AcceptsDirDirectly(t *testing.T) {
	tmp := t.TempDir()
	mnemosyneDir := filepath.Join(tmp, ".mnemosyne")
	require.NoError(t, os.MkdirAll(mnemosyneDir, 0700))

	dir, err := ResolveMnemosyneDir(mnemosyneDir)
	require.NoError(t, err)
	require.Equal(t, mnemosyneDir, dir)
}

func TestResolveMnemosyneDir_FollowsRedirect(t *testing.T) {
	tmp := t.TempDir()
	mainWorktree := filepath.Join(tmp, "main", ".mnemosyne")
	require.NoError(t, os.MkdirAll(mainWorktree, 0700))

	worktree := filepath.Join(tmp, "worktree")
	worktreeMnemosyne := filepath.Join(worktree, ".mnemosyne")
	require.NoError(t, os.MkdirAll(worktreeMnemosyne, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(worktreeMnemosyne, "redirect"), []byte("../../main/.mnemosyne"), 0600))

	dir, err := ResolveMnemosyneDir(worktree)
	require.NoError(t, err)
	require.Equal(t, filepath.Clean(mainWorktree), dir)
}

func TestEventStorePathAndBranchMirrorPath(t *testing.T) {
	dir := "/tmp/.mnemosyne"
	require.Equal(t, filepath.Join(dir, "events.db"), EventStorePath(dir))
	require.Equal(t, filepath.Join(dir, "branch_registry.json"), BranchMirrorPath(dir))
	require.Equal(t, filepath.Join(dir, "ipc"), SocketPath(dir))
}
