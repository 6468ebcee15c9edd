// Package paths resolves the on-disk locations used by the orchestration
// core: the per-project coordination directory and its subdirectories.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveMnemosyneDir resolves the .mnemosyne directory path from user
// input. It normalizes the input (accepting either a project dir or a
// .mnemosyne dir directly), creates it with mode 0700 if missing, and
// follows a redirect file so git worktrees can share one coordination
// directory with their main worktree.
//
// Input normalization:
//   - "/path/to/project" -> "/path/to/project/.mnemosyne"
//   - "/path/to/project/.mnemosyne" -> "/path/to/project/.mnemosyne"
//   - "" -> "./.mnemosyne"
func ResolveMnemosyneDir(path string) (string, error) {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	var dir string
	if filepath.Base(path) == ".mnemosyne" {
		dir = path
	} else {
		dir = filepath.Join(path, ".mnemosyne")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	return followRedirect(dir), nil
}

// followRedirect checks for a redirect file and follows it if present.
// Redirect files let a git worktree point at the main worktree's
// .mnemosyne directory so branch state is shared rather than duplicated.
func followRedirect(dir string) string {
	redirectPath := filepath.Join(dir, "redirect")

	content, err := os.ReadFile(redirectPath) //nolint:gosec // redirect path is within the resolved coordination dir
	if err != nil {
		return dir
	}

	target := strings.TrimSpace(string(content))
	if target == "" {
		return dir
	}

	return filepath.Clean(filepath.Join(dir, target))
}

// SocketPath returns the ipc subdirectory path under the resolved
// .mnemosyne directory. The cross-process coordinator does not use it: it
// keeps its queue and process table under <dir>/queue and <dir>/processes.
func SocketPath(mnemosyneDir string) string {
	return filepath.Join(mnemosyneDir, "ipc")
}

// BranchMirrorPath returns the path of the branch registry's buffered JSON
// mirror file under the resolved .mnemosyne directory.
func BranchMirrorPath(mnemosyneDir string) string {
	return filepath.Join(mnemosyneDir, "branch_registry.json")
}

// EventStorePath returns the path of the SQLite event audit database under
// the resolved .mnemosyne directory.
func EventStorePath(mnemosyneDir string) string {
	return filepath.Join(mnemosyneDir, "events.db")
}
