// ABOUTME: Small helpers for reading git state from a working directory
// ABOUTME: Shells out to git; callers treat failures as absence, not errors

package gitutil

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// IsRepository reports whether dir is inside a git work tree.
func IsRepository(ctx context.Context, dir string) bool {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentHead returns the HEAD commit hash of the repository containing
// dir. It returns an empty string when dir is not a repository or git is
// unavailable; baseline capture is best effort.
func CurrentHead(ctx context.Context, dir string) string {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
