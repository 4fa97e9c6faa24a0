// ABOUTME: Tests for git helpers
// ABOUTME: Uses throwaway repositories created with the git CLI

package gitutil

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"commit", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable: %v (%s)", err, out)
		}
	}
	return dir
}

func TestIsRepository(t *testing.T) {
	repo := initRepo(t)
	assert.True(t, IsRepository(context.Background(), repo))
	assert.False(t, IsRepository(context.Background(), t.TempDir()))
}

func TestCurrentHead(t *testing.T) {
	repo := initRepo(t)

	head := CurrentHead(context.Background(), repo)
	require.NotEmpty(t, head)
	assert.Len(t, head, 40, "full commit hash")

	assert.Empty(t, CurrentHead(context.Background(), t.TempDir()), "non-repo yields empty head")
}
