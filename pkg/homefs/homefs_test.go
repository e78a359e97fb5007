package homefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionCreatesTreeAndSeeds(t *testing.T) {
	layout := NewLayout(t.TempDir())

	homePath, err := layout.Provision("workerA", "node-A", map[string][]byte{
		"SOUL.md":     []byte("# Soul\n"),
		"IDENTITY.md": []byte("# Identity\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "workerA@node-A", filepath.Base(homePath))

	for _, sub := range homeSubdirs {
		info, err := os.Stat(filepath.Join(homePath, sub))
		require.NoError(t, err, "subdir %s", sub)
		require.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(dirMode), info.Mode().Perm(), "subdir %s", sub)
	}

	soul, err := os.ReadFile(filepath.Join(homePath, "agent", "SOUL.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Soul\n", string(soul))

	// Unseeded mutable files exist empty.
	memory, err := os.Stat(filepath.Join(homePath, "agent", "MEMORY.md"))
	require.NoError(t, err)
	assert.Zero(t, memory.Size())
}

func TestProvisionNeverClobbersExistingSeeds(t *testing.T) {
	layout := NewLayout(t.TempDir())

	homePath, err := layout.Provision("workerA", "node-A", map[string][]byte{"MEMORY.md": []byte("v1")})
	require.NoError(t, err)

	// Agent mutated its memory; re-provisioning keeps the mutation.
	memPath := filepath.Join(homePath, "agent", "MEMORY.md")
	require.NoError(t, os.WriteFile(memPath, []byte("agent edits"), 0o600))

	_, err = layout.Provision("workerA", "node-A", map[string][]byte{"MEMORY.md": []byte("v2")})
	require.NoError(t, err)

	got, err := os.ReadFile(memPath)
	require.NoError(t, err)
	assert.Equal(t, "agent edits", string(got))
}

func TestProvisionRejectsBadIDs(t *testing.T) {
	layout := NewLayout(t.TempDir())

	for _, agentID := range []string{"", "../escape", "worker A", "worker/a"} {
		_, err := layout.Provision(agentID, "node-A", nil)
		assert.Error(t, err, "agent id %q", agentID)
	}
	_, err := layout.HomePath("workerA", "node A")
	assert.Error(t, err)
}

func TestWriteBindFileIsReadOnlyAndReplaceable(t *testing.T) {
	layout := NewLayout(t.TempDir())
	homePath, err := layout.Provision("workerA", "node-A", nil)
	require.NoError(t, err)

	require.NoError(t, layout.WriteBindFile(homePath, "AGENTS.md", []byte("rules v1")))
	path := filepath.Join(homePath, "agent", "AGENTS.md")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(immutableMode), info.Mode().Perm())

	// The node can replace it; the read-only mode survives.
	require.NoError(t, layout.WriteBindFile(homePath, "AGENTS.md", []byte("rules v2")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rules v2", string(got))

	err = layout.WriteBindFile(homePath, "SOUL.md", []byte("x"))
	assert.Error(t, err, "mutable seeds are not bind files")
}

func TestWriteSecretModes(t *testing.T) {
	layout := NewLayout(t.TempDir())
	homePath, err := layout.Provision("workerA", "node-A", nil)
	require.NoError(t, err)

	require.NoError(t, layout.WriteSecret(homePath, "api_token", []byte("s3cret")))
	info, err := os.Stat(filepath.Join(homePath, "secrets", "api_token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(secretFileMode), info.Mode().Perm())

	assert.Error(t, layout.WriteSecret(homePath, "../evil", []byte("x")))
}

func TestBindMountsOrder(t *testing.T) {
	layout := NewLayout(t.TempDir())
	mounts := layout.BindMounts("/homes/workerA@node-A", "/srv/workspace")

	require.NotEmpty(t, mounts)
	assert.Equal(t, "/srv/workspace", mounts[0].Source, "workspace binds first")
	assert.False(t, mounts[0].ReadOnly)

	// Immutable files come last and are read-only.
	last := mounts[len(mounts)-1]
	assert.True(t, last.ReadOnly)
	assert.Equal(t, "/home/agent/USER.md", last.Target)

	var agentsMount *BindMount
	for i := range mounts {
		if mounts[i].Target == "/home/agent/AGENTS.md" {
			agentsMount = &mounts[i]
		}
	}
	require.NotNil(t, agentsMount)
	assert.True(t, agentsMount.ReadOnly)

	// No workspace path: home subtrees only.
	bare := layout.BindMounts("/homes/workerA@node-A", "")
	assert.Equal(t, "/homes/workerA@node-A/agent", bare[0].Source)
}
