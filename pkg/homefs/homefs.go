// Package homefs lays out agent home directories on disk: the fixed
// subdirectory tree, seed files, and the bind-mount plan that projects a
// home into an agent container.
package homefs

import (
	"fmt"
	"os"
	"path/filepath"

	"flock/pkg/logx"
	"flock/pkg/proto"
)

// homeSubdirs is the fixed tree created under every home.
var homeSubdirs = []string{
	"agent",
	"work",
	"run",
	"log",
	"audit",
	"secrets",
	"workspace",
	"node",
}

// immutableBindFiles are projected read-only into the agent container.
var immutableBindFiles = []string{"AGENTS.md", "USER.md"}

// mutableSeedFiles are created once and owned by the agent afterwards.
var mutableSeedFiles = []string{"SOUL.md", "IDENTITY.md", "MEMORY.md", "HEARTBEAT.md", "TOOLS.md"}

const (
	dirMode        = 0o700
	fileMode       = 0o600
	immutableMode  = 0o400
	secretFileMode = 0o600
)

// BindMount describes one bind from the home into the agent container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Layout provisions and resolves homes under one base directory.
type Layout struct {
	baseDir string
	logger  *logx.Logger
}

// NewLayout returns a layout rooted at baseDir.
func NewLayout(baseDir string) *Layout {
	return &Layout{
		baseDir: baseDir,
		logger:  logx.NewLogger("homefs"),
	}
}

// HomePath returns the on-disk path for the home of agentID on nodeID.
// Both IDs are validated before touching the filesystem.
func (l *Layout) HomePath(agentID, nodeID string) (string, error) {
	homeID, err := proto.HomeID(agentID, nodeID)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, homeID), nil
}

// Provision creates the home tree for agentID on nodeID and writes the
// seed files. Seeds already present are left alone: re-provisioning an
// existing home never clobbers agent state. Returns the home path.
func (l *Layout) Provision(agentID, nodeID string, seeds map[string][]byte) (string, error) {
	homePath, err := l.HomePath(agentID, nodeID)
	if err != nil {
		return "", err
	}

	for _, sub := range homeSubdirs {
		if err := os.MkdirAll(filepath.Join(homePath, sub), dirMode); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}

	for _, name := range mutableSeedFiles {
		path := filepath.Join(homePath, "agent", name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, seeds[name], fileMode); err != nil {
			return "", fmt.Errorf("seed %s: %w", name, err)
		}
	}

	l.logger.Info("🏠 Provisioned home %s", homePath)
	return homePath, nil
}

// WriteBindFile writes one of the immutable bind files read-only. A
// previous copy is replaced; these are node-owned, not agent-owned.
func (l *Layout) WriteBindFile(homePath, name string, data []byte) error {
	if !isImmutableBindFile(name) {
		return fmt.Errorf("%s is not an immutable bind file", name)
	}
	path := filepath.Join(homePath, "agent", name)
	// Re-chmod first so a previous read-only copy can be rewritten.
	if _, err := os.Stat(path); err == nil {
		if err := os.Chmod(path, fileMode); err != nil {
			return fmt.Errorf("unlock %s: %w", name, err)
		}
	}
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Chmod(path, immutableMode)
}

// WriteSecret writes a secret file with restricted permissions.
func (l *Layout) WriteSecret(homePath, name string, data []byte) error {
	if err := proto.ValidateID(name); err != nil {
		return fmt.Errorf("secret name: %w", err)
	}
	return os.WriteFile(filepath.Join(homePath, "secrets", name), data, secretFileMode)
}

// BindMounts returns the container bind plan for a home: the shared
// workspace first, then the home subtrees in fixed order, then the
// immutable files read-only.
func (l *Layout) BindMounts(homePath, workspacePath string) []BindMount {
	mounts := make([]BindMount, 0, len(homeSubdirs)+len(immutableBindFiles))
	if workspacePath != "" {
		mounts = append(mounts, BindMount{
			Source: workspacePath,
			Target: "/workspace",
		})
	}
	for _, sub := range homeSubdirs {
		if sub == "workspace" || sub == "node" {
			continue
		}
		mounts = append(mounts, BindMount{
			Source: filepath.Join(homePath, sub),
			Target: "/home/agent/" + sub,
		})
	}
	for _, name := range immutableBindFiles {
		mounts = append(mounts, BindMount{
			Source:   filepath.Join(homePath, "agent", name),
			Target:   "/home/agent/" + name,
			ReadOnly: true,
		})
	}
	return mounts
}

func isImmutableBindFile(name string) bool {
	for _, candidate := range immutableBindFiles {
		if candidate == name {
			return true
		}
	}
	return false
}
