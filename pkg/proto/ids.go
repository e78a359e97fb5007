package proto

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidID is returned when an identifier is unsafe to use as a
// filesystem path component or wire token.
var ErrInvalidID = fmt.Errorf("invalid identifier")

// idPattern is the only shape permitted for agent, node, and home IDs that
// end up in filesystem paths. Anything else fails validation before it can
// reach the filesystem.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID checks that id is non-empty and matches [A-Za-z0-9_-]+.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match [A-Za-z0-9_-]+", ErrInvalidID, id)
	}
	return nil
}

// HomeID composes the canonical home identifier agentID@nodeID.
// Both components must pass ValidateID.
func HomeID(agentID, nodeID string) (string, error) {
	if err := ValidateID(agentID); err != nil {
		return "", fmt.Errorf("agent id: %w", err)
	}
	if err := ValidateID(nodeID); err != nil {
		return "", fmt.Errorf("node id: %w", err)
	}
	return agentID + "@" + nodeID, nil
}

// SplitHomeID splits agentID@nodeID back into its components.
func SplitHomeID(homeID string) (agentID, nodeID string, err error) {
	at := strings.IndexByte(homeID, '@')
	if at <= 0 || at == len(homeID)-1 {
		return "", "", fmt.Errorf("%w: home id %q is not agentID@nodeID", ErrInvalidID, homeID)
	}
	agentID, nodeID = homeID[:at], homeID[at+1:]
	if err := ValidateID(agentID); err != nil {
		return "", "", err
	}
	if err := ValidateID(nodeID); err != nil {
		return "", "", err
	}
	return agentID, nodeID, nil
}

// HumanAgentID prefixes a normalized username with the human namespace.
// Human agent IDs never route to an executor and never appear in paths.
const HumanPrefix = "human:"

// IsHumanAgent reports whether agentID belongs to the human namespace.
func IsHumanAgent(agentID string) bool {
	return strings.HasPrefix(agentID, HumanPrefix)
}
