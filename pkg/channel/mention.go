package channel

import (
	"regexp"
	"strings"

	"flock/pkg/proto"
)

var (
	usernameAllowed = regexp.MustCompile(`[^a-z0-9_.\-]+`)
	separatorRuns   = regexp.MustCompile(`[._\-]{2,}`)
	mentionPattern  = regexp.MustCompile(`@([A-Za-z0-9_\-]+)`)
)

// NormalizeUsername maps an external display name to a stable agent-safe
// handle: lowercase, drop anything outside [a-z0-9_.-], collapse separator
// runs, trim separators at the edges. An empty result becomes "unknown".
// The function is idempotent.
func NormalizeUsername(name string) string {
	s := strings.ToLower(name)
	s = usernameAllowed.ReplaceAllString(s, "")
	s = separatorRuns.ReplaceAllStringFunc(s, func(run string) string {
		return run[:1]
	})
	s = strings.Trim(s, "._-")
	if s == "" {
		return "unknown"
	}
	return s
}

// ExtractMentions returns the channel members mentioned with @name in the
// content. Matching is case-insensitive; members with the human prefix are
// never returned. The result preserves member order and has no duplicates.
func ExtractMentions(content string, members []string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	mentioned := make(map[string]bool, len(matches))
	for _, m := range matches {
		mentioned[strings.ToLower(m[1])] = true
	}

	var out []string
	for _, member := range members {
		if proto.IsHumanAgent(member) {
			continue
		}
		if mentioned[strings.ToLower(member)] {
			out = append(out, member)
		}
	}
	return out
}
