package channel

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"Alice!":        "alice",
		"Bob Smith":     "bobsmith",
		"user.name":     "user.name",
		"a__b--c..d":    "a_b-c.d",
		"...weird---":   "weird",
		"ALL CAPS":      "allcaps",
		"日本語":           "unknown",
		"":              "unknown",
		"-_-":           "unknown",
		"mixed-OK_1.2":  "mixed-ok_1.2",
		"a.-_b":         "a.b",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeUsername(input), "input %q", input)
	}
}

func TestNormalizeUsernameIdempotent(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9_.\-]+$`)
	inputs := []string{"Alice!", "b__o--b", "...x...", "", "日本語", "CamelCase.Name", "a b c"}
	for _, input := range inputs {
		once := NormalizeUsername(input)
		assert.Equal(t, once, NormalizeUsername(once), "idempotence for %q", input)
		assert.NotEmpty(t, once)
		assert.True(t, valid.MatchString(once), "output %q", once)
	}
}

func TestExtractMentions(t *testing.T) {
	members := []string{"bob", "carol", "human:alice", "dave"}

	assert.Equal(t, []string{"bob"}, ExtractMentions("hi @bob", members))
	assert.Equal(t, []string{"bob", "carol"}, ExtractMentions("@BOB and @Carol please", members))
	assert.Nil(t, ExtractMentions("no mentions here", members))
	assert.Nil(t, ExtractMentions("hi @stranger", members))

	// Human members are never mentioned back.
	assert.Nil(t, ExtractMentions("@alice hello", members))

	// Duplicate mentions collapse.
	assert.Equal(t, []string{"dave"}, ExtractMentions("@dave @dave @dave", members))
}
