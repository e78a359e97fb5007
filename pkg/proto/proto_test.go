package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	valid := []string{"a1", "worker-7", "node_B", "A", "0"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), id)
	}

	invalid := []string{"", "a b", "a/b", "a@b", "../etc", "héllo", "a.b"}
	for _, id := range invalid {
		err := ValidateID(id)
		require.Error(t, err, id)
		assert.ErrorIs(t, err, ErrInvalidID)
	}
}

func TestHomeIDRoundTrip(t *testing.T) {
	homeID, err := HomeID("a1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "a1@n1", homeID)

	agentID, nodeID, err := SplitHomeID(homeID)
	require.NoError(t, err)
	assert.Equal(t, "a1", agentID)
	assert.Equal(t, "n1", nodeID)
}

func TestHomeIDRejectsBadComponents(t *testing.T) {
	_, err := HomeID("a@1", "n1")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, _, err = SplitHomeID("no-separator")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, _, err = SplitHomeID("a1@")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestIsHumanAgent(t *testing.T) {
	assert.True(t, IsHumanAgent("human:alice"))
	assert.False(t, IsHumanAgent("bob"))
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewTextMessage(RoleUser, "hello")
	msg.Parts = append(msg.Parts, DataPart{Data: map[string]any{"seq": float64(3)}})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message", decoded.Kind)
	assert.Equal(t, RoleUser, decoded.Role)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	require.Len(t, decoded.Parts, 2)

	tp, ok := IsTextPart(decoded.Parts[0])
	require.True(t, ok)
	assert.Equal(t, "hello", tp.Text)

	dp, ok := IsDataPart(decoded.Parts[1])
	require.True(t, ok)
	assert.Equal(t, float64(3), dp.Data["seq"])
}

func TestMessageUnknownPartFieldsPreserved(t *testing.T) {
	raw := `{"kind":"message","role":"agent","messageID":"m1",
		"parts":[{"kind":"text","text":"hi","vendorTag":"x"}]}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Len(t, msg.Parts, 1)

	tp, ok := IsTextPart(msg.Parts[0])
	require.True(t, ok)
	assert.Equal(t, "x", tp.Extensions["vendorTag"])
}

func TestMessageText(t *testing.T) {
	msg := &Message{
		Kind: "message",
		Parts: []Part{
			TextPart{Text: "one"},
			DataPart{Data: map[string]any{"k": "v"}},
			TextPart{Text: "two"},
		},
	}
	assert.Equal(t, "one\ntwo", msg.Text())
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateRejected, TaskStateCompleted, TaskStateFailed, TaskStateCanceled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	open := []TaskState{TaskStateSubmitted, TaskStateAccepted, TaskStateWorking, TaskStateInputRequired}
	for _, s := range open {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestRPCEnvelopes(t *testing.T) {
	req, err := NewRequest(MethodMessageSend, MessageSendParams{Message: NewTextMessage(RoleUser, "ping")}, 1)
	require.NoError(t, err)
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, MethodMessageSend, req.Method)

	resp := NewErrorResponse(1, CodeAgentNotFound, "agent workerZ not found")
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Error(), "workerZ")
}

func TestMigrationTransferParamsArchiveBase64(t *testing.T) {
	params := MigrationTransferParams{
		MigrationID: "m-1",
		Archive:     []byte{0x1f, 0x8b, 0x00},
		Digest:      "abcd",
		Size:        3,
	}
	data, err := json.Marshal(params)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"archive":"H4sA"`)

	var decoded MigrationTransferParams
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, params.Archive, decoded.Archive)
}
