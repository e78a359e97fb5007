package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock/pkg/store"
	"flock/pkg/store/memstore"
)

type recordedSend struct {
	platform  string
	channelID string
	message   string
	opts      SendOptions
}

type stubSender struct {
	mu    sync.Mutex
	sends []recordedSend
	fail  map[string]error
}

func (s *stubSender) SendExternal(_ context.Context, platform, externalChannelID, message string, opts SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[externalChannelID]; ok {
		return err
	}
	s.sends = append(s.sends, recordedSend{platform, externalChannelID, message, opts})
	return nil
}

func (s *stubSender) sent() []recordedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedSend(nil), s.sends...)
}

type stubScheduler struct {
	woken  []string
	ticked []string
}

func (s *stubScheduler) Wake(_ context.Context, agentID, _ string) error {
	s.woken = append(s.woken, agentID)
	return nil
}

func (s *stubScheduler) RequestImmediateTick(agentID string) {
	s.ticked = append(s.ticked, agentID)
}

func newTestService(t *testing.T) (*Service, store.Backend, *stubSender, *stubScheduler) {
	t.Helper()
	backend := memstore.New()
	echo := NewEchoTracker()
	t.Cleanup(echo.Dispose)
	sender := &stubSender{fail: map[string]error{}}
	scheduler := &stubScheduler{}
	return NewService(backend, echo, sender, scheduler), backend, sender, scheduler
}

func TestInboundAppendsAndSuppressesEcho(t *testing.T) {
	ctx := context.Background()
	svc, backend, sender, scheduler := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", []string{"bob"})
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "discord", "dc-1", "", "")
	require.NoError(t, err)

	// Bob is asleep.
	now := time.Now().UTC()
	require.NoError(t, backend.AgentLoops().Insert(ctx, &store.AgentLoopRecord{
		AgentID: "bob", State: store.LoopSleep, AwakenedAt: now, LastTickAt: now,
	}))

	require.NoError(t, svc.HandleInbound(ctx,
		InboundEvent{From: "Alice!", Content: "hi @bob"},
		BridgeContext{Platform: "discord", ConversationID: "dc-1"},
	))

	// (a) message appended with normalized human id at seq 1.
	msgs, err := svc.Messages(ctx, store.MessageFilter{ChannelID: ch.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, "human:alice", msgs[0].AgentID)

	// (b) echo tracker marked.
	assert.True(t, svc.echo.WasBridgedIn(ch.ID, 1))

	// (c) bob awoken and ticked.
	assert.Equal(t, []string{"bob"}, scheduler.woken)
	assert.Equal(t, []string{"bob"}, scheduler.ticked)

	// Human added to members.
	got, err := svc.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Members, "human:alice")

	// (d) outbound of the same human message is skipped entirely.
	svc.HandleOutbound(ctx, OutboundMessage{ChannelID: ch.ID, AgentID: "human:alice", Content: "hi @bob", Seq: 1})
	assert.Empty(t, sender.sent())

	// An agent reply relays exactly once.
	svc.HandleOutbound(ctx, OutboundMessage{ChannelID: ch.ID, AgentID: "bob", Content: "hello", Seq: 2})
	sends := sender.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "discord", sends[0].platform)
	assert.Equal(t, "dc-1", sends[0].channelID)
	assert.Equal(t, "bob", sends[0].opts.DisplayName)
}

func TestInboundValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	err := svc.HandleInbound(ctx, InboundEvent{From: "x", Content: "y"},
		BridgeContext{Platform: "telegram", ConversationID: "t-1"})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	err = svc.HandleInbound(ctx, InboundEvent{From: "x", Content: "y"},
		BridgeContext{Platform: "discord"})
	assert.Error(t, err)

	// No bridge: dropped silently.
	err = svc.HandleInbound(ctx, InboundEvent{From: "x", Content: "y"},
		BridgeContext{Platform: "discord", ConversationID: "nope"})
	assert.NoError(t, err)
}

func TestOutboundEchoSuppressionPerBridge(t *testing.T) {
	ctx := context.Background()
	svc, _, sender, _ := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", nil)
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "discord", "dc-1", "", "")
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "slack", "sl-1", "", "")
	require.NoError(t, err)

	svc.echo.MarkBridgedIn(ch.ID, 7)
	svc.HandleOutbound(ctx, OutboundMessage{ChannelID: ch.ID, AgentID: "bob", Content: "x", Seq: 7})
	assert.Empty(t, sender.sent(), "echoed seq suppressed on every bridge")

	svc.HandleOutbound(ctx, OutboundMessage{ChannelID: ch.ID, AgentID: "bob", Content: "y", Seq: 8})
	assert.Len(t, sender.sent(), 2)
}

func TestOutboundContinuesPastFailingBridge(t *testing.T) {
	ctx := context.Background()
	svc, _, sender, _ := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", nil)
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "discord", "dc-bad", "", "")
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "slack", "sl-ok", "", "")
	require.NoError(t, err)

	sender.fail["dc-bad"] = errors.New("gateway down")

	svc.HandleOutbound(ctx, OutboundMessage{ChannelID: ch.ID, AgentID: "bob", Content: "x", Seq: 1})
	sends := sender.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "sl-ok", sends[0].channelID)
}

func TestPostRejectsArchived(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Archive(ctx, ch.ID))

	_, err = svc.Post(ctx, ch.ID, "bob", "too late")
	assert.ErrorIs(t, err, ErrChannelArchived)
}

func TestArchiveDeactivatesBridgesWithFarewell(t *testing.T) {
	ctx := context.Background()
	svc, backend, sender, _ := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", nil)
	require.NoError(t, err)
	_, err = svc.CreateBridge(ctx, ch.ID, "discord", "dc-1", "", "")
	require.NoError(t, err)
	bad, err := svc.CreateBridge(ctx, ch.ID, "slack", "sl-bad", "", "")
	require.NoError(t, err)
	sender.fail["sl-bad"] = errors.New("webhook revoked")

	require.NoError(t, svc.Archive(ctx, ch.ID))

	got, err := svc.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	active := true
	remaining, err := backend.Bridges().List(ctx, store.BridgeFilter{ChannelID: ch.ID, Active: &active})
	require.NoError(t, err)
	assert.Empty(t, remaining, "all bridges deactivated despite farewell failure")

	// Farewell reached the healthy bridge.
	sends := sender.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].message, "archived")

	// Failed farewell did not reactivate anything.
	b, err := backend.Bridges().Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, b.Active)

	// Archiving twice is a no-op.
	require.NoError(t, svc.Archive(ctx, ch.ID))
}

func TestCreateDeduplicatesMembers(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	ch, err := svc.Create(ctx, "c1", "", "sys", []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ch.Members)

	require.NoError(t, svc.AddMember(ctx, ch.ID, "b"))
	got, err := svc.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Members)
}
