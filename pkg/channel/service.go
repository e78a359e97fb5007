// Package channel implements named message streams shared by agents and
// humans, with optional bidirectional bridges to external chat platforms
// and an echo tracker that prevents relay loops.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flock/pkg/logx"
	"flock/pkg/metrics"
	"flock/pkg/proto"
	"flock/pkg/store"
)

var (
	// ErrChannelArchived is returned when writing to an archived channel.
	ErrChannelArchived = errors.New("channel is archived")
	// ErrUnsupportedPlatform is returned for inbound events from
	// platforms we do not bridge.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// supportedPlatforms lists the external platforms a bridge may target.
var supportedPlatforms = map[string]bool{
	"discord": true,
	"slack":   true,
}

// SendOptions carries per-bridge delivery details for an external send.
type SendOptions struct {
	DisplayName string
	WebhookURL  string
	AccountID   string
}

// ExternalSender delivers a message to an external platform conversation.
// Implementations exist per platform (discord, slack).
type ExternalSender interface {
	SendExternal(ctx context.Context, platform, externalChannelID, message string, opts SendOptions) error
}

// Scheduler is the slice of the work-loop coordinator the channel service
// needs: waking sleeping agents and nudging an immediate tick.
type Scheduler interface {
	Wake(ctx context.Context, agentID, reason string) error
	RequestImmediateTick(agentID string)
}

// InboundEvent is one message arriving from an external platform.
type InboundEvent struct {
	From      string
	Content   string
	Timestamp time.Time
}

// BridgeContext identifies the external conversation an event came from.
type BridgeContext struct {
	Platform       string
	ConversationID string
}

// OutboundMessage is one channel message to relay to external bridges.
type OutboundMessage struct {
	ChannelID string
	AgentID   string
	Content   string
	Seq       int64
}

// Service owns channel metadata, the append path, and bridge relay.
type Service struct {
	channels  store.ChannelStore
	messages  store.ChannelMessageStore
	bridges   store.BridgeStore
	loops     store.AgentLoopStore
	echo      *EchoTracker
	sender    ExternalSender
	scheduler Scheduler
	logger    *logx.Logger
	recorder  metrics.Recorder
}

// NewService wires the channel service. sender and scheduler may be nil in
// deployments without bridges or a work loop.
func NewService(backend store.Backend, echo *EchoTracker, sender ExternalSender, scheduler Scheduler) *Service {
	return &Service{
		channels:  backend.Channels(),
		messages:  backend.ChannelMessages(),
		bridges:   backend.Bridges(),
		loops:     backend.AgentLoops(),
		echo:      echo,
		sender:    sender,
		scheduler: scheduler,
		logger:    logx.NewLogger("channel"),
		recorder:  metrics.Nop(),
	}
}

// SetRecorder installs a metrics recorder.
func (s *Service) SetRecorder(recorder metrics.Recorder) {
	s.recorder = recorder
}

// Create makes a new channel. Members are deduplicated.
func (s *Service) Create(ctx context.Context, name, topic, createdBy string, members []string) (*store.Channel, error) {
	now := time.Now().UTC()
	ch := &store.Channel{
		ID:        uuid.New().String(),
		Name:      name,
		Topic:     topic,
		CreatedBy: createdBy,
		Members:   dedupe(members),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.channels.Insert(ctx, ch); err != nil {
		return nil, err
	}
	s.logger.Info("📢 Created channel %s (%s)", ch.Name, ch.ID)
	return ch, nil
}

// Get returns the channel record.
func (s *Service) Get(ctx context.Context, channelID string) (*store.Channel, error) {
	return s.channels.Get(ctx, channelID)
}

// List returns channels matching the filter.
func (s *Service) List(ctx context.Context, filter store.ChannelFilter) ([]*store.Channel, error) {
	return s.channels.List(ctx, filter)
}

// AddMember adds agentID to the channel's member list. Idempotent.
func (s *Service) AddMember(ctx context.Context, channelID, agentID string) error {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return err
	}
	for _, m := range ch.Members {
		if m == agentID {
			return nil
		}
	}
	members := append(append([]string(nil), ch.Members...), agentID)
	_, err = s.channels.Update(ctx, channelID, store.ChannelUpdate{Members: &members})
	return err
}

// Post appends a message from agentID and relays it to active bridges.
func (s *Service) Post(ctx context.Context, channelID, agentID, content string) (int64, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if ch.Archived {
		return 0, fmt.Errorf("channel %s: %w", channelID, ErrChannelArchived)
	}

	seq, err := s.messages.Append(ctx, &store.ChannelMessage{
		ChannelID: channelID,
		AgentID:   agentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	s.HandleOutbound(ctx, OutboundMessage{
		ChannelID: channelID,
		AgentID:   agentID,
		Content:   content,
		Seq:       seq,
	})
	return seq, nil
}

// Messages returns channel messages matching the filter.
func (s *Service) Messages(ctx context.Context, filter store.MessageFilter) ([]*store.ChannelMessage, error) {
	return s.messages.List(ctx, filter)
}

// HandleInbound processes a message arriving from an external platform:
// append, echo-mark, member upkeep, and mention wakes.
func (s *Service) HandleInbound(ctx context.Context, event InboundEvent, bctx BridgeContext) error {
	if !supportedPlatforms[bctx.Platform] {
		return fmt.Errorf("platform %q: %w", bctx.Platform, ErrUnsupportedPlatform)
	}
	if bctx.ConversationID == "" {
		return errors.New("inbound event missing conversation id")
	}

	active := true
	bridges, err := s.bridges.List(ctx, store.BridgeFilter{
		Platform:          bctx.Platform,
		ExternalChannelID: bctx.ConversationID,
		Active:            &active,
	})
	if err != nil {
		return fmt.Errorf("lookup bridge: %w", err)
	}
	if len(bridges) == 0 {
		s.logger.Warn("Inbound from %s/%s has no active bridge, dropping", bctx.Platform, bctx.ConversationID)
		return nil
	}
	bridge := bridges[0]

	ch, err := s.channels.Get(ctx, bridge.ChannelID)
	if err != nil {
		s.logger.Warn("Bridge %s points at missing channel %s, dropping", bridge.ID, bridge.ChannelID)
		return nil
	}
	if ch.Archived {
		s.logger.Warn("Bridge %s points at archived channel %s, dropping", bridge.ID, ch.ID)
		return nil
	}

	humanID := proto.HumanPrefix + NormalizeUsername(event.From)
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	seq, err := s.messages.Append(ctx, &store.ChannelMessage{
		ChannelID: ch.ID,
		AgentID:   humanID,
		Content:   event.Content,
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("append inbound message: %w", err)
	}
	s.recorder.IncBridgeRelay(bctx.Platform, "in", "ok")
	if s.echo != nil {
		s.echo.MarkBridgedIn(ch.ID, seq)
	}

	if err := s.AddMember(ctx, ch.ID, humanID); err != nil {
		s.logger.Warn("Failed to add %s to channel %s: %v", humanID, ch.ID, err)
	}

	s.wakeMentioned(ctx, event.Content, ch)
	return nil
}

// wakeMentioned wakes every mentioned sleeping agent and requests an
// immediate tick. Wake failures are logged, never propagated.
func (s *Service) wakeMentioned(ctx context.Context, content string, ch *store.Channel) {
	for _, agentID := range ExtractMentions(content, ch.Members) {
		rec, err := s.loops.Get(ctx, agentID)
		if err != nil {
			s.logger.Debug("No loop record for mentioned agent %s: %v", agentID, err)
			continue
		}
		if rec.State == store.LoopSleep && s.scheduler != nil {
			if err := s.scheduler.Wake(ctx, agentID, "mentioned in #"+ch.Name); err != nil {
				s.logger.Warn("Failed to wake %s: %v", agentID, err)
				continue
			}
		}
		if s.scheduler != nil {
			s.scheduler.RequestImmediateTick(agentID)
		}
	}
}

// HandleOutbound relays a channel message to every active bridge on the
// channel. Human-authored messages are skipped (they are already visible
// on the source platform), as are messages still in their echo window.
// A failing bridge never blocks the others.
func (s *Service) HandleOutbound(ctx context.Context, msg OutboundMessage) {
	if proto.IsHumanAgent(msg.AgentID) {
		return
	}
	if s.sender == nil {
		return
	}

	active := true
	bridges, err := s.bridges.List(ctx, store.BridgeFilter{ChannelID: msg.ChannelID, Active: &active})
	if err != nil {
		s.logger.Warn("Failed to list bridges for %s: %v", msg.ChannelID, err)
		return
	}

	for _, bridge := range bridges {
		if msg.Seq > 0 && s.echo != nil && s.echo.WasBridgedIn(msg.ChannelID, msg.Seq) {
			continue
		}
		err := s.sender.SendExternal(ctx, bridge.Platform, bridge.ExternalChannelID, msg.Content, SendOptions{
			DisplayName: msg.AgentID,
			WebhookURL:  bridge.WebhookURL,
			AccountID:   bridge.AccountID,
		})
		if err != nil {
			s.logger.Warn("Bridge %s relay failed: %v", bridge.ID, err)
			s.recorder.IncBridgeRelay(bridge.Platform, "out", "error")
			continue
		}
		s.recorder.IncBridgeRelay(bridge.Platform, "out", "ok")
	}
}

// CreateBridge links a channel to an external conversation. The store
// rejects a second active bridge for the same (platform, externalChannelID).
func (s *Service) CreateBridge(ctx context.Context, channelID, platform, externalChannelID, webhookURL, accountID string) (*store.Bridge, error) {
	if !supportedPlatforms[platform] {
		return nil, fmt.Errorf("platform %q: %w", platform, ErrUnsupportedPlatform)
	}
	if _, err := s.channels.Get(ctx, channelID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bridge := &store.Bridge{
		ID:                uuid.New().String(),
		ChannelID:         channelID,
		Platform:          platform,
		ExternalChannelID: externalChannelID,
		Active:            true,
		WebhookURL:        webhookURL,
		AccountID:         accountID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.bridges.Insert(ctx, bridge); err != nil {
		return nil, err
	}
	s.logger.Info("🌉 Bridged channel %s to %s/%s", channelID, platform, externalChannelID)
	return bridge, nil
}

// Archive marks the channel read-only and deactivates its bridges. Each
// deactivated bridge gets one best-effort farewell; send failures never
// prevent the archive.
func (s *Service) Archive(ctx context.Context, channelID string) error {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Archived {
		return nil
	}

	archived := true
	if _, err := s.channels.Update(ctx, channelID, store.ChannelUpdate{Archived: &archived}); err != nil {
		return fmt.Errorf("archive channel %s: %w", channelID, err)
	}

	active := true
	bridges, err := s.bridges.List(ctx, store.BridgeFilter{ChannelID: channelID, Active: &active})
	if err != nil {
		return fmt.Errorf("list bridges for %s: %w", channelID, err)
	}

	inactive := false
	for _, bridge := range bridges {
		if _, err := s.bridges.Update(ctx, bridge.ID, store.BridgeUpdate{Active: &inactive}); err != nil {
			s.logger.Warn("Failed to deactivate bridge %s: %v", bridge.ID, err)
			continue
		}
		if s.sender != nil {
			farewell := fmt.Sprintf("Channel #%s has been archived.", ch.Name)
			err := s.sender.SendExternal(ctx, bridge.Platform, bridge.ExternalChannelID, farewell, SendOptions{
				DisplayName: "flock",
				WebhookURL:  bridge.WebhookURL,
				AccountID:   bridge.AccountID,
			})
			if err != nil {
				s.logger.Warn("Farewell for bridge %s failed: %v", bridge.ID, err)
			}
		}
	}

	s.logger.Info("🗄️ Archived channel %s (%d bridge(s) deactivated)", channelID, len(bridges))
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
