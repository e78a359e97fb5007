package channel

import (
	"context"
	"fmt"
	"sync"
)

// SenderMux fans SendExternal out to per-platform senders.
type SenderMux struct {
	mu      sync.RWMutex
	senders map[string]ExternalSender
}

// NewSenderMux creates an empty mux.
func NewSenderMux() *SenderMux {
	return &SenderMux{senders: make(map[string]ExternalSender)}
}

// Register installs the sender for a platform, replacing any previous one.
func (m *SenderMux) Register(platform string, sender ExternalSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[platform] = sender
}

// SendExternal dispatches to the sender registered for the platform.
func (m *SenderMux) SendExternal(ctx context.Context, platform, externalChannelID, message string, opts SendOptions) error {
	m.mu.RLock()
	sender, ok := m.senders[platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sender registered for platform %q", platform)
	}
	return sender.SendExternal(ctx, platform, externalChannelID, message, opts)
}
