package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"flock/pkg/logx"
	"flock/pkg/proto"
)

// discoveryTimeout bounds every parent-registry request.
const discoveryTimeout = 10 * time.Second

// PeerResolver resolves agents in order: local agent table, node registry,
// parent registry (cached), local fallback.
type PeerResolver struct {
	local    LocalDirectory
	registry *Registry
	parent   *ParentClient
	logger   *logx.Logger
}

// NewPeerResolver builds the default peer-topology resolver. parent may be
// nil when no parent registry is configured.
func NewPeerResolver(local LocalDirectory, registry *Registry, parent *ParentClient) *PeerResolver {
	return &PeerResolver{
		local:    local,
		registry: registry,
		parent:   parent,
		logger:   logx.NewLogger("routing"),
	}
}

// Resolve maps agentID to a route. Parent-registry failures are treated as
// not-found: the fallback LocalRoute lets the local server answer
// authoritatively.
func (r *PeerResolver) Resolve(agentID string) Route {
	if r.local != nil && r.local.HasAgent(agentID) {
		return LocalRoute{AgentID: agentID}
	}

	// Cached parent resolutions live in the registry, so a second lookup
	// never needs the parent to be reachable.
	if info := r.registry.FindAgent(agentID); info != nil {
		return RemoteRoute{AgentID: agentID, NodeID: info.NodeID, Endpoint: info.Endpoint}
	}

	if r.parent != nil {
		if route := r.resolveViaParent(agentID); route != nil {
			return *route
		}
	}

	return LocalRoute{AgentID: agentID}
}

func (r *PeerResolver) resolveViaParent(agentID string) *RemoteRoute {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	card, err := r.parent.LookupAgent(ctx, agentID)
	if err != nil {
		r.logger.Debug("Parent lookup for %s failed: %v", agentID, err)
		return nil
	}
	if card == nil {
		return nil
	}

	nodeID := "parent-resolved-" + sanitizeNodeID(r.parent.BaseURL())
	r.registry.Upsert(NodeInfo{
		NodeID:   nodeID,
		Endpoint: card.URL,
		Status:   NodeOnline,
		AgentIDs: []string{agentID},
	})
	r.logger.Info("🔭 Resolved %s via parent registry (cached as %s)", agentID, nodeID)
	return &RemoteRoute{AgentID: agentID, NodeID: nodeID, Endpoint: card.URL}
}

func sanitizeNodeID(url string) string {
	replacer := strings.NewReplacer("://", "-", "/", "-", ":", "-", ".", "-")
	return strings.Trim(replacer.Replace(url), "-")
}

// ParentClient fetches the parent registry's agent card directory.
type ParentClient struct {
	baseURL string
	client  *http.Client
	logger  *logx.Logger
}

// NewParentClient creates a client for the parent registry at baseURL.
func NewParentClient(baseURL string) *ParentClient {
	return &ParentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: discoveryTimeout},
		logger:  logx.NewLogger("routing"),
	}
}

// BaseURL returns the configured parent registry URL.
func (p *ParentClient) BaseURL() string { return p.baseURL }

// LookupAgent fetches the parent's card directory and returns the card for
// agentID, or nil if the parent does not list it. Transient fetch failures
// are retried a bounded number of times with a fixed delay.
func (p *ParentClient) LookupAgent(ctx context.Context, agentID string) (*proto.AgentCard, error) {
	const maxAttempts = 3
	bo := backoff.NewConstantBackOff(500 * time.Millisecond)

	var dir *proto.CardDirectory
	for attempt := 1; ; attempt++ {
		var err error
		dir, err = p.fetchDirectory(ctx)
		if err == nil {
			break
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch parent card directory: %w", err)
		}
		interval := bo.NextBackOff()
		p.logger.Debug("Parent directory fetch failed (attempt %d): %v", attempt, err)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for i := range dir.Agents {
		if dir.Agents[i].ID == agentID {
			return &dir.Agents[i], nil
		}
	}
	return nil, nil
}

func (p *ParentClient) fetchDirectory(ctx context.Context) (*proto.CardDirectory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+proto.WellKnownCardPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parent registry returned %s", resp.Status)
	}

	var dir proto.CardDirectory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("decode card directory: %w", err)
	}
	return &dir, nil
}
