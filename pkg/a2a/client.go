package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"flock/pkg/logx"
	"flock/pkg/proto"
	"flock/pkg/routing"
	"flock/pkg/store"
)

// defaultMaxRetries bounds timeout retries per send.
const defaultMaxRetries = 2

// Client routes messages to agents wherever they live. Local routes go
// straight to the in-process executor with no serialization; remote routes
// become HTTP JSON-RPC calls.
type Client struct {
	resolver   routing.Resolver
	registry   *LocalRegistry
	audit      store.AuditStore
	httpClient *http.Client
	logger     *logx.Logger
	maxRetries int
}

// NewClient builds a client over the resolver and local registry. audit
// may be nil.
func NewClient(resolver routing.Resolver, registry *LocalRegistry, audit store.AuditStore) *Client {
	return &Client{
		resolver:   resolver,
		registry:   registry,
		audit:      audit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logx.NewLogger("a2a-client"),
		maxRetries: defaultMaxRetries,
	}
}

// Send delivers msg to agentID and returns the resulting task. Timeouts
// are retried up to the configured ceiling and then reported as
// max-retries with a discovery hint; unavailable and internal failures
// surface immediately.
func (c *Client) Send(ctx context.Context, agentID string, msg proto.Message) (*proto.Task, error) {
	route := c.resolver.Resolve(agentID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		task, err := c.sendOnce(ctx, agentID, route, msg)
		if err == nil {
			return task, nil
		}
		lastErr = err

		kind := Classify(err)
		if kind != FailureTimeout {
			c.recordFailure(ctx, agentID, kind, err, store.AuditRed)
			return nil, err
		}
		c.logger.Warn("Send to %s timed out (attempt %d/%d)", agentID, attempt+1, c.maxRetries+1)
	}

	// Timeout budget exhausted.
	err := fmt.Errorf("send to %s exhausted %d retries: %w (try flock_discover to refresh the agent's location)",
		agentID, c.maxRetries, lastErr)
	c.recordFailure(ctx, agentID, FailureMaxRetries, err, store.AuditYellow)
	return nil, err
}

func (c *Client) sendOnce(ctx context.Context, agentID string, route routing.Route, msg proto.Message) (*proto.Task, error) {
	if route.IsLocal() {
		executor := c.registry.Executor(agentID)
		if executor == nil {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		task, err := executor.ExecuteMessage(ctx, msg)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("local execute for %s: %w", agentID, ErrTimeout)
			}
			return nil, fmt.Errorf("local execute for %s: %w: %v", agentID, ErrInternal, err)
		}
		return task, nil
	}

	remote := route.(routing.RemoteRoute)
	return c.sendRemote(ctx, agentID, remote.Endpoint, msg)
}

func (c *Client) sendRemote(ctx context.Context, agentID, endpoint string, msg proto.Message) (*proto.Task, error) {
	req, err := proto.NewRequest(proto.MethodMessageSend, proto.MessageSendParams{Message: &msg}, uuid.New().String())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + "/a2a/" + agentID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(agentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp proto.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w: %v", agentID, ErrInternal, err)
	}
	if rpcResp.Error != nil {
		return nil, classifyRPCError(agentID, rpcResp.Error)
	}

	var task proto.Task
	if err := json.Unmarshal(rpcResp.Result, &task); err != nil {
		return nil, fmt.Errorf("decode task from %s: %w: %v", agentID, ErrInternal, err)
	}
	return &task, nil
}

func classifyTransportError(agentID string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("send to %s: %w", agentID, ErrTimeout)
	}
	return fmt.Errorf("send to %s: %w: %v", agentID, ErrNetwork, err)
}

func classifyRPCError(agentID string, rpcErr *proto.RPCError) error {
	switch rpcErr.Code {
	case proto.CodeAgentNotFound:
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	case proto.CodeAgentFrozen:
		return fmt.Errorf("agent %s: %w: %s", agentID, ErrAgentFrozen, rpcErr.Message)
	default:
		return fmt.Errorf("agent %s: %w: %s", agentID, ErrInternal, rpcErr.Message)
	}
}

func (c *Client) recordFailure(ctx context.Context, agentID string, kind FailureKind, cause error, level store.AuditLevel) {
	if c.audit == nil {
		return
	}
	now := time.Now().UTC()
	entry := &store.AuditEntry{
		ID:        fmt.Sprintf("send-failed-%s-%d", agentID, now.UnixNano()),
		Timestamp: now,
		AgentID:   agentID,
		Action:    "send-failed",
		Level:     level,
		Detail:    fmt.Sprintf("%s: %v", kind, cause),
	}
	if err := c.audit.Insert(ctx, entry); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		c.logger.Warn("Failed to record send failure for %s: %v", agentID, err)
	}
	if level == store.AuditRed {
		c.logger.Warn("🔴 Send to %s failed (%s): %v", agentID, kind, cause)
	}
}
