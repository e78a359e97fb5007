package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"flock/pkg/a2a"
	"flock/pkg/proto"
)

// Transport carries the migration RPC methods to the target node.
type Transport interface {
	Request(ctx context.Context, params proto.MigrationRequestParams) (proto.MigrationRequestResult, error)
	Transfer(ctx context.Context, params proto.MigrationTransferParams) (proto.MigrationTransferResult, error)
	Rehydrate(ctx context.Context, params proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error)
}

// InProcessTransport calls the target handler directly. Used when source
// and target engines live in one process (tests, single-binary clusters).
type InProcessTransport struct {
	Target a2a.MigrationHandler
}

func (t InProcessTransport) Request(ctx context.Context, params proto.MigrationRequestParams) (proto.MigrationRequestResult, error) {
	return t.Target.HandleRequest(ctx, params)
}

func (t InProcessTransport) Transfer(ctx context.Context, params proto.MigrationTransferParams) (proto.MigrationTransferResult, error) {
	return t.Target.HandleTransfer(ctx, params)
}

func (t InProcessTransport) Rehydrate(ctx context.Context, params proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error) {
	return t.Target.HandleRehydrate(ctx, params)
}

// HTTPTransport speaks the migration methods over JSON-RPC to the target
// node's A2A endpoint.
type HTTPTransport struct {
	endpoint string
	agentID  string
	client   *http.Client
}

// NewHTTPTransport builds a transport against the target endpoint for the
// migrating agent. Transfers can be large, so the client timeout is generous;
// per-phase deadlines come from the caller's context.
func NewHTTPTransport(endpoint, agentID string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		agentID:  agentID,
		client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

func (t *HTTPTransport) Request(ctx context.Context, params proto.MigrationRequestParams) (proto.MigrationRequestResult, error) {
	var result proto.MigrationRequestResult
	err := t.call(ctx, proto.MethodMigrationRequest, params, &result)
	return result, err
}

func (t *HTTPTransport) Transfer(ctx context.Context, params proto.MigrationTransferParams) (proto.MigrationTransferResult, error) {
	var result proto.MigrationTransferResult
	err := t.call(ctx, proto.MethodMigrationTransfer, params, &result)
	return result, err
}

func (t *HTTPTransport) Rehydrate(ctx context.Context, params proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error) {
	var result proto.MigrationRehydrateResult
	err := t.call(ctx, proto.MethodMigrationRehydrate, params, &result)
	return result, err
}

func (t *HTTPTransport) call(ctx context.Context, method string, params, result any) error {
	req, err := proto.NewRequest(method, params, uuid.New().String())
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	url := strings.TrimRight(t.endpoint, "/") + "/a2a/" + t.agentID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s to %s: %w", method, t.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp proto.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s rejected by %s: %s", method, t.endpoint, rpcResp.Error.Message)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
