package proto

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 envelope used by the A2A transport and the migration RPCs.

const JSONRPCVersion = "2.0"

// A2A method names carried over the wire.
const (
	MethodMessageSend = "message/send"
	MethodTasksGet    = "tasks/get"
	MethodTasksCancel = "tasks/cancel"

	MethodMigrationRequest   = "migration/request"
	MethodMigrationTransfer  = "migration/transferAndVerify"
	MethodMigrationRehydrate = "migration/rehydrate"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes plus the A2A application range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Application codes (A2A / migration).
	CodeAgentNotFound = -32001
	CodeAgentFrozen   = -32002
	CodeUnauthorized  = -32003
)

// NewRequest builds a request envelope with marshaled params.
func NewRequest(method string, params any, id any) (*RPCRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &RPCRequest{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
		ID:      id,
	}, nil
}

// NewResultResponse builds a success response envelope.
func NewResultResponse(id, result any) (*RPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &RPCResponse{JSONRPC: JSONRPCVersion, Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id any, code int, message string) *RPCResponse {
	return &RPCResponse{
		JSONRPC: JSONRPCVersion,
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
}
