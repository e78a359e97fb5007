package proto

// Wire payloads for the migration JSON-RPC methods. The archive travels
// base64-encoded inside the JSON body; the digest is hex-encoded.

// MigrationRequestParams asks a target node to accept an inbound migration.
type MigrationRequestParams struct {
	MigrationID    string `json:"migrationID"`
	AgentID        string `json:"agentID"`
	Reason         string `json:"reason"`
	SourceEndpoint string `json:"sourceEndpoint"`
}

// MigrationRequestResult is the target's accept/reject decision.
type MigrationRequestResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// MigrationTransferParams carries the snapshot archive to the target.
type MigrationTransferParams struct {
	MigrationID string `json:"migrationID"`
	// Archive is base64-encoded by encoding/json ([]byte marshals to base64).
	Archive []byte `json:"archive"`
	Digest  string `json:"digest"`
	Size    int64  `json:"size"`
}

// MigrationTransferResult reports the target's verification outcome.
type MigrationTransferResult struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// MigrationRehydrateParams asks the target to unpack the verified archive
// into the new home.
type MigrationRehydrateParams struct {
	MigrationID string `json:"migrationID"`
	AgentID     string `json:"agentID"`
}

// MigrationRehydrateResult reports rehydration success plus any non-fatal
// warnings produced by the rehydrate hook.
type MigrationRehydrateResult struct {
	OK       bool     `json:"ok"`
	Endpoint string   `json:"endpoint,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
