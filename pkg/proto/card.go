package proto

// AgentRole classifies an agent for routing and policy decisions.
// Role lives in a side table next to the card; it is never embedded in
// the card served to other nodes.
type AgentRole string

const (
	RoleSysadmin     AgentRole = "sysadmin"
	RoleWorker       AgentRole = "worker"
	RoleSystem       AgentRole = "system"
	RoleOrchestrator AgentRole = "orchestrator"
)

// Skill is one advertised capability entry on an agent card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is the public A2A descriptor of one agent.
type AgentCard struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	Version      string          `json:"version,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Skills       []Skill         `json:"skills,omitempty"`
	Extensions   map[string]any  `json:"extensions,omitempty"`
}

// CardDirectory is the body of /.well-known/agent-card.json.
type CardDirectory struct {
	Agents []AgentCard `json:"agents"`
}

// CardMeta is the private side-table metadata kept alongside a card.
type CardMeta struct {
	Role   AgentRole `json:"role"`
	NodeID string    `json:"nodeID"`
	HomeID string    `json:"homeID"`
}

// WellKnownCardPath is where every node serves its card directory.
const WellKnownCardPath = "/.well-known/agent-card.json"
