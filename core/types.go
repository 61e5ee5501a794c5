package core

import (
	"encoding/json"
	"strings"
	"time"
)

// Category is the inferred class of a call. It drives the timeout budget and
// whether the call is serialized against other state-changing calls.
type Category string

const (
	CategoryRead        Category = "READ"
	CategorySearch      Category = "SEARCH"
	CategoryWrite       Category = "WRITE"
	CategoryDatabase    Category = "DATABASE"
	CategoryAgent       Category = "AGENT"
	CategoryIntegration Category = "INTEGRATION"
	CategoryUnknown     Category = "UNKNOWN"
)

// ParseCategory converts a loosely formatted category name ("read", "Write")
// into a Category. Unrecognized input yields an empty Category and false.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToUpper(strings.TrimSpace(s))) {
	case CategoryRead:
		return CategoryRead, true
	case CategorySearch:
		return CategorySearch, true
	case CategoryWrite:
		return CategoryWrite, true
	case CategoryDatabase:
		return CategoryDatabase, true
	case CategoryAgent:
		return CategoryAgent, true
	case CategoryIntegration:
		return CategoryIntegration, true
	case CategoryUnknown:
		return CategoryUnknown, true
	}
	return "", false
}

// CallRequest is a single tool call requested by the LLM layer.
// It is treated as immutable once handed to the scheduler.
type CallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Category  Category               `json:"category,omitempty"`
}

// CallResult is the outcome of one CallRequest. CallID always refers back to
// the originating request, whatever happened to the call.
type CallResult struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Content    json.RawMessage `json:"content,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
	Deduplicated bool      `json:"deduplicated,omitempty"`
	FallbackFrom string    `json:"fallback_from,omitempty"`
}

// RetryState tracks one request's progress through the retry controller.
// It is discarded once the request succeeds or exhausts its budget.
type RetryState struct {
	Fingerprint   string
	ErrorKind     ErrorKind
	Attempt       int
	NextAllowedAt time.Time
}

// CallableDefinition mirrors one entry of the remote callable catalog.
type CallableDefinition struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Type         string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Slug         string                 `json:"slug,omitempty" yaml:"slug,omitempty"`
	Icon         string                 `json:"icon,omitempty" yaml:"icon,omitempty"`
	GroupName    string                 `json:"group_name,omitempty" yaml:"group_name,omitempty"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	AuthMode     string                 `json:"auth_mode,omitempty" yaml:"auth_mode,omitempty"`
	IsOwner      bool                   `json:"is_owner,omitempty" yaml:"is_owner,omitempty"`
	Category     Category               `json:"category,omitempty" yaml:"category,omitempty"`
	LastSyncedAt time.Time              `json:"last_synced_at" yaml:"last_synced_at"`
	UpdatedAt    time.Time              `json:"updated_at" yaml:"updated_at"`
}

// AgentCallableLink grants an agent access to a callable.
type AgentCallableLink struct {
	AgentID    string    `json:"agent_id"`
	CallableID string    `json:"callable_id"`
	CreatedAt  time.Time `json:"created_at"`
}
