package orchestration

import (
	"context"
	"strings"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

// CategoryResolver supplies an explicit category for a callable, typically
// from the registry. ok is false when nothing better than the name heuristic
// is known.
type CategoryResolver interface {
	CategoryFor(ctx context.Context, name string) (core.Category, bool)
}

var categoryPrefixes = []struct {
	category core.Category
	prefixes []string
}{
	{core.CategoryRead, []string{"read", "list", "fetch", "get", "find"}},
	{core.CategorySearch, []string{"search", "query", "lookup"}},
	{core.CategoryWrite, []string{"create", "update", "delete", "insert", "modify", "remove", "set", "put", "patch"}},
	{core.CategoryDatabase, []string{"execute", "sql", "transaction"}},
}

// Categorize infers a category from a call name alone. MCP-style names
// ("mcp_<server>_<tool>") are integration calls. Names matching no prefix are
// UNKNOWN, which carries the longest budget.
func Categorize(name string) core.Category {
	lower := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(lower, "mcp_") {
		return core.CategoryIntegration
	}
	for _, group := range categoryPrefixes {
		for _, p := range group.prefixes {
			if strings.HasPrefix(lower, p) {
				return group.category
			}
		}
	}
	return core.CategoryUnknown
}

// TimeoutPolicy maps categories to per-attempt timeouts.
type TimeoutPolicy struct {
	timeouts core.TimeoutConfig
}

// NewTimeoutPolicy creates a policy from the timeouts section of Config.
func NewTimeoutPolicy(cfg core.TimeoutConfig) *TimeoutPolicy {
	return &TimeoutPolicy{timeouts: cfg}
}

// Timeout returns the budget for one dispatch attempt of a call in category.
func (p *TimeoutPolicy) Timeout(category core.Category) time.Duration {
	var d time.Duration
	switch category {
	case core.CategoryRead:
		d = p.timeouts.Read
	case core.CategorySearch:
		d = p.timeouts.Search
	case core.CategoryWrite:
		d = p.timeouts.Write
	case core.CategoryDatabase:
		d = p.timeouts.Database
	case core.CategoryAgent:
		d = p.timeouts.Agent
	case core.CategoryIntegration:
		d = p.timeouts.Integration
	}
	if d <= 0 {
		d = p.timeouts.Unknown
	}
	if d <= 0 {
		d = 120 * time.Second
	}
	return d
}

// Resolve picks the category of req: an explicit request category first,
// then the resolver, then the name heuristic.
func (p *TimeoutPolicy) Resolve(ctx context.Context, req core.CallRequest, resolver CategoryResolver) core.Category {
	if req.Category != "" {
		if c, ok := core.ParseCategory(string(req.Category)); ok {
			return c
		}
	}
	if resolver != nil {
		if c, ok := resolver.CategoryFor(ctx, req.Name); ok {
			return c
		}
	}
	return Categorize(req.Name)
}
