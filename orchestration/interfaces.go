package orchestration

import (
	"context"
	"encoding/json"

	"github.com/itsneelabh/callrelay/core"
)

// Invocation is the completed outcome of one remote dispatch.
//
// A nil error with Failed set means the callable ran and reported failure:
// the call is complete and must not be retried. Accepted means the remote
// side queued the work and returned only a run id.
type Invocation struct {
	Content  json.RawMessage
	RunID    string
	Failed   bool
	Error    string
	Accepted bool
}

// Invoker performs a single remote dispatch of a call.
// A non-nil error is a transport or local validation failure; the scheduler
// classifies it and decides whether to dispatch again.
type Invoker interface {
	Invoke(ctx context.Context, req core.CallRequest) (*Invocation, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req core.CallRequest) (*Invocation, error)

func (f InvokerFunc) Invoke(ctx context.Context, req core.CallRequest) (*Invocation, error) {
	return f(ctx, req)
}
