package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/itsneelabh/callrelay/core"
	"github.com/itsneelabh/callrelay/orchestration"
)

// CallableLookup resolves a call name or callable id to its definition.
// registry.Registry satisfies it.
type CallableLookup interface {
	Lookup(ctx context.Context, nameOrID string) (*core.CallableDefinition, error)
}

// Invoker adapts Client to orchestration.Invoker.
type Invoker struct {
	client      *Client
	lookup      CallableLookup
	defaultWait bool
	validate    bool

	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema

	logger core.Logger
}

// NewInvoker creates an invoker resolving callables through lookup.
func NewInvoker(client *Client, lookup CallableLookup, cfg *core.Config) *Invoker {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &Invoker{
		client:      client,
		lookup:      lookup,
		defaultWait: cfg.Remote.DefaultWait,
		validate:    cfg.Remote.ValidateSchemas,
		schemas:     make(map[string]*gojsonschema.Schema),
		logger:      &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (i *Invoker) SetLogger(logger core.Logger) {
	if logger == nil {
		i.logger = &core.NoOpLogger{}
	} else {
		i.logger = logger
	}
}

// Invoke resolves req.Name to a callable, validates and shapes the
// arguments, and executes it once.
func (i *Invoker) Invoke(ctx context.Context, req core.CallRequest) (*orchestration.Invocation, error) {
	const op = "execution.Invoke"

	def, err := i.lookup.Lookup(ctx, req.Name)
	if err != nil {
		if errors.Is(err, core.ErrCallableNotFound) {
			return nil, &core.CallError{Op: op, Kind: core.KindValidation, CallableID: req.Name, Err: err}
		}
		// store failures are classified like any other transport error
		return nil, &core.CallError{Op: op, CallableID: req.Name, Err: err}
	}

	body := ShapeRequest(req.Arguments)
	if i.validate {
		if err := i.validateArgs(def, body.Args); err != nil {
			return nil, &core.CallError{Op: op, Kind: core.KindValidation, CallableID: def.ID, Err: err}
		}
	}

	raw, err := i.client.Execute(ctx, def.ID, body, ResolveWait(req.Arguments, i.defaultWait))
	if err != nil {
		return nil, err
	}

	inv := &orchestration.Invocation{
		RunID:   raw.RunID,
		Content: raw.Normalized(),
	}
	switch raw.Outcome() {
	case OutcomeFailed:
		inv.Failed = true
		inv.Error = raw.Error
	case OutcomeAccepted:
		inv.Accepted = true
		i.logger.Info("Remote run accepted without result", map[string]interface{}{
			"operation":   "invoke_callable",
			"callable_id": def.ID,
			"run_id":      raw.RunID,
		})
	}
	return inv, nil
}

// CategoryFor reports the registry category of name: the explicit category
// when set, AGENT for agent callables.
func (i *Invoker) CategoryFor(ctx context.Context, name string) (core.Category, bool) {
	def, err := i.lookup.Lookup(ctx, name)
	if err != nil {
		return "", false
	}
	if def.Category != "" {
		return def.Category, true
	}
	if strings.EqualFold(def.Type, "agent") {
		return core.CategoryAgent, true
	}
	return "", false
}

// ShapeRequest builds the execution body from call arguments. wait is
// dropped, nil values are removed, a nested "args" object replaces the
// top-level arguments and a "settings" object is passed through.
func ShapeRequest(arguments map[string]interface{}) ExecuteRequest {
	cleaned := make(map[string]interface{}, len(arguments))
	for k, v := range arguments {
		if v == nil || k == "wait" {
			continue
		}
		cleaned[k] = v
	}

	var req ExecuteRequest
	if nested, ok := cleaned["args"].(map[string]interface{}); ok {
		req.Args = nested
	} else if len(cleaned) > 0 {
		req.Args = cleaned
	}
	if settings, ok := cleaned["settings"].(map[string]interface{}); ok {
		req.Settings = settings
	}
	return req
}

// ResolveWait returns the "wait" argument when it is a boolean (or a boolean
// string), def otherwise.
func ResolveWait(arguments map[string]interface{}, def bool) bool {
	switch v := arguments["wait"].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (i *Invoker) validateArgs(def *core.CallableDefinition, args map[string]interface{}) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	schema, err := i.schemaFor(def)
	if err != nil {
		i.logger.Warn("Skipping validation for invalid input schema", map[string]interface{}{
			"operation":   "validate_arguments",
			"callable_id": def.ID,
			"error":       err.Error(),
		})
		return nil
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnserializableArguments, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s", core.ErrSchemaValidation, strings.Join(problems, "; "))
}

// schemaFor compiles the input schema once per callable revision.
func (i *Invoker) schemaFor(def *core.CallableDefinition) (*gojsonschema.Schema, error) {
	key := def.ID + "@" + def.UpdatedAt.String()

	i.mu.RLock()
	schema, ok := i.schemas[key]
	i.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.schemas[key] = schema
	i.mu.Unlock()
	return schema, nil
}
