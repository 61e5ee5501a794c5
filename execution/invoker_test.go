package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/callrelay/core"
	"github.com/itsneelabh/callrelay/orchestration"
	"github.com/itsneelabh/callrelay/resilience"
)

type mapLookup map[string]*core.CallableDefinition

func (m mapLookup) Lookup(ctx context.Context, nameOrID string) (*core.CallableDefinition, error) {
	if def, ok := m[nameOrID]; ok {
		return def, nil
	}
	for _, def := range m {
		if def.ID == nameOrID {
			return def, nil
		}
	}
	return nil, core.ErrCallableNotFound
}

var testCatalog = mapLookup{
	"search_notes": {
		ID:   "cal_search",
		Name: "search_notes",
		Type: "function",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"query"},
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
		},
	},
	"research": {ID: "cal_agent", Name: "research", Type: "agent"},
	"archive":  {ID: "cal_archive", Name: "archive", Category: core.CategoryWrite},
}

func newTestInvoker(t *testing.T, handler http.HandlerFunc) *Invoker {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := core.DefaultConfig()
	cfg.Remote.BaseURL = server.URL
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return NewInvoker(client, testCatalog, cfg)
}

func TestInvoker_Success(t *testing.T) {
	paths := make(chan string, 1)
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path + "?" + r.URL.RawQuery
		writeJSON(w, http.StatusOK, `{"run_id":"r1","result":{"status":"completed","output":["n1"]}}`)
	})

	res, err := inv.Invoke(context.Background(), core.CallRequest{
		Name:      "search_notes",
		Arguments: map[string]interface{}{"query": "go"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/execution/cal_search?wait=true", <-paths)
	assert.False(t, res.Failed)
	assert.Equal(t, "r1", res.RunID)
	assert.JSONEq(t, `{"run_id":"r1","status":"completed","output":["n1"]}`, string(res.Content))
}

func TestInvoker_ExecutionErrorIsNotTransportError(t *testing.T) {
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"run_id":"r1","result":null,"error":"tool crashed"}`)
	})

	res, err := inv.Invoke(context.Background(), core.CallRequest{Name: "research"})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "tool crashed", res.Error)
}

func TestInvoker_AsyncAcceptance(t *testing.T) {
	queries := make(chan string, 1)
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query().Get("wait")
		writeJSON(w, http.StatusOK, `{"run_id":"r9"}`)
	})

	res, err := inv.Invoke(context.Background(), core.CallRequest{
		Name:      "research",
		Arguments: map[string]interface{}{"wait": false, "topic": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "false", <-queries)
	assert.True(t, res.Accepted)
	assert.Equal(t, "r9", res.RunID)
}

func TestInvoker_UnknownCallable(t *testing.T) {
	var hits atomic.Int32
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := inv.Invoke(context.Background(), core.CallRequest{Name: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCallableNotFound))
	assert.Equal(t, int32(0), hits.Load())
}

type failingLookup struct{ err error }

func (f failingLookup) Lookup(ctx context.Context, nameOrID string) (*core.CallableDefinition, error) {
	return nil, f.err
}

func TestInvoker_LookupStoreFailureIsNotValidation(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Remote.BaseURL = "http://127.0.0.1:1"
	client, err := NewClient(cfg)
	require.NoError(t, err)

	down := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	inv := NewInvoker(client, failingLookup{err: down}, cfg)

	_, err = inv.Invoke(context.Background(), core.CallRequest{Name: "search_notes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, down)
	assert.NotEqual(t, core.KindValidation, resilience.Classify(0, err))

	inv = NewInvoker(client, failingLookup{err: fmt.Errorf("%w: nope", core.ErrCallableNotFound)}, cfg)
	_, err = inv.Invoke(context.Background(), core.CallRequest{Name: "nope"})
	assert.Equal(t, core.KindValidation, resilience.Classify(0, err))
}

func TestInvoker_SchemaValidation(t *testing.T) {
	var hits atomic.Int32
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{"run_id":"r1","result":"ok"}`)
	})

	_, err := inv.Invoke(context.Background(), core.CallRequest{
		Name:      "search_notes",
		Arguments: map[string]interface{}{"query": 42},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSchemaValidation))

	_, err = inv.Invoke(context.Background(), core.CallRequest{Name: "search_notes"})
	assert.True(t, errors.Is(err, core.ErrSchemaValidation), "missing required field")
	assert.Equal(t, int32(0), hits.Load(), "invalid arguments must not reach the remote")
}

func TestInvoker_CategoryFor(t *testing.T) {
	inv := NewInvoker(nil, testCatalog, nil)
	ctx := context.Background()

	cat, ok := inv.CategoryFor(ctx, "archive")
	assert.True(t, ok)
	assert.Equal(t, core.CategoryWrite, cat)

	cat, ok = inv.CategoryFor(ctx, "research")
	assert.True(t, ok)
	assert.Equal(t, core.CategoryAgent, cat)

	_, ok = inv.CategoryFor(ctx, "search_notes")
	assert.False(t, ok, "no explicit category, heuristic should decide")

	_, ok = inv.CategoryFor(ctx, "missing")
	assert.False(t, ok)
}

func TestShapeRequest(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		wantArgs map[string]interface{}
		wantSet  map[string]interface{}
	}{
		{
			name:     "flat arguments",
			args:     map[string]interface{}{"q": "go", "wait": true, "empty": nil},
			wantArgs: map[string]interface{}{"q": "go"},
		},
		{
			name: "nested args win",
			args: map[string]interface{}{
				"q":        "ignored",
				"args":     map[string]interface{}{"q": "go"},
				"settings": map[string]interface{}{"model": "m"},
			},
			wantArgs: map[string]interface{}{"q": "go"},
			wantSet:  map[string]interface{}{"model": "m"},
		},
		{
			name: "only wait",
			args: map[string]interface{}{"wait": false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShapeRequest(tt.args)
			assert.Equal(t, tt.wantArgs, got.Args)
			assert.Equal(t, tt.wantSet, got.Settings)

			data, err := json.Marshal(got)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "wait")
		})
	}
}

func TestResolveWait(t *testing.T) {
	assert.True(t, ResolveWait(nil, true))
	assert.False(t, ResolveWait(map[string]interface{}{"wait": false}, true))
	assert.True(t, ResolveWait(map[string]interface{}{"wait": "true"}, false))
	assert.False(t, ResolveWait(map[string]interface{}{"wait": "maybe"}, false))
}

// The invoker plugs into the scheduler end to end.
func TestInvoker_WithScheduler(t *testing.T) {
	var hits atomic.Int32
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, `{"run_id":"r1","result":"ok"}`)
	})

	cfg := core.DefaultConfig()
	cfg.Retry.InitialDelay = 0
	cfg.Cache.SweepInterval = 0
	sched := orchestration.NewScheduler(inv, cfg, orchestration.WithCategoryResolver(inv))
	defer sched.Close()

	results := sched.ExecuteBatch(context.Background(), []core.CallRequest{
		{ID: "1", Name: "search_notes", Arguments: map[string]interface{}{"query": "go"}},
		{ID: "2", Name: "search_notes", Arguments: map[string]interface{}{"query": 1}},
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, core.KindValidation, results[1].ErrorKind)
	assert.Equal(t, 1, results[1].Attempts)
}
