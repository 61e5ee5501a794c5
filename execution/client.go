// Package execution talks to the remote callable provider: it runs
// callables over HTTP and lists the remote catalog.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itsneelabh/callrelay/core"
	"github.com/itsneelabh/callrelay/resilience"
	"github.com/itsneelabh/callrelay/telemetry"
)

// maxErrorBody bounds how much of a failed response is kept in messages.
const maxErrorBody = 2048

// Outcome is the shape of a remote execution response.
type Outcome string

const (
	// OutcomeSucceeded means the callable ran and produced a result.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the callable ran and reported an error.
	OutcomeFailed Outcome = "failed"
	// OutcomeAccepted means the run was queued; only a run id is known.
	OutcomeAccepted Outcome = "accepted"
)

// RawResponse is the decoded body of POST /execution/{id}.
type RawResponse struct {
	RunID  string          `json:"run_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Outcome classifies the response. An error with no result is a failed
// execution; a run id alone is an accepted async run.
func (r *RawResponse) Outcome() Outcome {
	hasResult := len(r.Result) > 0 && string(r.Result) != "null"
	switch {
	case hasResult:
		return OutcomeSucceeded
	case r.Error != "":
		return OutcomeFailed
	default:
		return OutcomeAccepted
	}
}

// Normalized returns the content handed back to the caller.
//
//	succeeded, result is {status, output}: {run_id, status, output}
//	succeeded, other result:               {run_id, result}
//	failed:                                {run_id, error}
//	accepted:                              {run_id, status: "accepted"}
func (r *RawResponse) Normalized() json.RawMessage {
	out := map[string]interface{}{"run_id": r.RunID}
	switch r.Outcome() {
	case OutcomeSucceeded:
		var envelope struct {
			Status *string          `json:"status"`
			Output *json.RawMessage `json:"output"`
		}
		if err := json.Unmarshal(r.Result, &envelope); err == nil && envelope.Status != nil && envelope.Output != nil {
			out["status"] = *envelope.Status
			out["output"] = *envelope.Output
		} else {
			out["result"] = r.Result
		}
	case OutcomeFailed:
		out["error"] = r.Error
	case OutcomeAccepted:
		out["status"] = string(OutcomeAccepted)
	}
	data, _ := json.Marshal(out)
	return data
}

// ExecuteRequest is the body of POST /execution/{id}. wait is a query
// parameter and never part of the body.
type ExecuteRequest struct {
	Args     map[string]interface{} `json:"args,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// Client calls the remote execution API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breakers   *resilience.BreakerGroup
	logger     core.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithBreakers guards each callable with a circuit breaker from g.
func WithBreakers(g *resilience.BreakerGroup) ClientOption {
	return func(cl *Client) { cl.breakers = g }
}

// NewClient creates a client for cfg.Remote. The circuit breakers come from
// cfg.CircuitBreaker unless overridden.
func NewClient(cfg *core.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil || cfg.Remote.BaseURL == "" {
		return nil, &core.CallError{
			Op:      "execution.NewClient",
			Kind:    core.KindValidation,
			Message: "remote base URL is required",
			Err:     core.ErrMissingConfiguration,
		}
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.Remote.BaseURL, "/"),
		apiKey:     cfg.Remote.APIKey,
		httpClient: telemetry.NewTracedHTTPClient(nil, cfg.Remote.HTTPTimeout),
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = resilience.NewBreakerGroup(cfg.CircuitBreaker, c.logger)
	}
	return c, nil
}

// SetLogger sets the logger provider
func (c *Client) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// Execute runs callableID once. A returned error is a transport failure
// (*core.CallError carrying the HTTP status when there was one); a callable
// that ran and failed comes back as a response with OutcomeFailed.
func (c *Client) Execute(ctx context.Context, callableID string, req ExecuteRequest, wait bool) (*RawResponse, error) {
	const op = "execution.Execute"

	breaker := c.breakers.Get(callableID)
	if breaker != nil && !breaker.CanExecute() {
		return nil, &core.CallError{
			Op:         op,
			Kind:       core.KindServer,
			CallableID: callableID,
			Err:        core.ErrCircuitOpen,
		}
	}

	resp, err := c.execute(ctx, callableID, req, wait)
	if breaker != nil {
		if err == nil {
			breaker.RecordSuccess()
		} else if ctx.Err() == nil && resilience.CountsAsFailure(resilience.Classify(0, err)) {
			breaker.RecordFailure()
		}
	}
	return resp, err
}

func (c *Client) execute(ctx context.Context, callableID string, req ExecuteRequest, wait bool) (*RawResponse, error) {
	const op = "execution.Execute"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &core.CallError{Op: op, Kind: core.KindValidation, CallableID: callableID,
			Err: fmt.Errorf("%v: %w", err, core.ErrUnserializableArguments)}
	}

	endpoint := fmt.Sprintf("%s/execution/%s?wait=%s", c.baseURL, url.PathEscape(callableID), strconv.FormatBool(wait))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.CallError{Op: op, CallableID: callableID, Err: err}
	}
	c.setHeaders(httpReq)

	c.logger.Debug("Executing remote callable", map[string]interface{}{
		"operation":   "execute_callable",
		"callable_id": callableID,
		"wait":        wait,
	})

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.CallError{Op: op, CallableID: callableID, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &core.CallError{Op: op, CallableID: callableID, StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		ce := statusError(op, httpResp, data)
		ce.CallableID = callableID
		c.logger.Warn("Remote execution returned an error status", map[string]interface{}{
			"operation":   "execute_callable",
			"callable_id": callableID,
			"status":      httpResp.StatusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, ce
	}

	if err := requireJSON(httpResp); err != nil {
		return nil, &core.CallError{Op: op, CallableID: callableID, StatusCode: httpResp.StatusCode, Message: err.Error()}
	}

	var raw RawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &core.CallError{Op: op, CallableID: callableID, StatusCode: httpResp.StatusCode,
			Message: fmt.Sprintf("invalid JSON response: %v", err)}
	}

	c.logger.Debug("Remote callable finished", map[string]interface{}{
		"operation":   "execute_callable",
		"callable_id": callableID,
		"run_id":      raw.RunID,
		"outcome":     string(raw.Outcome()),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &raw, nil
}

type catalogItem struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Description  string                 `json:"description"`
	Slug         string                 `json:"slug"`
	Icon         string                 `json:"icon"`
	GroupName    string                 `json:"group_name"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	IsOwner      bool                   `json:"is_owner"`
	Auth         string                 `json:"auth"`
	Category     string                 `json:"category"`
}

// FetchCatalog lists every callable the API key can run (GET /execution).
func (c *Client) FetchCatalog(ctx context.Context) ([]core.CallableDefinition, error) {
	const op = "execution.FetchCatalog"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/execution", nil)
	if err != nil {
		return nil, &core.CallError{Op: op, Err: err}
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.CallError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &core.CallError{Op: op, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, statusError(op, httpResp, data)
	}

	var payload struct {
		Data []catalogItem `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &core.CallError{Op: op, StatusCode: httpResp.StatusCode, Message: fmt.Sprintf("invalid catalog response: %v", err)}
	}

	defs := make([]core.CallableDefinition, 0, len(payload.Data))
	for _, item := range payload.Data {
		if item.ID == "" {
			continue
		}
		def := core.CallableDefinition{
			ID:           item.ID,
			Name:         item.Name,
			Type:         item.Type,
			Description:  item.Description,
			Slug:         item.Slug,
			Icon:         item.Icon,
			GroupName:    item.GroupName,
			InputSchema:  item.InputSchema,
			OutputSchema: item.OutputSchema,
			AuthMode:     item.Auth,
			IsOwner:      item.IsOwner,
		}
		if cat, ok := core.ParseCategory(item.Category); ok {
			def.Category = cat
		}
		defs = append(defs, def)
	}

	c.logger.Info("Fetched remote catalog", map[string]interface{}{
		"operation": "fetch_catalog",
		"count":     len(defs),
	})
	return defs, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// statusError builds the transport error for a non-2xx response.
func statusError(op string, resp *http.Response, body []byte) *core.CallError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	var msg string
	switch resp.StatusCode {
	case http.StatusBadRequest:
		msg = "invalid request (400): " + detail
	case http.StatusUnauthorized:
		msg = "invalid authentication (401): " + detail
	case http.StatusForbidden:
		msg = "access forbidden (403): " + detail
	case http.StatusNotFound:
		msg = "callable not found (404): " + detail
	case http.StatusInternalServerError:
		msg = "server error (500): " + detail
	default:
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail)
	}

	return &core.CallError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func requireJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasSuffix(mediaType, "json") {
		return fmt.Errorf("non-JSON response: %q", ct)
	}
	return nil
}

// parseRetryAfter reads delay-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
