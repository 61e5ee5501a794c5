package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/itsneelabh/callrelay/core"
	"github.com/itsneelabh/callrelay/resilience"
)

// Scheduler executes batches of tool calls against an Invoker.
//
// Within a batch at most MaxConcurrency calls run at once. Calls in a serial
// category (WRITE and DATABASE by default) run one at a time in request
// order. Identical calls, by fingerprint, share one remote execution whether
// they arrive in the same batch or in concurrent batches, and completed
// results are reused from the ResultCache until their TTL expires.
type Scheduler struct {
	invoker    Invoker
	categories CategoryResolver
	normalizer *Normalizer
	timeouts   *TimeoutPolicy
	backoff    *resilience.Backoff
	cache      *ResultCache
	ownsCache  bool
	flights    inflightTable

	config   core.SchedulerConfig
	cacheCfg core.CacheConfig
	serial   map[core.Category]bool

	progress  ProgressSink
	logger    core.Logger
	telemetry core.Telemetry
	counters  engineCounters
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithResultCache shares an existing cache instead of creating one.
// The scheduler does not stop a cache it did not create.
func WithResultCache(cache *ResultCache) SchedulerOption {
	return func(s *Scheduler) {
		if cache != nil {
			s.cache = cache
			s.ownsCache = false
		}
	}
}

// WithBackoff replaces the retry controller built from Config.Retry.
func WithBackoff(b *resilience.Backoff) SchedulerOption {
	return func(s *Scheduler) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithProgressSink sets where progress events are published.
func WithProgressSink(sink ProgressSink) SchedulerOption {
	return func(s *Scheduler) {
		if sink != nil {
			s.progress = sink
		}
	}
}

// WithCategoryResolver sets the source of explicit callable categories.
func WithCategoryResolver(r CategoryResolver) SchedulerOption {
	return func(s *Scheduler) {
		s.categories = r
	}
}

// WithNormalizer replaces the default volatile-key normalizer.
func WithNormalizer(n *Normalizer) SchedulerOption {
	return func(s *Scheduler) {
		if n != nil {
			s.normalizer = n
		}
	}
}

// WithTelemetry sets the span and metric provider.
func WithTelemetry(t core.Telemetry) SchedulerOption {
	return func(s *Scheduler) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// NewScheduler creates a scheduler for invoker. A nil cfg uses
// core.DefaultConfig().
func NewScheduler(invoker Invoker, cfg *core.Config, opts ...SchedulerOption) *Scheduler {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}

	sched := cfg.Scheduler
	if sched.MaxConcurrency < 1 {
		sched.MaxConcurrency = core.DefaultMaxConcurrency
	}
	if sched.GracePeriod <= 0 {
		sched.GracePeriod = core.DefaultGracePeriod
	}

	s := &Scheduler{
		invoker:    invoker,
		normalizer: defaultNormalizer,
		timeouts:   NewTimeoutPolicy(cfg.Timeouts),
		backoff:    resilience.NewBackoff(cfg.Retry),
		config:     sched,
		cacheCfg:   cfg.Cache,
		serial:     make(map[core.Category]bool, len(sched.SerialCategories)),
		progress:   NoOpSink{},
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
	}
	for _, c := range sched.SerialCategories {
		s.serial[c] = true
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cache == nil && cfg.Cache.Enabled {
		s.cache = NewResultCache(cfg.Cache)
		s.ownsCache = true
	}
	return s
}

// SetLogger sets the logger provider
func (s *Scheduler) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
	if s.cache != nil && s.ownsCache {
		s.cache.SetLogger(s.logger)
	}
}

// Cache returns the result cache, or nil when caching is disabled.
func (s *Scheduler) Cache() *ResultCache {
	return s.cache
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() EngineStats {
	return s.counters.snapshot()
}

// Close stops the background sweep of a cache the scheduler created.
func (s *Scheduler) Close() {
	if s.cache != nil && s.ownsCache {
		s.cache.Stop()
	}
}

// ExecuteBatch runs reqs and returns exactly one result per request, in
// request order. Cancelling ctx cancels in-flight calls; calls that have not
// started yet resolve immediately as cancelled.
func (s *Scheduler) ExecuteBatch(ctx context.Context, reqs []core.CallRequest) []core.CallResult {
	results := make([]core.CallResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	start := time.Now()
	b := newBatch(uuid.NewString(), s.config.MaxConcurrency)

	ctx, span := s.telemetry.StartSpan(ctx, "callrelay.batch")
	defer span.End()
	span.SetAttribute("batch.id", b.id)
	span.SetAttribute("batch.size", len(reqs))

	calls := make([]core.CallRequest, len(reqs))
	var serial []int
	for i, req := range reqs {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		req.Category = s.timeouts.Resolve(ctx, req, s.categories)
		calls[i] = req
		if s.serial[req.Category] {
			serial = append(serial, i)
		}
	}

	s.logger.Debug("Starting batch execution", map[string]interface{}{
		"operation":       "execute_batch",
		"batch_id":        b.id,
		"call_count":      len(calls),
		"serial_count":    len(serial),
		"max_concurrency": s.config.MaxConcurrency,
	})

	var wg sync.WaitGroup

	for i := range calls {
		if s.serial[calls[i].Category] {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.runSlot(ctx, b, calls[i])
		}(i)
	}

	if len(serial) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, i := range serial {
				results[i] = s.runSlot(ctx, b, calls[i])
			}
		}()
	}

	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	duration := time.Since(start)
	span.SetAttribute("batch.failed", failed)
	s.telemetry.RecordMetric(MetricBatchDuration, float64(duration.Milliseconds()), nil)

	s.logger.Info("Batch execution finished", map[string]interface{}{
		"operation":   "execute_batch",
		"batch_id":    b.id,
		"call_count":  len(calls),
		"failed":      failed,
		"duration_ms": duration.Milliseconds(),
	})
	return results
}

// batch is the state shared by the calls of one ExecuteBatch run. slots bounds
// concurrency and lane admits one serial-category call at a time. slots is
// always taken before lane.
type batch struct {
	id    string
	slots *semaphore.Weighted
	lane  chan struct{}
}

func newBatch(id string, maxConcurrency int) *batch {
	return &batch{
		id:    id,
		slots: semaphore.NewWeighted(int64(maxConcurrency)),
		lane:  make(chan struct{}, 1),
	}
}

func (b *batch) acquireLane(ctx context.Context) error {
	select {
	case b.lane <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *batch) releaseLane() {
	<-b.lane
}

// runSlot waits for a concurrency slot and resolves req. A call that never
// obtains a slot before cancellation is resolved as cancelled without
// being dispatched.
func (s *Scheduler) runSlot(ctx context.Context, b *batch, req core.CallRequest) core.CallResult {
	start := time.Now()

	if ctx.Err() != nil {
		return s.finish(ctx, b, req, s.cancelledResult(req, 0), start)
	}
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return s.finish(ctx, b, req, s.cancelledResult(req, 0), start)
	}
	defer b.slots.Release(1)

	if s.serial[req.Category] {
		if err := b.acquireLane(ctx); err != nil {
			return s.finish(ctx, b, req, s.cancelledResult(req, 0), start)
		}
		defer b.releaseLane()
	}

	return s.finish(ctx, b, req, s.resolveWithGrace(ctx, b, req), start)
}

// resolveWithGrace resolves req in its own goroutine. Once ctx is cancelled
// the call gets GracePeriod to finish before it is reported as cancelled.
func (s *Scheduler) resolveWithGrace(ctx context.Context, b *batch, req core.CallRequest) core.CallResult {
	done := make(chan core.CallResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Call resolution panicked", map[string]interface{}{
					"operation": "resolve_call",
					"call_id":   req.ID,
					"name":      req.Name,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     string(debug.Stack()),
				})
				done <- s.failureResult(req, core.KindUnknown, fmt.Errorf("%w: %v", core.ErrPanic, r), 0)
			}
		}()
		done <- s.resolve(ctx, b, req)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
	}

	grace := time.NewTimer(s.config.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-done:
		return res
	case <-grace.C:
		s.logger.Warn("Call did not finish within grace period", map[string]interface{}{
			"operation":    "resolve_call",
			"call_id":      req.ID,
			"name":         req.Name,
			"grace_period": s.config.GracePeriod.String(),
		})
		return s.cancelledResult(req, 0)
	}
}

// resolve produces the result for req, trying configured fallbacks when the
// primary callable fails with a retryable kind.
func (s *Scheduler) resolve(ctx context.Context, b *batch, req core.CallRequest) core.CallResult {
	ctx, span := s.telemetry.StartSpan(ctx, "callrelay.call")
	defer span.End()
	span.SetAttribute("call.id", req.ID)
	span.SetAttribute("call.name", req.Name)
	span.SetAttribute("call.category", string(req.Category))

	s.publish(ctx, ProgressEvent{BatchID: b.id, CallID: req.ID, Name: req.Name, Status: ProgressStarted})

	res := s.resolveCall(ctx, b, req)
	if !res.Success && fallbackEligible(res.ErrorKind) {
		for _, alt := range s.config.Fallbacks[req.Name] {
			if ctx.Err() != nil {
				break
			}
			altReq := req
			altReq.Name = alt
			altReq.Category = s.timeouts.Resolve(ctx, core.CallRequest{Name: alt}, s.categories)

			s.logger.Info("Trying fallback callable", map[string]interface{}{
				"operation":  "resolve_call",
				"call_id":    req.ID,
				"primary":    req.Name,
				"fallback":   alt,
				"error_kind": string(res.ErrorKind),
			})
			s.counters.fallbacks.Add(1)
			s.telemetry.RecordMetric(MetricFallbacks, 1, map[string]string{"primary": req.Name, "fallback": alt})

			// A serial fallback of a parallel call still runs one at a time
			// with the batch's serial calls. Serial primaries already hold
			// the lane.
			laned := s.serial[altReq.Category] && !s.serial[req.Category]
			if laned {
				if err := b.acquireLane(ctx); err != nil {
					break
				}
			}
			altRes := s.resolveCall(ctx, b, altReq)
			if laned {
				b.releaseLane()
			}
			altRes.FallbackFrom = req.Name
			res = altRes
			if res.Success || !fallbackEligible(res.ErrorKind) {
				break
			}
		}
	}

	span.SetAttribute("call.success", res.Success)
	span.SetAttribute("call.attempts", res.Attempts)
	if !res.Success {
		span.SetAttribute("call.error_kind", string(res.ErrorKind))
		span.RecordError(errors.New(res.Error))
	}
	return res
}

func (s *Scheduler) resolveCall(ctx context.Context, b *batch, req core.CallRequest) core.CallResult {
	fp, err := s.normalizer.Fingerprint(req.Name, req.Arguments)
	if err != nil {
		s.logger.Warn("Rejecting call with unserializable arguments", map[string]interface{}{
			"operation": "fingerprint",
			"call_id":   req.ID,
			"name":      req.Name,
			"error":     err.Error(),
		})
		return s.failureResult(req, core.KindValidation, err, 0)
	}
	return s.resolveFingerprint(ctx, b, req, fp)
}

// resolveFingerprint returns a cached result, joins an in-flight execution
// of the same fingerprint, or executes the call as flight leader.
func (s *Scheduler) resolveFingerprint(ctx context.Context, b *batch, req core.CallRequest, fp string) core.CallResult {
	if res, ok := s.cachedResult(fp); ok {
		return res
	}

	for {
		leader := false
		ch := s.flights.DoChan(fp, func() (interface{}, error) {
			leader = true
			if res, ok := s.cachedResult(fp); ok {
				return res, nil
			}
			res := s.execute(ctx, b, req, fp)
			s.store(fp, res)
			return res, nil
		})

		select {
		case <-ctx.Done():
			return s.cancelledResult(req, 0)
		case r := <-ch:
			res := r.Val.(core.CallResult)
			if leader {
				return res
			}
			if res.ErrorKind == core.KindCancelled && ctx.Err() == nil {
				s.logger.Debug("Shared flight was cancelled, executing again", map[string]interface{}{
					"operation":   "dedup_join",
					"call_id":     req.ID,
					"fingerprint": fp,
				})
				continue
			}
			s.logger.Debug("Joined in-flight call", map[string]interface{}{
				"operation":   "dedup_join",
				"call_id":     req.ID,
				"name":        req.Name,
				"fingerprint": fp,
			})
			res.Deduplicated = true
			return res
		}
	}
}

// execute dispatches req until it succeeds, fails terminally or exhausts the
// retry budget for its error kind.
func (s *Scheduler) execute(ctx context.Context, b *batch, req core.CallRequest, fp string) core.CallResult {
	timeout := s.timeouts.Timeout(req.Category)
	state := core.RetryState{Fingerprint: fp}

	for {
		state.Attempt++
		s.counters.invocations.Add(1)
		s.telemetry.RecordMetric(MetricInvocations, 1, map[string]string{"name": req.Name})

		inv, err := s.dispatch(ctx, req, timeout)
		if err == nil {
			if inv.Failed {
				msg := inv.Error
				if msg == "" {
					msg = core.ErrExecutionFailed.Error()
				}
				res := s.failureResult(req, core.KindExecution, errors.New(msg), state.Attempt)
				if len(inv.Content) > 0 {
					res.Content = inv.Content
				}
				return res
			}
			return core.CallResult{
				CallID:   req.ID,
				Name:     req.Name,
				Content:  inv.Content,
				Success:  true,
				Attempts: state.Attempt,
			}
		}

		if ctx.Err() != nil {
			return s.cancelledResult(req, state.Attempt)
		}

		kind := resilience.Classify(0, err)
		if isLocalRejection(err) {
			return s.failureResult(req, core.KindValidation, err, state.Attempt)
		}
		if errors.Is(err, core.ErrPanic) {
			return s.failureResult(req, core.KindUnknown, err, state.Attempt)
		}
		state.ErrorKind = kind

		if !s.backoff.ShouldRetry(kind, state.Attempt) {
			s.logger.Warn("Call failed", map[string]interface{}{
				"operation":  "execute_call",
				"call_id":    req.ID,
				"name":       req.Name,
				"error_kind": string(kind),
				"attempts":   state.Attempt,
				"error":      err.Error(),
			})
			return s.failureResult(req, kind, err, state.Attempt)
		}

		var retryAfter time.Duration
		var ce *core.CallError
		if errors.As(err, &ce) {
			retryAfter = ce.RetryAfter
		}
		delay := s.backoff.DelayWithHint(state.Attempt-1, retryAfter)
		state.NextAllowedAt = time.Now().Add(delay)

		s.logger.Debug("Retrying call", map[string]interface{}{
			"operation":  "execute_call",
			"call_id":    req.ID,
			"name":       req.Name,
			"error_kind": string(kind),
			"attempt":    state.Attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      err.Error(),
		})
		s.counters.retries.Add(1)
		s.telemetry.RecordMetric(MetricRetries, 1, map[string]string{"name": req.Name, "error_kind": string(kind)})
		s.publish(ctx, ProgressEvent{
			BatchID:   b.id,
			CallID:    req.ID,
			Name:      req.Name,
			Status:    ProgressRetrying,
			Attempt:   state.Attempt,
			ErrorKind: kind,
			Error:     err.Error(),
		})

		if err := resilience.Wait(ctx, delay); err != nil {
			return s.cancelledResult(req, state.Attempt)
		}
	}
}

// dispatch performs one attempt under the category timeout. Panics in the
// invoker come back as errors wrapping core.ErrPanic.
func (s *Scheduler) dispatch(ctx context.Context, req core.CallRequest, timeout time.Duration) (inv *Invocation, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Invoker panicked", map[string]interface{}{
				"operation": "dispatch",
				"call_id":   req.ID,
				"name":      req.Name,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			inv = nil
			err = fmt.Errorf("%w: %v", core.ErrPanic, r)
		}
	}()

	inv, err = s.invoker.Invoke(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = &core.CallError{
				Op:         "dispatch",
				Kind:       core.KindTimeout,
				CallableID: req.Name,
				Err:        fmt.Errorf("%w after %s: %v", core.ErrTimeout, timeout, err),
			}
		}
		return nil, err
	}
	if inv == nil {
		inv = &Invocation{}
	}
	return inv, nil
}

func (s *Scheduler) cachedResult(fp string) (core.CallResult, bool) {
	if s.cache == nil {
		return core.CallResult{}, false
	}
	entry, ok := s.cache.Get(fp)
	if !ok {
		return core.CallResult{}, false
	}
	res := entry.Result
	res.Cached = true
	return res, true
}

// store caches successes, and definitive failures when CacheFailures is
// set. Cancelled and transient failures are never cached.
func (s *Scheduler) store(fp string, res core.CallResult) {
	if s.cache == nil || res.Cached {
		return
	}
	if res.Success {
		s.cache.Put(fp, res, s.cacheCfg.TTL)
		return
	}
	if s.cacheCfg.CacheFailures && definitiveFailure(res.ErrorKind) {
		s.cache.Put(fp, res, s.cacheCfg.FailureTTL)
	}
}

// finish stamps the result with the request identity and records it.
func (s *Scheduler) finish(ctx context.Context, b *batch, req core.CallRequest, res core.CallResult, start time.Time) core.CallResult {
	res.CallID = req.ID
	if res.Name == "" {
		res.Name = req.Name
	}
	res.DurationMS = time.Since(start).Milliseconds()

	s.counters.total.Add(1)
	status := ProgressCompleted
	switch {
	case res.ErrorKind == core.KindCancelled:
		s.counters.cancelled.Add(1)
		status = ProgressCancelled
	case res.Success:
		s.counters.successes.Add(1)
		if res.Cached {
			status = ProgressCached
		}
	default:
		s.counters.failures.Add(1)
		status = ProgressFailed
	}
	if res.Cached {
		s.counters.cacheHits.Add(1)
		s.telemetry.RecordMetric(MetricCacheHits, 1, map[string]string{"name": res.Name})
	}
	if res.Deduplicated {
		s.counters.dedupJoins.Add(1)
		s.telemetry.RecordMetric(MetricDedupJoins, 1, map[string]string{"name": res.Name})
	}

	labels := map[string]string{
		"name":     res.Name,
		"category": string(req.Category),
		"status":   string(status),
	}
	s.telemetry.RecordMetric(MetricCalls, 1, labels)
	s.telemetry.RecordMetric(MetricCallDuration, float64(res.DurationMS), labels)

	s.publish(ctx, ProgressEvent{
		BatchID:   b.id,
		CallID:    res.CallID,
		Name:      res.Name,
		Status:    status,
		Attempt:   res.Attempts,
		ErrorKind: res.ErrorKind,
		Error:     res.Error,
	})
	return res
}

// publish never blocks on or fails because of batch cancellation.
func (s *Scheduler) publish(ctx context.Context, event ProgressEvent) {
	now := time.Now()
	event.ID = newEventID(now)
	event.Timestamp = now
	if err := s.progress.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("Failed to publish progress event", map[string]interface{}{
			"operation": "publish_progress",
			"batch_id":  event.BatchID,
			"call_id":   event.CallID,
			"error":     err.Error(),
		})
	}
}

func (s *Scheduler) failureResult(req core.CallRequest, kind core.ErrorKind, err error, attempts int) core.CallResult {
	msg := err.Error()
	return core.CallResult{
		CallID:    req.ID,
		Name:      req.Name,
		Content:   errorContent(msg, kind),
		Success:   false,
		Error:     msg,
		ErrorKind: kind,
		Attempts:  attempts,
	}
}

func (s *Scheduler) cancelledResult(req core.CallRequest, attempts int) core.CallResult {
	return s.failureResult(req, core.KindCancelled, core.ErrCancelled, attempts)
}

func errorContent(msg string, kind core.ErrorKind) json.RawMessage {
	data, err := json.Marshal(map[string]string{
		"error":      msg,
		"error_kind": string(kind),
	})
	if err != nil {
		return nil
	}
	return data
}

// isLocalRejection reports failures detected before anything reached the
// remote endpoint. Sending the same call again cannot change the outcome.
func isLocalRejection(err error) bool {
	return errors.Is(err, core.ErrCallableNotFound) ||
		errors.Is(err, core.ErrSchemaValidation) ||
		errors.Is(err, core.ErrUnserializableArguments)
}

func fallbackEligible(kind core.ErrorKind) bool {
	return kind != "" && !kind.Terminal()
}

func definitiveFailure(kind core.ErrorKind) bool {
	switch kind {
	case core.KindExecution, core.KindAuth, core.KindValidation:
		return true
	}
	return false
}
