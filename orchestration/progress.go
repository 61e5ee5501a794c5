package orchestration

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/itsneelabh/callrelay/core"
)

// ProgressStatus is the lifecycle stage reported for a call.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressRetrying  ProgressStatus = "retrying"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressCached    ProgressStatus = "cached"
	ProgressCancelled ProgressStatus = "cancelled"
)

// ProgressEvent tells a UI what a call is doing. IDs are ULIDs, so events
// sort by creation time.
type ProgressEvent struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batch_id"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Status    ProgressStatus `json:"status"`
	Attempt   int            `json:"attempt,omitempty"`
	ErrorKind core.ErrorKind `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressSink receives progress events. Publishing must not block batch
// execution for long; errors are logged and otherwise ignored.
type ProgressSink interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Publish(ctx context.Context, event ProgressEvent) error { return nil }

// ChannelSink delivers events to an in-process channel. When the buffer is
// full the event is dropped and counted.
type ChannelSink struct {
	events  chan ProgressEvent
	mu      sync.Mutex
	dropped int
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan ProgressEvent, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan ProgressEvent {
	return s.events
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChannelSink) Publish(ctx context.Context, event ProgressEvent) error {
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newEventID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
