package orchestration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestChannelSink_DropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	ctx := context.Background()

	_ = sink.Publish(ctx, ProgressEvent{CallID: "1", Status: ProgressStarted})
	_ = sink.Publish(ctx, ProgressEvent{CallID: "2", Status: ProgressStarted})

	if sink.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", sink.Dropped())
	}
	ev := <-sink.Events()
	if ev.CallID != "1" {
		t.Errorf("expected first event to be kept, got %s", ev.CallID)
	}
}

func TestNewEventID_Monotonic(t *testing.T) {
	now := time.Now()
	a := newEventID(now)
	b := newEventID(now)
	if len(a) != 26 {
		t.Errorf("expected 26 character ULID, got %q", a)
	}
	if a >= b {
		t.Errorf("event ids should increase: %s >= %s", a, b)
	}
}

func TestRedisProgressSink_Publish(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisProgressSink(client, "test:")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := sink.Channel("batch-1")
	if channel != "test:progress:batch-1" {
		t.Fatalf("unexpected channel %s", channel)
	}

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := ProgressEvent{
		ID:        newEventID(time.Now()),
		BatchID:   "batch-1",
		CallID:    "c1",
		Name:      "read_file",
		Status:    ProgressCompleted,
		Timestamp: time.Now(),
	}
	if err := sink.Publish(ctx, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	var got ProgressEvent
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if got.CallID != "c1" || got.Status != ProgressCompleted {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestRedisProgressSink_DefaultPrefix(t *testing.T) {
	sink := NewRedisProgressSink(nil, "")
	if got := sink.Channel("b"); got != "callrelay:progress:b" {
		t.Errorf("unexpected channel %s", got)
	}
}

func TestRedisProgressSink_PublishError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	sink := NewRedisProgressSink(client, "")
	if err := sink.Publish(context.Background(), ProgressEvent{BatchID: "b"}); err == nil {
		t.Error("expected publish error when redis is down")
	}
}
