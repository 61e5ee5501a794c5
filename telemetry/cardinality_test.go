package telemetry

import (
	"fmt"
	"testing"
	"time"
)

func TestCardinalityLimiter_OverflowsToOther(t *testing.T) {
	c := NewCardinalityLimiter(map[string]int{"name": 2})

	if got := c.CheckAndLimit("calls", "name", "a"); got != "a" {
		t.Errorf("expected a, got %s", got)
	}
	c.CheckAndLimit("calls", "name", "b")
	if got := c.CheckAndLimit("calls", "name", "c"); got != OverflowLabelValue {
		t.Errorf("expected overflow, got %s", got)
	}
	if got := c.CheckAndLimit("calls", "name", "a"); got != "a" {
		t.Errorf("known values must pass once the limit is reached, got %s", got)
	}
	// limits are per metric
	if got := c.CheckAndLimit("retries", "name", "c"); got != "c" {
		t.Errorf("expected c on another metric, got %s", got)
	}
	if got := c.CheckAndLimit("calls", "error_kind", "SERVER_ERROR"); got != "SERVER_ERROR" {
		t.Errorf("labels without a limit pass through, got %s", got)
	}
	if n := c.CurrentCardinality(); n != 3 {
		t.Errorf("expected 3 tracked values, got %d", n)
	}
}

func TestCardinalityLimiter_SweepFreesRoom(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCardinalityLimiter(map[string]int{"name": 1})
	c.now = func() time.Time { return now }
	c.lastSweep = now

	c.CheckAndLimit("calls", "name", "old")
	if got := c.CheckAndLimit("calls", "name", "new"); got != OverflowLabelValue {
		t.Fatalf("expected overflow before sweep, got %s", got)
	}

	now = now.Add(11 * time.Minute)
	out := c.Limit("calls", map[string]string{"name": "new"})
	if out["name"] != "new" {
		t.Errorf("expected idle value to be swept, got %s", out["name"])
	}
}

func TestCardinalityLimiter_LimitCopiesLabels(t *testing.T) {
	c := NewCardinalityLimiter(map[string]int{"name": 1})
	for i := 0; i < 3; i++ {
		in := map[string]string{"name": fmt.Sprintf("tool_%d", i), "status": "ok"}
		out := c.Limit("calls", in)
		if in["name"] != fmt.Sprintf("tool_%d", i) {
			t.Errorf("input labels modified: %v", in)
		}
		if i > 0 && out["name"] != OverflowLabelValue {
			t.Errorf("expected overflow for %s, got %s", in["name"], out["name"])
		}
		if out["status"] != "ok" {
			t.Errorf("unlimited label changed: %v", out)
		}
	}
	if c.Limit("calls", nil) != nil {
		t.Error("nil labels should stay nil")
	}
}
