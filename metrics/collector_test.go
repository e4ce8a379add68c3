package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/tachfileto/evidenced/types"
)

func TestRecordRequest_ComputesHitRateAndAvgResponse(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(true, 10*time.Millisecond, false)
	c.RecordRequest(false, 30*time.Millisecond, false)

	snap := c.Snapshot(0, 0)
	if got := snap.CacheHitRate(); got != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", got)
	}
	if got := snap.AvgResponseTimeMs(); got != 20 {
		t.Errorf("expected avg response 20ms, got %f", got)
	}
}

func TestSnapshot_ZeroRequestsDoesNotDivideByZero(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot(0, 0)
	if snap.CacheHitRate() != 0 || snap.AvgResponseTimeMs() != 0 || snap.ErrorRate() != 0 {
		t.Errorf("expected all rates to be 0 with no requests, got %+v", snap)
	}
}

func TestToHealth_OKWhenNothingElevated(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(true, time.Millisecond, false)
	h := c.Snapshot(2, 50).ToHealth()
	if h.Status != types.HealthOK {
		t.Errorf("expected ok status, got %v", h.Status)
	}
}

func TestToHealth_CriticalOnHighErrorRate(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 10; i++ {
		c.RecordRequest(true, time.Millisecond, i < 3)
	}
	h := c.Snapshot(0, 0).ToHealth()
	if h.Status != types.HealthCritical {
		t.Errorf("expected critical status at 30%% error rate, got %v", h.Status)
	}
	if len(h.Recommendations) == 0 {
		t.Error("expected at least one recommendation when critical")
	}
}

func TestToHealth_DegradedOnHighMemory(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(true, time.Millisecond, false)
	h := c.Snapshot(0, 600).ToHealth()
	if h.Status != types.HealthDegraded {
		t.Errorf("expected degraded status at 600MB usage, got %v", h.Status)
	}
}

func TestSnapshot_Immutability(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(true, time.Millisecond, false)
	s1 := c.Snapshot(0, 0)

	c.RecordRequest(true, time.Millisecond, false)
	c.RecordRequest(true, time.Millisecond, false)

	if s1.TotalRequests != 1 {
		t.Errorf("s1.TotalRequests = %d, want 1 (snapshot should be frozen)", s1.TotalRequests)
	}

	s2 := c.Snapshot(0, 0)
	if s2.TotalRequests != 3 {
		t.Errorf("s2.TotalRequests = %d, want 3", s2.TotalRequests)
	}
}

func TestNilCollector_MethodsAreNoOps(t *testing.T) {
	var c *Collector
	c.RecordRequest(true, time.Second, true)
	c.IncExecutionSuccess()
	c.IncExecutionFailure()
	c.AddZombiesRecovered(1)
	c.AddGhostsDeleted(1)

	snap := c.Snapshot(3, 10)
	if snap.TotalRequests != 0 || snap.QueueDepth != 3 || snap.MemoryMB != 10 {
		t.Errorf("expected a nil collector to report zero counters but echo the sampled args, got %+v", snap)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector()
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.RecordRequest(true, time.Millisecond, false)
				c.IncExecutionSuccess()
			}
		}()
	}
	wg.Wait()

	want := int64(goroutines * iterations)
	s := c.Snapshot(0, 0)
	if s.TotalRequests != want {
		t.Errorf("TotalRequests = %d, want %d", s.TotalRequests, want)
	}
	if s.ExecutionSuccess != want {
		t.Errorf("ExecutionSuccess = %d, want %d", s.ExecutionSuccess, want)
	}
}
