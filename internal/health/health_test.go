package health

import (
	"sync"
	"testing"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
}

func TestSummaryOnEmptyMonitor(t *testing.T) {
	m := NewMonitor()
	s := m.Summary()
	if s["status"] != "unknown" {
		t.Fatalf("Summary status = %v, want unknown", s["status"])
	}
	components, _ := s["components"].(map[string]string)
	if len(components) != 0 {
		t.Fatalf("Summary components = %v, want empty", components)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("transport", Healthy, "")
	m.Update("auth", Degraded, "token refresh pending")
	m.Update("watcher", Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}
}

func TestOverallUnhealthyWorseThanDegraded(t *testing.T) {
	m := NewMonitor()
	m.Update("transport", Degraded, "")
	m.Update("auth", Unhealthy, "logon denied")

	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("watcher", Status("garbage"), "bad value")

	c, ok := m.Get("watcher")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unknown {
		t.Fatalf("Status = %q, want %q", c.Status, Unknown)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Update("transport", Healthy, "")
				m.Overall()
				m.Summary()
			}
		}()
	}
	wg.Wait()

	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want %q", got, Healthy)
	}
}
