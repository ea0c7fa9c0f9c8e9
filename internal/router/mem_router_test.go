package router

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/metrics"
)

var (
	testRegistryOnce sync.Once
	testRegistry     *metrics.Registry
)

// newTestRegistry returns a single process-wide Registry shared by every
// test in this file, since metrics.NewRegistry registers collectors
// against the default Prometheus registerer and a second registration
// of the same metric name would panic.
func newTestRegistry() *metrics.Registry {
	testRegistryOnce.Do(func() {
		testRegistry = metrics.NewRegistry()
	})
	return testRegistry
}


func TestMemRouterFIFOOrdering(t *testing.T) {
	r := NewMemRouter(1, nil, nil)
	m1 := message.New(0)
	m1.Source = 1
	m2 := message.New(0)
	m2.Source = 2
	m3 := message.New(0)
	m3.Source = 3

	if err := r.Enqueue("port0", 1024, m1); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := r.Enqueue("port0", 1024, m2); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}
	if err := r.Enqueue("port0", 1024, m3); err != nil {
		t.Fatalf("enqueue m3: %v", err)
	}

	if got := r.CountMessagesForPort("port0", 1024); got != 3 {
		t.Fatalf("CountMessagesForPort = %d, want 3", got)
	}

	for _, want := range []*message.Message{m1, m2, m3} {
		got, ok := r.GetNextPortMessage("port0", 1024)
		if !ok {
			t.Fatalf("expected a message")
		}
		if got.Source != want.Source {
			t.Fatalf("FIFO order violated: got source %d, want %d", got.Source, want.Source)
		}
	}

	if _, ok := r.GetNextPortMessage("port0", 1024); ok {
		t.Fatalf("expected empty queue after draining")
	}
}

func TestMemRouterQueuesAreIndependentPerNeighbor(t *testing.T) {
	r := NewMemRouter(1, nil, nil)
	m := message.New(0)
	if err := r.Enqueue("port0", 1024, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := r.CountMessagesForPort("port0", 2048); got != 0 {
		t.Fatalf("unrelated neighbor queue should be empty, got %d", got)
	}
}

func TestMemRouterEnqueueRejectsBadNeighbor(t *testing.T) {
	r := NewMemRouter(1, nil, nil)
	err := r.Enqueue("port0", 5000, message.New(0))
	if err == nil {
		t.Fatalf("expected error for neighbor > broadcast address")
	}
}

func TestMemRouterPortIsNeeded(t *testing.T) {
	r := NewMemRouter(1, nil, nil)
	if r.PortIsNeeded("port0") {
		t.Fatalf("expected port not needed before OnPortReady")
	}
	r.OnPortReady("port0")
	if !r.PortIsNeeded("port0") {
		t.Fatalf("expected port needed after OnPortReady")
	}
	r.MarkPortIdle("port0")
	if r.PortIsNeeded("port0") {
		t.Fatalf("expected port not needed after MarkPortIdle")
	}
}

func TestMemRouterDeliveryFailureIncrementsMetric(t *testing.T) {
	reg := newTestRegistry()
	r := NewMemRouter(1, nil, reg)
	r.OnPortDeliveryFailure("port0", 1024, true)
	if got := testutil.ToFloat64(reg.PortDeliveryFailed.WithLabelValues("port0")); got != 1 {
		t.Fatalf("expected PortDeliveryFailed incremented, got %v", got)
	}
}
