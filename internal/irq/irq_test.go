package irq

import (
	"sync"
	"testing"
)

type countingSink struct {
	mu      sync.Mutex
	signals []uint32
}

func (s *countingSink) Signal(line uint32) error {
	s.mu.Lock()
	s.signals = append(s.signals, line)
	s.mu.Unlock()
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

func TestTriggerCoalescing(t *testing.T) {
	sink := &countingSink{}
	r, err := NewRouter(sink).Register(9)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two triggers before the guest acknowledges deliver once.
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sink.count())
	}

	r.Complete()
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 deliveries after ack, got %d", sink.count())
	}
}

func TestMaskLatchesPending(t *testing.T) {
	sink := &countingSink{}
	r, err := NewRouter(sink).Register(5)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Mask()
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("masked route delivered %d times", sink.count())
	}

	if err := r.Unmask(); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly 1 delivery on unmask, got %d", sink.count())
	}

	// Unmask with nothing pending delivers nothing.
	r.Complete()
	r.Mask()
	if err := r.Unmask(); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("spurious delivery on unmask: %d", sink.count())
	}
}

func TestUnmaskAfterDeliveredCycle(t *testing.T) {
	sink := &countingSink{}
	r, err := NewRouter(sink).Register(6)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A cycle delivered before the mask must not be re-signalled by
	// unmask; only triggers arriving while masked are.
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	r.Mask()
	if err := r.Unmask(); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("unmask re-delivered a completed trigger: %d", sink.count())
	}

	// Latched while masked and still pending: coalesces on unmask.
	r.Mask()
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := r.Unmask(); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("latched trigger bypassed coalescing: %d", sink.count())
	}

	// Latched while masked and completed before unmask: delivers.
	r.Mask()
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	r.Complete()
	if err := r.Unmask(); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sink.count())
	}
}

func TestRewrite(t *testing.T) {
	oldSink := &countingSink{}
	newSink := &countingSink{}

	r, err := NewRouter(oldSink).Register(11)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	r.Complete()

	r.Rewrite(newSink)
	if err := r.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if oldSink.count() != 1 {
		t.Fatalf("old sink saw %d deliveries", oldSink.count())
	}
	if newSink.count() != 1 {
		t.Fatalf("new sink saw %d deliveries", newSink.count())
	}
}

func TestConcurrentTriggers(t *testing.T) {
	sink := &countingSink{}
	r, err := NewRouter(sink).Register(7)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Trigger()
		}()
	}
	wg.Wait()

	if sink.count() != 1 {
		t.Fatalf("expected 1 delivery from concurrent triggers, got %d", sink.count())
	}
}

func TestRouterRegistration(t *testing.T) {
	rt := NewRouter(&countingSink{})

	if _, err := rt.Register(4); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Register(4); err == nil {
		t.Fatal("expected error on duplicate line")
	}
	if err := rt.Unregister(4); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := rt.Unregister(4); err == nil {
		t.Fatal("expected error on double unregister")
	}
	if _, err := rt.Register(4); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}
