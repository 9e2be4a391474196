package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		ok := p.Submit(func() {
			count.Add(1)
		})
		if !ok {
			t.Fatalf("Submit %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if p.Submit(func() {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	// Block the worker
	blocker := make(chan struct{})
	p.Submit(func() { <-blocker })

	time.Sleep(10 * time.Millisecond) // let worker pick up first task
	p.Submit(func() {})               // fills the queue (size 1)

	if p.Submit(func() {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestPanickingTaskDoesNotKillPool(t *testing.T) {
	p := New(1, 10)
	var ran atomic.Bool

	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if !ran.Load() {
		t.Fatal("task after panicking task did not run")
	}
}

func TestDrainRespectsDeadline(t *testing.T) {
	p := New(1, 10)
	release := make(chan struct{})
	p.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Drain(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Drain blocked %v past its deadline", elapsed)
	}
	close(release)
}
