package requtil

import (
	"testing"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// fakeTransport lets tests complete futures on a timer instead of driving
// a real network.
type fakeTransport struct {
	fire chan func()
}

func (ft *fakeTransport) progress(timeout time.Duration) error {
	select {
	case fn := <-ft.fire:
		fn()
		return nil
	case <-time.After(timeout):
		return rpcstatus.Wrap("fake.progress", rpcstatus.TIMEOUT, nil)
	}
}

func (ft *fakeTransport) trigger(max int) int { return 0 }

func TestFutureWaitResolves(t *testing.T) {
	ft := &fakeTransport{fire: make(chan func(), 1)}
	c := NewClass(ft.progress, ft.trigger, 10*time.Millisecond)
	f := c.NewFuture()

	ft.fire <- func() { f.Complete(nil) }

	if err := f.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFutureWaitTimesOut(t *testing.T) {
	ft := &fakeTransport{fire: make(chan func())}
	c := NewClass(ft.progress, ft.trigger, 5*time.Millisecond)
	f := c.NewFuture()

	err := f.Wait(30 * time.Millisecond)
	if rpcstatus.CodeOf(err) != rpcstatus.TIMEOUT {
		t.Fatalf("Wait error = %v, want TIMEOUT", err)
	}
}

func TestWaitAllSharedBudget(t *testing.T) {
	ft := &fakeTransport{fire: make(chan func(), 4)}
	c := NewClass(ft.progress, ft.trigger, 5*time.Millisecond)

	futures := []*Future{c.NewFuture(), c.NewFuture(), c.NewFuture()}
	for _, f := range futures {
		f := f
		ft.fire <- func() { f.Complete(nil) }
	}

	resolved, err := WaitAll(futures, time.Second)
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if resolved != len(futures) {
		t.Fatalf("resolved = %d, want %d", resolved, len(futures))
	}
}

func TestWaitAllReportsPartialOnTimeout(t *testing.T) {
	ft := &fakeTransport{fire: make(chan func(), 1)}
	c := NewClass(ft.progress, ft.trigger, 5*time.Millisecond)

	futures := []*Future{c.NewFuture(), c.NewFuture()}
	ft.fire <- func() { futures[0].Complete(nil) }

	resolved, err := WaitAll(futures, 40*time.Millisecond)
	if rpcstatus.CodeOf(err) != rpcstatus.TIMEOUT {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
}

func TestDoneChannelExternallyDriven(t *testing.T) {
	ft := &fakeTransport{fire: make(chan func(), 1)}
	c := NewClass(ft.progress, ft.trigger, 10*time.Millisecond)
	f := c.NewFuture()

	go f.Complete(nil)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed")
	}
}
