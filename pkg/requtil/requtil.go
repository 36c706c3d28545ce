// Package requtil implements the request-utility layer pkg/rpc's Wait and
// WaitAll are built on: a Future that completes via callback, paired with
// a small driver loop that alternates Progress and Trigger until the
// Future resolves or its deadline passes. This mirrors the ack-channel-
// with-timeout idiom used throughout meshage's client, generalized so a
// caller who already drives its own progress loop elsewhere (the
// "externally-driven" mode) can instead just select on Done().
package requtil

import (
	"sync"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// ProgressFunc drives the underlying transport for up to timeout and
// reports whether anything was dispatched. It should return
// rpcstatus.TIMEOUT (wrapped) when nothing happened within timeout.
type ProgressFunc func(timeout time.Duration) error

// TriggerFunc invokes completed callbacks, returning how many ran.
type TriggerFunc func(maxCount int) int

// Class couples a transport's progress/trigger pair so Futures built from
// it can self-drive. Both a self-driving caller (Wait) and an externally-
// driven one (a caller with its own progress loop elsewhere, who only
// calls Done()/TryWait) can share the same Future.
type Class struct {
	progress ProgressFunc
	trigger  TriggerFunc

	// slice bounds how long a single Progress call blocks, so Wait can
	// still notice its own deadline between calls.
	slice time.Duration
}

// NewClass builds a requtil.Class around one transport's progress/trigger
// pair. slice caps a single Progress call's blocking duration; pass 0 for
// a sensible default.
func NewClass(progress ProgressFunc, trigger TriggerFunc, slice time.Duration) *Class {
	if slice <= 0 {
		slice = 50 * time.Millisecond
	}
	return &Class{progress: progress, trigger: trigger, slice: slice}
}

// Future represents one outstanding asynchronous operation. The RPC engine
// calls Complete from its own completion callback; callers block in Wait.
type Future struct {
	class *Class

	mu        sync.Mutex
	completed bool
	err       error
	done      chan struct{}
}

// NewFuture creates a Future driven by c's progress/trigger pair.
func (c *Class) NewFuture() *Future {
	return &Future{class: c, done: make(chan struct{})}
}

// Complete resolves the future exactly once; subsequent calls are no-ops.
// Safe to call from any goroutine, including from inside Trigger.
func (f *Future) Complete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.completed = true
	f.err = err
	close(f.done)
}

// Done returns a channel closed once the future resolves, for callers
// running their own progress loop elsewhere (externally-driven mode).
func (f *Future) Done() <-chan struct{} { return f.done }

// TryWait reports whether the future has resolved without blocking, along
// with its error if so.
func (f *Future) TryWait() (resolved bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed, f.err
}

// Wait self-drives progress/trigger until the future resolves or timeout
// elapses, at which point it returns rpcstatus.TIMEOUT.
func (f *Future) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if resolved, err := f.TryWait(); resolved {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return rpcstatus.Wrap("requtil.Wait", rpcstatus.TIMEOUT, nil)
		}

		slice := f.class.slice
		if remaining < slice {
			slice = remaining
		}

		if err := f.class.progress(slice); err != nil {
			if rpcstatus.CodeOf(err) != rpcstatus.TIMEOUT {
				return err
			}
		}
		f.class.trigger(0)
	}
}

// WaitAll blocks until every future in futures has resolved or the shared
// deadline passes, returning the first non-timeout error encountered (if
// any) along with how many futures actually resolved. The deadline budget
// is shared across the whole batch rather than restarted per future, so a
// slow straggler can't let WaitAll run long past the caller's timeout.
func WaitAll(futures []*Future, timeout time.Duration) (resolved int, err error) {
	if len(futures) == 0 {
		return 0, nil
	}

	deadline := time.Now().Add(timeout)
	class := futures[0].class

	for {
		resolved = 0
		for _, f := range futures {
			if done, ferr := f.TryWait(); done {
				resolved++
				if ferr != nil && rpcstatus.CodeOf(ferr) != rpcstatus.TIMEOUT && err == nil {
					err = ferr
				}
			}
		}
		if resolved == len(futures) {
			return resolved, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resolved, rpcstatus.Wrap("requtil.WaitAll", rpcstatus.TIMEOUT, nil)
		}

		slice := class.slice
		if remaining < slice {
			slice = remaining
		}
		if perr := class.progress(slice); perr != nil && rpcstatus.CodeOf(perr) != rpcstatus.TIMEOUT {
			return resolved, perr
		}
		class.trigger(0)
	}
}
