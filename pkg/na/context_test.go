package na

import "testing"

type fakeOpID struct {
	typ  CBType
	done bool
}

func (f *fakeOpID) Type() CBType    { return f.typ }
func (f *fakeOpID) Completed() bool { return f.done }

func TestContextPushTrigger(t *testing.T) {
	ctx := NewContext()

	var got []CBType
	cb := func(info *CBInfo) { got = append(got, info.Type) }

	ctx.Push(&fakeOpID{typ: CBSendExpected}, cb, &CBInfo{Type: CBSendExpected})
	ctx.Push(&fakeOpID{typ: CBRecvExpected}, cb, &CBInfo{Type: CBRecvExpected})

	if n := ctx.Pending(); n != 2 {
		t.Fatalf("Pending() = %d, want 2", n)
	}

	if n := ctx.Trigger(1); n != 1 {
		t.Fatalf("Trigger(1) = %d, want 1", n)
	}
	if len(got) != 1 || got[0] != CBSendExpected {
		t.Fatalf("unexpected dispatch order: %v", got)
	}

	if n := ctx.Trigger(0); n != 1 {
		t.Fatalf("Trigger(0) = %d, want 1", n)
	}
	if len(got) != 2 || got[1] != CBRecvExpected {
		t.Fatalf("unexpected dispatch order: %v", got)
	}

	if n := ctx.Trigger(0); n != 0 {
		t.Fatalf("Trigger on empty queue = %d, want 0", n)
	}
}

func TestContextWaitWakesOnPush(t *testing.T) {
	ctx := NewContext()
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		ctx.Wait(stop)
		close(done)
	}()

	ctx.Push(&fakeOpID{typ: CBPut}, nil, &CBInfo{Type: CBPut})

	<-done
}

func TestRegistryRoundTrip(t *testing.T) {
	const proto = "na-test-fake"
	Register(proto, func() Class { return nil })

	found := false
	for _, p := range Protocols() {
		if p == proto {
			found = true
		}
	}
	if !found {
		t.Fatalf("Protocols() missing %q", proto)
	}

	if _, err := NewClass(proto); err != nil {
		t.Fatalf("NewClass(%q) error: %v", proto, err)
	}
	if _, err := NewClass("does-not-exist"); err == nil {
		t.Fatal("NewClass on unknown protocol should error")
	}
}
