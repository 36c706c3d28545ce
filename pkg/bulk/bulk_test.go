package bulk_test

import (
	"testing"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/bulk"
	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/na/tcp"
)

// loopback brings up one tcp.Class listening on localhost and dials into
// itself so a single test process can exercise both ends of a transfer.
func loopback(t *testing.T) (cls na.Class, ctx *na.Context, dial na.Addr) {
	t.Helper()

	cls = tcp.New()
	if err := cls.Initialize(na.Options{Listen: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { cls.Finalize() })

	var err error
	ctx, err = cls.ContextCreate()
	if err != nil {
		t.Fatalf("ContextCreate: %v", err)
	}

	dial, err = cls.AddrLookup(ctx, cls.AddrSelf().String())
	if err != nil {
		t.Fatalf("AddrLookup: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the accept side register
	return
}

func TestSessionPutSingleChunk(t *testing.T) {
	cls, ctx, dial := loopback(t)

	src := []byte("a payload shorter than one chunk")
	dst := make([]byte, len(src))

	localHandle, err := bulk.Create(cls, src, na.ReadOnly)
	if err != nil {
		t.Fatalf("Create local: %v", err)
	}
	defer localHandle.Free()

	remoteHandle, err := bulk.Create(cls, dst, na.ReadWrite)
	if err != nil {
		t.Fatalf("Create remote: %v", err)
	}
	defer remoteHandle.Free()

	ser, err := remoteHandle.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	remoteView, err := bulk.Deserialize(cls, ser)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	sess := bulk.NewSession(cls, ctx, bulk.Put, localHandle, remoteView, dial, uint64(len(src)), 0)
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(2 * time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if string(dst) != string(src) {
		t.Fatalf("dst = %q, want %q", dst, src)
	}
	if sess.Done() != sess.NumParts() {
		t.Fatalf("Done() = %d, want %d", sess.Done(), sess.NumParts())
	}
}

func TestSessionPutMultiChunk(t *testing.T) {
	cls, ctx, dial := loopback(t)

	const chunk = 16
	src := make([]byte, chunk*5+3)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, len(src))

	localHandle, _ := bulk.Create(cls, src, na.ReadOnly)
	defer localHandle.Free()
	remoteHandle, _ := bulk.Create(cls, dst, na.ReadWrite)
	defer remoteHandle.Free()

	ser, _ := remoteHandle.Serialize()
	remoteView, _ := bulk.Deserialize(cls, ser)

	sess := bulk.NewSession(cls, ctx, bulk.Put, localHandle, remoteView, dial, uint64(len(src)), chunk)
	if sess.NumParts() != 6 {
		t.Fatalf("NumParts() = %d, want 6", sess.NumParts())
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(2 * time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if string(dst) != string(src) {
		t.Fatalf("dst mismatch after multi-chunk put")
	}
}

func TestSessionGet(t *testing.T) {
	cls, ctx, dial := loopback(t)

	remoteData := []byte("fetch this back over a get session")
	dst := make([]byte, len(remoteData))

	remoteHandle, _ := bulk.Create(cls, remoteData, na.ReadOnly)
	defer remoteHandle.Free()
	localHandle, _ := bulk.Create(cls, dst, na.ReadWrite)
	defer localHandle.Free()

	ser, _ := remoteHandle.Serialize()
	remoteView, _ := bulk.Deserialize(cls, ser)

	sess := bulk.NewSession(cls, ctx, bulk.Get, localHandle, remoteView, dial, uint64(len(remoteData)), 0)
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(2 * time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if string(dst) != string(remoteData) {
		t.Fatalf("dst = %q, want %q", dst, remoteData)
	}
}

func TestSessionEmptyTransferCompletesImmediately(t *testing.T) {
	cls, ctx, dial := loopback(t)

	localHandle, _ := bulk.Create(cls, []byte{}, na.ReadOnly)
	defer localHandle.Free()
	remoteHandle, _ := bulk.Create(cls, []byte{}, na.ReadWrite)
	defer remoteHandle.Free()
	ser, _ := remoteHandle.Serialize()
	remoteView, _ := bulk.Deserialize(cls, ser)

	sess := bulk.NewSession(cls, ctx, bulk.Put, localHandle, remoteView, dial, 0, 0)
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(time.Second); err != nil {
		t.Fatalf("Wait on empty transfer: %v", err)
	}
}
