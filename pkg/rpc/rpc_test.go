package rpc_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/na/tcp"
	"github.com/sandia-hpc/rpcna/pkg/rpc"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// pair brings up two tcp.Class endpoints on localhost, each with its own
// Registry, and returns the address the client forwards to the server on;
// serverToClient is always nil.
func pair(t *testing.T) (client, server *rpc.Registry, clientToServer, serverToClient na.Addr) {
	t.Helper()

	scls := tcp.New()
	if err := scls.Initialize(na.Options{Listen: "127.0.0.1:0"}); err != nil {
		t.Fatalf("server Initialize: %v", err)
	}
	t.Cleanup(func() { scls.Finalize() })
	sctx, err := scls.ContextCreate()
	if err != nil {
		t.Fatalf("server ContextCreate: %v", err)
	}

	ccls := tcp.New()
	if err := ccls.Initialize(na.Options{Listen: "127.0.0.1:0"}); err != nil {
		t.Fatalf("client Initialize: %v", err)
	}
	t.Cleanup(func() { ccls.Finalize() })
	cctx, err := ccls.ContextCreate()
	if err != nil {
		t.Fatalf("client ContextCreate: %v", err)
	}

	server = rpc.NewRegistry(scls, sctx)
	client = rpc.NewRegistry(ccls, cctx)

	dest, err := ccls.AddrLookup(cctx, scls.AddrSelf().String())
	if err != nil {
		t.Fatalf("client AddrLookup: %v", err)
	}
	clientToServer = dest

	// drive both sides' progress/trigger loops in the background so
	// Forward/Wait and the server dispatch loop make progress
	// concurrently, the way two independent processes would.
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	pumpBackground(scls, sctx, stop)
	pumpBackground(ccls, cctx, stop)

	return client, server, clientToServer, nil
}

func pumpBackground(cls na.Class, ctx *na.Context, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cls.Progress(ctx, 20*time.Millisecond)
			ctx.Trigger(0)
		}
	}()
}

func TestForwardWaitEcho(t *testing.T) {
	client, server, dest, _ := pair(t)

	if _, err := server.Register("echo", func(input []byte) ([]byte, error) {
		out := make([]byte, len(input))
		for i, b := range input {
			out[i] = b ^ 0xff
		}
		return out, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	server.Listen()

	if _, err := client.Register("echo", nil); err != nil {
		t.Fatalf("client Register: %v", err)
	}

	input := []byte("round trip payload")
	call, err := client.Forward(dest, "echo", input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if err := client.Wait(call, 2*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	defer client.Free(call)

	if call.ReturnCode() != rpcstatus.SUCCESS {
		t.Fatalf("ReturnCode = %v, want SUCCESS", call.ReturnCode())
	}
	out := call.Output()
	for i, b := range out {
		if b != input[i]^0xff {
			t.Fatalf("output mismatch at %d: got %x want %x", i, b, input[i]^0xff)
		}
	}
}

func TestForwardUnknownProcedure(t *testing.T) {
	client, _, dest, _ := pair(t)

	if _, err := client.Forward(dest, "no-such-procedure", nil); err == nil {
		t.Fatal("Forward for an unregistered procedure should fail locally")
	}
}

func TestForwardServerReturnsNoMatch(t *testing.T) {
	client, server, dest, _ := pair(t)
	server.Listen()

	// client believes in a procedure the server never registered
	if _, err := client.Register("ghost", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	call, err := client.Forward(dest, "ghost", []byte("x"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := client.Wait(call, 2*time.Second); err == nil {
		t.Fatal("expected Wait to report the server's NO_MATCH")
	} else if rpcstatus.CodeOf(err) != rpcstatus.NO_MATCH {
		t.Fatalf("CodeOf(err) = %v, want NO_MATCH", rpcstatus.CodeOf(err))
	}
	client.Free(call)
}

func TestForwardOverflowPath(t *testing.T) {
	client, server, dest, _ := pair(t)

	if _, err := server.Register("sum-length", func(input []byte) ([]byte, error) {
		return []byte(fmt.Sprintf("%d", len(input))), nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	server.Listen()

	if _, err := client.Register("sum-length", nil); err != nil {
		t.Fatalf("client Register: %v", err)
	}

	// larger than the tcp class's unexpected message cap, forcing the
	// request through the overflow/bulk-handle path.
	big := strings.Repeat("x", 8000)
	call, err := client.Forward(dest, "sum-length", []byte(big))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := client.Wait(call, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	defer client.Free(call)

	if string(call.Output()) != fmt.Sprintf("%d", len(big)) {
		t.Fatalf("Output = %q, want length %d", call.Output(), len(big))
	}
}

func TestWaitAllMultipleCalls(t *testing.T) {
	client, server, dest, _ := pair(t)

	if _, err := server.Register("noop", func(input []byte) ([]byte, error) {
		return input, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	server.Listen()
	if _, err := client.Register("noop", nil); err != nil {
		t.Fatalf("client Register: %v", err)
	}

	var calls []*rpc.Call
	for i := 0; i < 5; i++ {
		call, err := client.Forward(dest, "noop", []byte{byte(i)})
		if err != nil {
			t.Fatalf("Forward %d: %v", i, err)
		}
		calls = append(calls, call)
	}

	resolved, err := client.WaitAll(calls, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if resolved != len(calls) {
		t.Fatalf("resolved = %d, want %d", resolved, len(calls))
	}
	for _, c := range calls {
		client.Free(c)
	}
}

func TestDescribeListsRegisteredProcedures(t *testing.T) {
	client, _, _, _ := pair(t)
	if _, err := client.Register("alpha", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Register("beta", nil); err != nil {
		t.Fatal(err)
	}

	names := client.Describe()
	if len(names) != 2 {
		t.Fatalf("Describe() = %v, want 2 entries", names)
	}
}
