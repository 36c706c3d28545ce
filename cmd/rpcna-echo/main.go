// Command rpcna-echo is a minimal demonstration server/client exercising
// the full stack: register a procedure, listen for forwards, or forward
// one and print the response. Run one instance with -listen, then another
// with -connect pointing at it.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/na"
	_ "github.com/sandia-hpc/rpcna/pkg/na/tcp"
	"github.com/sandia-hpc/rpcna/pkg/rpc"
	"github.com/sandia-hpc/rpcna/pkg/rpclog"
)

var (
	fListen   = flag.String("listen", "", "address to listen on, e.g. 0.0.0.0:4433")
	fConnect  = flag.String("connect", "", "address of a running rpcna-echo to talk to")
	fMessage  = flag.String("message", "hello from rpcna-echo", "message body to send with -connect")
	fProtocol = flag.String("protocol", "tcp", "na protocol to use")
	fTimeout  = flag.Duration("timeout", 5*time.Second, "how long to wait for a response")
)

const procName = "rpcna-echo.v1"

func echoHandler(input []byte) ([]byte, error) {
	out := make([]byte, len(input))
	for i, b := range input {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return out, nil
}

func main() {
	flag.Parse()
	if err := rpclog.Init(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *fListen == "" && *fConnect == "" {
		fmt.Fprintln(os.Stderr, "usage: rpcna-echo -listen ADDR | -connect ADDR")
		os.Exit(2)
	}

	cls, err := na.NewClass(*fProtocol)
	if err != nil {
		rpclog.Fatal("na.NewClass: %v", err)
	}

	opts := na.Options{Listen: *fListen}
	if err := cls.Initialize(opts); err != nil {
		rpclog.Fatal("Initialize: %v", err)
	}
	defer cls.Finalize()

	ctx, err := cls.ContextCreate()
	if err != nil {
		rpclog.Fatal("ContextCreate: %v", err)
	}

	registry := rpc.NewRegistry(cls, ctx)
	if _, err := registry.Register(procName, echoHandler); err != nil {
		rpclog.Fatal("Register: %v", err)
	}

	if *fListen != "" {
		registry.Listen()
		rpclog.Info("listening on %s", cls.AddrSelf())
		runLoop(cls, ctx, nil)
		return
	}

	dest, err := cls.AddrLookup(ctx, *fConnect)
	if err != nil {
		rpclog.Fatal("AddrLookup: %v", err)
	}

	done := make(chan struct{})
	go runLoop(cls, ctx, done)

	call, err := registry.Forward(dest, procName, []byte(*fMessage))
	if err != nil {
		rpclog.Fatal("Forward: %v", err)
	}

	if err := registry.Wait(call, *fTimeout); err != nil {
		rpclog.Fatal("Wait: %v", err)
	}
	fmt.Println(string(call.Output()))
	registry.Free(call)
	close(done)
}

// runLoop drives Progress/Trigger until stop is closed (or forever, for a
// server, when stop is nil).
func runLoop(cls na.Class, ctx *na.Context, stop <-chan struct{}) {
	for {
		if stop != nil {
			select {
			case <-stop:
				return
			default:
			}
		}
		cls.Progress(ctx, 100*time.Millisecond)
		ctx.Trigger(0)
	}
}
