// Command rpcna-console is an interactive REPL for forwarding ad hoc RPCs
// against a running server, in the spirit of pkg/miniclient: a liner
// prompt with history, one command per line, printing whatever the
// procedure returns.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/na/tcp"
	"github.com/sandia-hpc/rpcna/pkg/rpc"
	"github.com/sandia-hpc/rpcna/pkg/rpclog"
)

const historyFile = ".rpcna-console_history"

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFile
	}
	return filepath.Join(home, historyFile)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <server-addr>\n", os.Args[0])
		os.Exit(2)
	}
	target := os.Args[1]

	rpclog.AddLogger("console", os.Stderr, rpclog.WARN, true)

	cls, err := na.NewClass("tcp")
	if err != nil {
		rpclog.Fatal("na.NewClass: %v", err)
	}
	if err := cls.Initialize(na.Options{}); err != nil {
		rpclog.Fatal("Initialize: %v", err)
	}
	defer cls.Finalize()

	ctx, err := cls.ContextCreate()
	if err != nil {
		rpclog.Fatal("ContextCreate: %v", err)
	}

	registry := rpc.NewRegistry(cls, ctx)

	dest, err := cls.AddrLookup(ctx, target)
	if err != nil {
		rpclog.Fatal("AddrLookup %s: %v", target, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cls.Progress(ctx, 100*time.Millisecond)
			ctx.Trigger(0)
		}
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyPath()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath()); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("rpcna-console connected to %s. Commands: call <proc> <message>, timeout <seconds>, stats, quit\n", dest)

	registeredProcs := map[string]bool{}
	timeout := 5 * time.Second

	for {
		text, err := line.Prompt("rpcna> ")
		if err != nil {
			break
		}
		line.AppendHistory(text)

		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return

		case "timeout":
			if len(fields) != 2 {
				fmt.Println("usage: timeout <seconds>")
				continue
			}
			secs, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("not a number:", fields[1])
				continue
			}
			timeout = time.Duration(secs) * time.Second

		case "stats":
			stats, err := tcp.ReadConnStats()
			if err != nil {
				fmt.Println("stats unavailable:", err)
				continue
			}
			fmt.Printf("active=%d passive=%d estab=%d in=%d out=%d retrans=%d\n",
				stats.ActiveOpens, stats.PassiveOpens, stats.CurrEstab,
				stats.InSegs, stats.OutSegs, stats.RetransSegs)

		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <proc> [message...]")
				continue
			}
			proc := fields[1]
			msg := strings.Join(fields[2:], " ")

			if !registeredProcs[proc] {
				if _, err := registry.Register(proc, nil); err != nil {
					fmt.Println("register:", err)
					continue
				}
				registeredProcs[proc] = true
			}

			call, err := registry.Forward(dest, proc, []byte(msg))
			if err != nil {
				fmt.Println("forward:", err)
				continue
			}
			if err := registry.Wait(call, timeout); err != nil {
				fmt.Println("wait:", err)
				registry.Free(call)
				continue
			}
			fmt.Printf("[%s] %s\n", call.ReturnCode(), call.Output())
			registry.Free(call)

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
