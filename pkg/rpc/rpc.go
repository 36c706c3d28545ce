// Package rpc is the request engine: Register associates a procedure name
// with a handler, Forward sends a request and returns immediately with a
// Call, and Wait/WaitAll/Free resolve and release it. It is grounded on
// mercury.c's HG_Register/HG_Forward/HG_Wait/HG_Wait_all/HG_Request_free
// state machine, with tag generation and the overflow/bulk-handle path
// for oversized requests carried over exactly as described there, and on
// ron's integer-ID-correlated command/response pattern for the in-flight
// call table.
package rpc

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/requtil"
	"github.com/sandia-hpc/rpcna/pkg/rpclog"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// Handler executes a registered procedure against its full (overflow-
// reassembled) input and returns the bytes to send back as output. A
// non-nil error's rpcstatus.Code becomes the response's return code;
// returning a bare error defaults to rpcstatus.FAIL.
type Handler func(input []byte) ([]byte, error)

type procedure struct {
	id      uint32
	name    string
	handler Handler
}

// Registry is one RPC endpoint: a procedure table plus, once Listen is
// called, a standing unexpected-receive loop that dispatches incoming
// requests to registered handlers. The same Registry is used to originate
// calls with Forward.
type Registry struct {
	cls na.Class
	ctx *na.Context

	mu     sync.RWMutex
	byID   map[uint32]*procedure
	byName map[string]uint32

	tag    uint32
	maxTag uint32

	callsMu sync.Mutex
	calls   map[uint32]*Call

	reqClass *requtil.Class

	listenMu  sync.Mutex
	listening bool
}

// NewRegistry builds a Registry against an already-Initialize'd Class and
// one of its Contexts.
func NewRegistry(cls na.Class, ctx *na.Context) *Registry {
	return &Registry{
		cls:    cls,
		ctx:    ctx,
		byID:   make(map[uint32]*procedure),
		byName: make(map[string]uint32),
		calls:  make(map[uint32]*Call),
		maxTag: uint32(cls.MsgGetMaxTag()),
		reqClass: requtil.NewClass(
			func(timeout time.Duration) error { return cls.Progress(ctx, timeout) },
			func(max int) int { return ctx.Trigger(max) },
			20*time.Millisecond,
		),
	}
}

// ProcedureID derives a procedure's wire ID from its name, so client and
// server agree on the ID without an out-of-band registration step. Mirrors
// hg_proc_info's use of a name hash in place of a negotiated integer ID.
func ProcedureID(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// Register adds name to the procedure table, keyed by ProcedureID(name).
// Registering the same name twice is an error; registering two names that
// collide on their derived ID is also an error.
func (r *Registry) Register(name string, h Handler) (uint32, error) {
	id := ProcedureID(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return 0, rpcstatus.Wrap("rpc.Register", rpcstatus.PROTOCOL_ERROR, fmt.Errorf("%q already registered", name))
	}
	if existing, ok := r.byID[id]; ok {
		return 0, rpcstatus.Wrap("rpc.Register", rpcstatus.PROTOCOL_ERROR, fmt.Errorf("id collision between %q and %q", name, existing.name))
	}

	r.byID[id] = &procedure{id: id, name: name, handler: h}
	r.byName[name] = id
	return id, nil
}

// Registered reports the procedure ID registered under name, if any.
func (r *Registry) Registered(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *Registry) lookup(id uint32) (*procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Describe lists every registered procedure name, for introspection. The
// order of the names is not defined.
func (r *Registry) Describe() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// nextTag returns the next request tag, wrapping past the transport's
// maximum tag back to 0, using compare-and-swap so concurrent Forward
// calls never hand out the same tag. Mirrors hg_gen_request_tag's
// lollipop counter exactly, including the wrap target: incrementing past
// maxTag yields 0, not 1.
func (r *Registry) nextTag() uint32 {
	for {
		cur := atomic.LoadUint32(&r.tag)
		next := cur + 1
		if next > r.maxTag {
			next = 0
		}
		if atomic.CompareAndSwapUint32(&r.tag, cur, next) {
			return next
		}
	}
}

func (r *Registry) registerCall(c *Call) {
	r.callsMu.Lock()
	r.calls[c.tag] = c
	r.callsMu.Unlock()
}

func (r *Registry) forgetCall(tag uint32) {
	r.callsMu.Lock()
	delete(r.calls, tag)
	r.callsMu.Unlock()
}

func (r *Registry) logf(format string, args ...interface{}) {
	if rpclog.WillLog(rpclog.DEBUG) {
		rpclog.Debug(format, args...)
	}
}
