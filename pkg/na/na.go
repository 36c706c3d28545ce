// Package na defines the Network Abstraction: a narrow, capability-oriented
// interface over a connection-oriented, reliable messaging transport that
// exposes two-sided short messages (unexpected/expected) plus one-sided
// put/get against registered memory regions, driven by an explicit
// progress/trigger loop. Concrete transports (see pkg/na/tcp) implement
// Class; pkg/rpc and pkg/bulk are written entirely against this interface.
package na

import (
	"time"

	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// Tag is a 31-bit application correlation value embedded in the message
// framing word. The top bit of the 32-bit wire word is reserved to
// distinguish expected from unexpected traffic; Tag itself never carries
// that bit.
type Tag uint32

// CBType identifies which kind of posted operation a CBInfo reports on.
type CBType int

const (
	CBLookup CBType = iota
	CBSendUnexpected
	CBRecvUnexpected
	CBSendExpected
	CBRecvExpected
	CBPut
	CBGet
)

func (t CBType) String() string {
	switch t {
	case CBLookup:
		return "lookup"
	case CBSendUnexpected:
		return "send_unexpected"
	case CBRecvUnexpected:
		return "recv_unexpected"
	case CBSendExpected:
		return "send_expected"
	case CBRecvExpected:
		return "recv_expected"
	case CBPut:
		return "put"
	case CBGet:
		return "get"
	}
	return "unknown"
}

// CBInfo is handed to a registered Callback when its operation completes.
type CBInfo struct {
	Type CBType
	Err  error

	// ActualSize is the number of payload bytes received or transferred.
	// For a posted receive shorter than the arriving message, ActualSize
	// reports the truncated (delivered) length, not the sender's length.
	ActualSize uint64

	// Source identifies the peer for a completed unexpected receive
	// (unexpected receives are matched process-wide, so the caller only
	// learns the source from the completion, not from the post).
	Source Addr

	// Tag is the matched tag for a completed receive.
	Tag Tag
}

// Callback is invoked by Context.Trigger on the triggering goroutine, never
// from inside Progress. It must not block.
type Callback func(*CBInfo)

// AccessMode controls whether a memory handle may be the target of Put.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

func (a AccessMode) String() string {
	if a == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Addr is an opaque peer identity produced by Class.AddrLookup, by
// Class.AddrSelf, or delivered on an unexpected-receive completion. Addr
// values are only valid against the Class that produced them.
type Addr interface {
	String() string
	IsSelf() bool

	// Unowned reports whether this Addr was synthesized from an
	// unexpected-receive event rather than resolved explicitly; the
	// holder must not free an unowned Addr.
	Unowned() bool
}

// MemHandle describes a registered (or, for a deserialized remote view,
// unregistered) contiguous memory region usable as a Put/Get endpoint.
type MemHandle interface {
	Size() uint64
	Access() AccessMode
}

// OpID identifies one posted send/recv/put/get/lookup operation.
type OpID interface {
	Type() CBType
	Completed() bool
}

// Options configures Class.Initialize.
type Options struct {
	// Listen, if non-empty, is the local address the transport should
	// accept inbound connections on (e.g. "0.0.0.0:0"). Empty means
	// client-only: no listener is created.
	Listen string
}

// Class is the capability set a concrete transport exposes. Every method
// not explicitly documented as blocking is non-blocking with respect to
// network I/O, per the concurrency model: Wait/WaitAll/Progress are the
// only blocking calls in the whole stack.
type Class interface {
	// CheckProtocol reports whether name names this class (e.g. "tcp").
	CheckProtocol(name string) bool

	Initialize(opts Options) error
	Finalize() error

	ContextCreate() (*Context, error)
	ContextDestroy(*Context) error

	AddrLookup(ctx *Context, name string) (Addr, error)
	AddrFree(Addr) error
	AddrSelf() Addr
	AddrIsSelf(Addr) bool
	AddrToString(Addr) string

	MsgGetMaxExpectedSize() uint64
	MsgGetMaxUnexpectedSize() uint64
	MsgGetMaxTag() Tag

	MsgSendUnexpected(ctx *Context, cb Callback, buf []byte, dest Addr, tag Tag) (OpID, error)
	MsgRecvUnexpected(ctx *Context, cb Callback, buf []byte) (OpID, error)
	MsgSendExpected(ctx *Context, cb Callback, buf []byte, dest Addr, tag Tag) (OpID, error)
	MsgRecvExpected(ctx *Context, cb Callback, buf []byte, src Addr, tag Tag) (OpID, error)

	MemHandleCreate(buf []byte, access AccessMode) (MemHandle, error)
	MemHandleFree(MemHandle) error
	MemHandleRegister(MemHandle) error
	MemHandleDeregister(MemHandle) error
	MemHandleGetSerializeSize() uint64
	MemHandleSerialize(MemHandle) ([]byte, error)
	MemHandleDeserialize(data []byte) (MemHandle, error)

	Put(ctx *Context, cb Callback, local MemHandle, localOffset uint64, remote MemHandle, remoteOffset uint64, length uint64, dest Addr) (OpID, error)
	Get(ctx *Context, cb Callback, local MemHandle, localOffset uint64, remote MemHandle, remoteOffset uint64, length uint64, src Addr) (OpID, error)

	// Progress drives the transport for up to timeout so that completed
	// operations reach ctx's completion queue; a transport that pushes
	// completions from its own goroutines (as pkg/na/tcp does) only waits
	// here. It returns nil once ctx holds a completion to trigger and
	// rpcstatus.TIMEOUT if the deadline elapsed with nothing to report.
	Progress(ctx *Context, timeout time.Duration) error

	// Cancel attempts a best-effort abort of a posted-but-not-yet-matched
	// operation. In-flight sends and RDMA are not guaranteed cancellable.
	Cancel(OpID) error
}

// ErrNotInitialized is the FAIL-coded error for an operation attempted
// before Initialize. pkg/na/tcp does not check for initialization and
// never returns it.
var ErrNotInitialized = rpcstatus.Wrap("na", rpcstatus.FAIL, nil)
