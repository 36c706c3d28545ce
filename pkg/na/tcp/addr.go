package tcp

import (
	"net"
	"sync"

	"github.com/sandia-hpc/rpcna/pkg/na"
)

// pendingRecv is a posted-but-not-yet-matched expected receive: everything
// needed to finish it the instant a matching frame shows up, without the
// reader goroutine calling back into the poster.
type pendingRecv struct {
	ctx *na.Context
	cb  na.Callback
	op  *opID
	buf []byte
}

// addr is na.Addr for this transport: one persistent connection plus the
// per-peer expected-message matching state. Matching a posted expected
// receive against an early-arrived frame (or the reverse) must happen
// atomically, so both queues share one mutex -- this is the resolution for
// the post/lookup race flagged against the original design.
type addr struct {
	class *tcpClass
	conn  net.Conn
	raddr string // dial target, or the accepted peer's remote address

	self    bool
	unowned bool

	wmu sync.Mutex // serializes frame writes on conn

	mu     sync.Mutex
	early  map[uint32]*frame       // tag -> frame that beat the matching post
	posted map[uint32]*pendingRecv // tag -> recv waiting for that frame
}

func newAddr(class *tcpClass, conn net.Conn, raddr string) *addr {
	return &addr{
		class:  class,
		conn:   conn,
		raddr:  raddr,
		early:  make(map[uint32]*frame),
		posted: make(map[uint32]*pendingRecv),
	}
}

func (a *addr) String() string { return a.raddr }
func (a *addr) IsSelf() bool   { return a.self }
func (a *addr) Unowned() bool  { return a.unowned }

func (a *addr) writeFrame(f *frame) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return writeFrame(a.conn, f)
}

// postExpected registers pr for tag, completing it inline (via pr.ctx.Push)
// if a matching frame already arrived.
func (a *addr) postExpected(tag uint32, pr *pendingRecv) {
	a.mu.Lock()
	if f, ok := a.early[tag]; ok {
		delete(a.early, tag)
		a.mu.Unlock()
		completeRecv(pr, f, na.CBRecvExpected)
		return
	}
	a.posted[tag] = pr
	a.mu.Unlock()
}

// deliverExpected is called by the connection's reader goroutine when an
// expected frame arrives. It either completes a posted receive or stashes
// the frame in the early queue for a post that hasn't happened yet.
func (a *addr) deliverExpected(f *frame) {
	tag, _ := untagWord(f.tagOrID)

	a.mu.Lock()
	pr, ok := a.posted[tag]
	if ok {
		delete(a.posted, tag)
	} else {
		a.early[tag] = f
	}
	a.mu.Unlock()

	if ok {
		completeRecv(pr, f, na.CBRecvExpected)
	}
}

// unpostExpected removes a previously posted (but not yet matched) receive,
// used by Cancel.
func (a *addr) unpostExpected(tag uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.posted[tag]; ok {
		delete(a.posted, tag)
		return true
	}
	return false
}

// completeRecv copies the arrived payload into the poster's buffer
// (truncating if it's longer than the posted buffer, per the spec's
// truncation rule) and pushes the completion.
func completeRecv(pr *pendingRecv, f *frame, typ na.CBType) {
	n := copy(pr.buf, f.payload)
	tag, _ := untagWord(f.tagOrID)
	pr.op.markDone()
	pr.ctx.Push(pr.op, pr.cb, &na.CBInfo{
		Type:       typ,
		ActualSize: uint64(n),
		Tag:        na.Tag(tag),
	})
}

var _ na.Addr = (*addr)(nil)
