// Package tcp implements na.Class over plain TCP connections: two-sided
// short messages plus simulated one-sided put/get against a registered
// handle table. It is grounded on the connection-management idiom used
// throughout the meshage package (one goroutine per net.Conn decoding a
// framed stream, completions delivered off that goroutine) and on the
// connection/operation structures of the reference na_cci plugin.
package tcp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/rpclog"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

const (
	maxUnexpectedSize = 4096
	maxExpectedSize   = 1 << 20
	maxTag            = na.Tag(0x7fffffff)
)

func init() {
	na.Register("tcp", func() na.Class { return New() })
}

// New constructs an uninitialized tcp Class. Most callers should go
// through na.NewClass("tcp") instead, as cmd/rpcna-echo and
// cmd/rpcna-console do; New is called directly by this module's tests.
func New() na.Class { return &tcpClass{} }

type tcpClass struct {
	mu          sync.Mutex
	initialized bool
	listener    net.Listener
	stop        chan struct{}
	wg          sync.WaitGroup

	self *addr

	addrsMu sync.Mutex
	addrs   map[string]*addr

	unexpected *unexpectedQueue
	handles    *handleTable

	ctxMu sync.Mutex
	ctx   *na.Context

	nextSeq uint32
	getsMu  sync.Mutex
	gets    map[uint32]chan *frame
}

func (c *tcpClass) CheckProtocol(name string) bool { return name == "tcp" }

func (c *tcpClass) Initialize(opts na.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return rpcstatus.Wrap("tcp.Initialize", rpcstatus.PROTOCOL_ERROR, fmt.Errorf("already initialized"))
	}

	c.addrs = make(map[string]*addr)
	c.unexpected = newUnexpectedQueue()
	c.handles = newHandleTable()
	c.gets = make(map[uint32]chan *frame)
	c.stop = make(chan struct{})
	c.self = &addr{raddr: "self", self: true}

	if opts.Listen != "" {
		l, err := net.Listen("tcp", opts.Listen)
		if err != nil {
			return rpcstatus.Wrap("tcp.Initialize", rpcstatus.FAIL, err)
		}
		c.listener = l
		c.self.raddr = l.Addr().String()

		c.wg.Add(1)
		go c.acceptLoop(l)
	}

	c.initialized = true
	return nil
}

func (c *tcpClass) acceptLoop(l net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
				rpclog.Error("tcp: accept: %v", err)
				return
			}
		}

		a := newAddr(c, conn, conn.RemoteAddr().String())
		a.unowned = true

		c.addrsMu.Lock()
		c.addrs[a.raddr] = a
		c.addrsMu.Unlock()

		c.wg.Add(1)
		go c.readLoop(a)
	}
}

func (c *tcpClass) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}
	close(c.stop)
	if c.listener != nil {
		c.listener.Close()
	}

	c.addrsMu.Lock()
	for _, a := range c.addrs {
		a.conn.Close()
	}
	c.addrsMu.Unlock()

	c.wg.Wait()
	c.initialized = false
	return nil
}

func (c *tcpClass) ContextCreate() (*na.Context, error) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	if c.ctx == nil {
		c.ctx = na.NewContext()
	}
	return c.ctx, nil
}

func (c *tcpClass) ContextDestroy(ctx *na.Context) error {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	if c.ctx == ctx {
		c.ctx = nil
	}
	return nil
}

// readLoop is the one goroutine per connection that owns all reads. It
// dispatches each decoded frame to the right matcher and, for RDMA frames,
// to the local handle table.
func (c *tcpClass) readLoop(a *addr) {
	defer c.wg.Done()
	defer func() {
		a.conn.Close()
		c.addrsMu.Lock()
		delete(c.addrs, a.raddr)
		c.addrsMu.Unlock()
	}()

	for {
		f, err := readFrame(a.conn)
		if err != nil {
			if err != io.EOF {
				rpclog.Debug("tcp: %v: read: %v", a.raddr, err)
			}
			return
		}

		switch f.kind {
		case frameUnexpected:
			c.unexpected.deliver(f, a)
		case frameExpected:
			a.deliverExpected(f)
		case framePutData:
			c.applyPut(f)
		case frameGetReq:
			c.serveGet(a, f)
		case frameGetResp:
			c.resolveGet(f)
		}
	}
}

func (c *tcpClass) applyPut(f *frame) {
	h, ok := c.handles.lookup(uint64(f.tagOrID))
	if !ok || h.buf == nil {
		rpclog.Error("tcp: put to unknown handle %d", f.tagOrID)
		return
	}
	if f.offset+uint64(len(f.payload)) > uint64(len(h.buf)) {
		rpclog.Error("tcp: put out of bounds on handle %d", f.tagOrID)
		return
	}
	copy(h.buf[f.offset:], f.payload)
}

func (c *tcpClass) serveGet(a *addr, req *frame) {
	h, ok := c.handles.lookup(uint64(req.tagOrID))
	var payload []byte
	if ok && h.buf != nil && req.offset+uint64(req.length) <= uint64(len(h.buf)) {
		payload = make([]byte, req.length)
		copy(payload, h.buf[req.offset:req.offset+uint64(req.length)])
	}
	a.writeFrame(&frame{kind: frameGetResp, tagOrID: req.tagOrID, seq: req.seq, payload: payload})
}

func (c *tcpClass) resolveGet(resp *frame) {
	c.getsMu.Lock()
	ch, ok := c.gets[resp.seq]
	if ok {
		delete(c.gets, resp.seq)
	}
	c.getsMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *tcpClass) dial(target string) (*addr, error) {
	c.addrsMu.Lock()
	if a, ok := c.addrs[target]; ok {
		c.addrsMu.Unlock()
		return a, nil
	}
	c.addrsMu.Unlock()

	conn, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		return nil, rpcstatus.Wrap("tcp.dial", rpcstatus.FAIL, err)
	}

	a := newAddr(c, conn, target)

	c.addrsMu.Lock()
	c.addrs[target] = a
	c.addrsMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(a)

	return a, nil
}

func (c *tcpClass) AddrLookup(ctx *na.Context, name string) (na.Addr, error) {
	host, port, err := splitHostPort(name)
	if err != nil {
		return nil, rpcstatus.Wrap("tcp.AddrLookup", rpcstatus.INVALID_PARAM, err)
	}
	ip, err := resolveHost(host)
	if err != nil {
		return nil, rpcstatus.Wrap("tcp.AddrLookup", rpcstatus.NO_MATCH, err)
	}
	target := net.JoinHostPort(ip, port)

	a, err := c.dial(target)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (c *tcpClass) AddrFree(a na.Addr) error {
	aa, ok := a.(*addr)
	if !ok || aa.self {
		return nil
	}
	c.addrsMu.Lock()
	delete(c.addrs, aa.raddr)
	c.addrsMu.Unlock()
	return aa.conn.Close()
}

func (c *tcpClass) AddrSelf() na.Addr { return c.self }

func (c *tcpClass) AddrIsSelf(a na.Addr) bool {
	aa, ok := a.(*addr)
	return ok && aa.self
}

func (c *tcpClass) AddrToString(a na.Addr) string { return a.String() }

func (c *tcpClass) MsgGetMaxExpectedSize() uint64   { return maxExpectedSize }
func (c *tcpClass) MsgGetMaxUnexpectedSize() uint64 { return maxUnexpectedSize }
func (c *tcpClass) MsgGetMaxTag() na.Tag            { return maxTag }

func (c *tcpClass) addrOf(a na.Addr) (*addr, error) {
	aa, ok := a.(*addr)
	if !ok {
		return nil, rpcstatus.Wrap("tcp", rpcstatus.INVALID_PARAM, fmt.Errorf("addr not from this class"))
	}
	return aa, nil
}

func (c *tcpClass) MsgSendUnexpected(ctx *na.Context, cb na.Callback, buf []byte, dest na.Addr, tag na.Tag) (na.OpID, error) {
	aa, err := c.addrOf(dest)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) > maxUnexpectedSize {
		return nil, rpcstatus.Wrap("tcp.MsgSendUnexpected", rpcstatus.SIZE_ERROR, nil)
	}

	op := newOpID(na.CBSendUnexpected)
	f := &frame{kind: frameUnexpected, tagOrID: tagWord(uint32(tag), false), payload: buf}
	if err := aa.writeFrame(f); err != nil {
		return nil, rpcstatus.Wrap("tcp.MsgSendUnexpected", rpcstatus.FAIL, err)
	}
	op.markDone()
	ctx.Push(op, cb, &na.CBInfo{Type: na.CBSendUnexpected, ActualSize: uint64(len(buf))})
	return op, nil
}

func (c *tcpClass) MsgRecvUnexpected(ctx *na.Context, cb na.Callback, buf []byte) (na.OpID, error) {
	op := newOpID(na.CBRecvUnexpected)
	post := &unexpectedPost{ctx: ctx, cb: cb, op: op, buf: buf}
	op.cancel = func() bool {
		if !c.unexpected.unpost(post) {
			return false
		}
		op.markDone()
		ctx.Push(op, cb, &na.CBInfo{Type: na.CBRecvUnexpected, Err: rpcstatus.Wrap("tcp", rpcstatus.FAIL, fmt.Errorf("cancelled"))})
		return true
	}
	c.unexpected.post(post)
	return op, nil
}

func (c *tcpClass) MsgSendExpected(ctx *na.Context, cb na.Callback, buf []byte, dest na.Addr, tag na.Tag) (na.OpID, error) {
	aa, err := c.addrOf(dest)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) > maxExpectedSize {
		return nil, rpcstatus.Wrap("tcp.MsgSendExpected", rpcstatus.SIZE_ERROR, nil)
	}

	op := newOpID(na.CBSendExpected)
	f := &frame{kind: frameExpected, tagOrID: tagWord(uint32(tag), true), payload: buf}
	if err := aa.writeFrame(f); err != nil {
		return nil, rpcstatus.Wrap("tcp.MsgSendExpected", rpcstatus.FAIL, err)
	}
	op.markDone()
	ctx.Push(op, cb, &na.CBInfo{Type: na.CBSendExpected, ActualSize: uint64(len(buf))})
	return op, nil
}

func (c *tcpClass) MsgRecvExpected(ctx *na.Context, cb na.Callback, buf []byte, src na.Addr, tag na.Tag) (na.OpID, error) {
	aa, err := c.addrOf(src)
	if err != nil {
		return nil, err
	}
	op := newOpID(na.CBRecvExpected)
	pr := &pendingRecv{ctx: ctx, cb: cb, op: op, buf: buf}
	op.cancel = func() bool {
		if !aa.unpostExpected(uint32(tag)) {
			return false
		}
		op.markDone()
		ctx.Push(op, cb, &na.CBInfo{Type: na.CBRecvExpected, Err: rpcstatus.Wrap("tcp", rpcstatus.FAIL, fmt.Errorf("cancelled"))})
		return true
	}
	aa.postExpected(uint32(tag), pr)
	return op, nil
}

func (c *tcpClass) MemHandleCreate(buf []byte, access na.AccessMode) (na.MemHandle, error) {
	return c.handles.create(buf, access), nil
}

func (c *tcpClass) MemHandleFree(h na.MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return rpcstatus.Wrap("tcp.MemHandleFree", rpcstatus.INVALID_PARAM, nil)
	}
	c.handles.deregister(mh)
	return nil
}

func (c *tcpClass) MemHandleRegister(h na.MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return rpcstatus.Wrap("tcp.MemHandleRegister", rpcstatus.INVALID_PARAM, nil)
	}
	c.handles.register(mh)
	return nil
}

func (c *tcpClass) MemHandleDeregister(h na.MemHandle) error {
	return c.MemHandleFree(h)
}

func (c *tcpClass) MemHandleGetSerializeSize() uint64 { return serializedHandleSize }

func (c *tcpClass) MemHandleSerialize(h na.MemHandle) ([]byte, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		return nil, rpcstatus.Wrap("tcp.MemHandleSerialize", rpcstatus.INVALID_PARAM, nil)
	}
	return serializeHandle(mh), nil
}

func (c *tcpClass) MemHandleDeserialize(data []byte) (na.MemHandle, error) {
	mh, err := deserializeHandle(data)
	if err != nil {
		return nil, rpcstatus.Wrap("tcp.MemHandleDeserialize", rpcstatus.SIZE_ERROR, err)
	}
	return mh, nil
}

func (c *tcpClass) Put(ctx *na.Context, cb na.Callback, local na.MemHandle, localOffset uint64, remote na.MemHandle, remoteOffset uint64, length uint64, dest na.Addr) (na.OpID, error) {
	aa, err := c.addrOf(dest)
	if err != nil {
		return nil, err
	}
	lh, ok := local.(*memHandle)
	if !ok || lh.buf == nil || localOffset+length > uint64(len(lh.buf)) {
		return nil, rpcstatus.Wrap("tcp.Put", rpcstatus.INVALID_PARAM, nil)
	}
	rh, ok := remote.(*memHandle)
	if !ok {
		return nil, rpcstatus.Wrap("tcp.Put", rpcstatus.INVALID_PARAM, nil)
	}
	if rh.access != na.ReadWrite {
		return nil, rpcstatus.Wrap("tcp.Put", rpcstatus.PERMISSION_ERROR, fmt.Errorf("remote handle is read-only"))
	}

	payload := make([]byte, length)
	copy(payload, lh.buf[localOffset:localOffset+length])

	op := newOpID(na.CBPut)
	f := &frame{kind: framePutData, tagOrID: uint32(rh.id), offset: remoteOffset, payload: payload}
	if err := aa.writeFrame(f); err != nil {
		return nil, rpcstatus.Wrap("tcp.Put", rpcstatus.FAIL, err)
	}
	op.markDone()
	ctx.Push(op, cb, &na.CBInfo{Type: na.CBPut, ActualSize: length})
	return op, nil
}

func (c *tcpClass) Get(ctx *na.Context, cb na.Callback, local na.MemHandle, localOffset uint64, remote na.MemHandle, remoteOffset uint64, length uint64, src na.Addr) (na.OpID, error) {
	aa, err := c.addrOf(src)
	if err != nil {
		return nil, err
	}
	lh, ok := local.(*memHandle)
	if !ok || lh.buf == nil || lh.access != na.ReadWrite || localOffset+length > uint64(len(lh.buf)) {
		return nil, rpcstatus.Wrap("tcp.Get", rpcstatus.INVALID_PARAM, nil)
	}
	rh, ok := remote.(*memHandle)
	if !ok {
		return nil, rpcstatus.Wrap("tcp.Get", rpcstatus.INVALID_PARAM, nil)
	}

	seq := atomic.AddUint32(&c.nextSeq, 1)
	respCh := make(chan *frame, 1)
	c.getsMu.Lock()
	c.gets[seq] = respCh
	c.getsMu.Unlock()

	req := &frame{kind: frameGetReq, tagOrID: uint32(rh.id), seq: seq, offset: remoteOffset, length: uint32(length)}
	if err := aa.writeFrame(req); err != nil {
		c.getsMu.Lock()
		delete(c.gets, seq)
		c.getsMu.Unlock()
		return nil, rpcstatus.Wrap("tcp.Get", rpcstatus.FAIL, err)
	}

	op := newOpID(na.CBGet)
	go func() {
		resp := <-respCh
		n := copy(lh.buf[localOffset:], resp.payload)
		op.markDone()
		ctx.Push(op, cb, &na.CBInfo{Type: na.CBGet, ActualSize: uint64(n)})
	}()
	return op, nil
}

// Progress waits up to timeout for the context to gain a completion;
// readLoop goroutines, not Progress itself, perform the actual network
// I/O and matching, so Progress here is purely a wait-with-deadline over
// the context's notification channel.
func (c *tcpClass) Progress(ctx *na.Context, timeout time.Duration) error {
	if ctx.Pending() > 0 {
		return nil
	}

	stop := make(chan struct{})
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		ctx.Wait(stop)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-timer.C:
		close(stop)
		return rpcstatus.Wrap("tcp.Progress", rpcstatus.TIMEOUT, nil)
	}
}

func (c *tcpClass) Cancel(id na.OpID) error {
	op, ok := id.(*opID)
	if !ok {
		return rpcstatus.Wrap("tcp.Cancel", rpcstatus.INVALID_PARAM, nil)
	}
	if op.Completed() {
		return rpcstatus.Wrap("tcp.Cancel", rpcstatus.FAIL, fmt.Errorf("already completed"))
	}
	if op.cancel != nil && op.cancel() {
		return nil
	}
	// In-flight sends, put and get are not guaranteed cancellable once
	// written to the socket; same for a receive that matched concurrently
	// with this call.
	return rpcstatus.Wrap("tcp.Cancel", rpcstatus.PROTOCOL_ERROR, fmt.Errorf("operation not cancellable"))
}

var _ na.Class = (*tcpClass)(nil)
