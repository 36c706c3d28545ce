package rpc

import (
	"time"

	"github.com/sandia-hpc/rpcna/pkg/bulk"
	"github.com/sandia-hpc/rpcna/pkg/header"
	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/procbuf"
	"github.com/sandia-hpc/rpcna/pkg/rpclog"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// overflowFetchTimeout bounds how long the server waits to pull an
// oversized request's tail through the bulk layer before giving up on it.
const overflowFetchTimeout = 10 * time.Second

// Listen starts (idempotently) the standing unexpected-receive loop that
// treats every incoming unexpected message on this Registry's Context as
// an RPC request. Call it once per server process before its peers start
// forwarding to it.
func (r *Registry) Listen() {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.listening {
		return
	}
	r.listening = true
	r.postRecv()
}

func (r *Registry) postRecv() {
	buf := make([]byte, r.cls.MsgGetMaxUnexpectedSize())
	_, err := r.cls.MsgRecvUnexpected(r.ctx, func(info *na.CBInfo) {
		frameBytes := append([]byte(nil), buf[:info.ActualSize]...)
		src := info.Source
		tag := info.Tag

		// repost immediately so the next request isn't missed while
		// this one is (possibly slowly) handled
		r.postRecv()

		go r.handleRequest(src, tag, frameBytes)
	}, buf)
	if err != nil {
		rpclog.Error("rpc: postRecv: %v", err)
	}
}

func (r *Registry) handleRequest(src na.Addr, tag na.Tag, frameBytes []byte) {
	extraSize := int(r.cls.MemHandleGetSerializeSize())
	h, inlineBody, err := header.DecodeRequest(frameBytes, extraSize)
	if err != nil {
		rpclog.Error("rpc: dropping malformed request from %s: %v", src, err)
		return
	}

	argProc := procbuf.NewProc(inlineBody, procbuf.Decode)
	if h.Flags&header.FlagHasExtraBulk != 0 {
		overflow, err := r.fetchOverflow(src, h.ExtraBulkHandle)
		if err != nil {
			r.respond(src, tag, rpcstatus.PROTOCOL_ERROR, nil)
			return
		}
		argProc.SetExtraBuf(overflow)
		argProc.SetExtraBufIsMine(true)
	}

	var fullBody []byte
	if err := procbuf.ProcBytes(argProc, &fullBody); err != nil {
		rpclog.Error("rpc: decoding request from %s (tag %d): %v", src, tag, err)
		r.respond(src, tag, rpcstatus.PROTOCOL_ERROR, nil)
		return
	}
	if rpclog.WillLog(rpclog.DEBUG) {
		rpclog.Debug("rpc: decoded request from %s (tag %d), proc checksum %x", src, tag, argProc.Flush())
	}

	proc, ok := r.lookup(h.ProcedureID)
	if !ok {
		r.respond(src, tag, rpcstatus.NO_MATCH, nil)
		return
	}

	output, err := proc.handler(fullBody)
	if err != nil {
		r.respond(src, tag, rpcstatus.CodeOf(err), nil)
		return
	}
	r.respond(src, tag, rpcstatus.SUCCESS, output)
}

// fetchOverflow pulls a request's overflow tail from src via a bulk Get
// against the handle it advertised in its extra bulk field.
func (r *Registry) fetchOverflow(src na.Addr, serialized []byte) ([]byte, error) {
	remote, err := bulk.Deserialize(r.cls, serialized)
	if err != nil {
		return nil, err
	}

	overflow := make([]byte, remote.Size())
	local, err := bulk.Create(r.cls, overflow, na.ReadWrite)
	if err != nil {
		return nil, err
	}
	defer local.Free()

	sess := bulk.NewSession(r.cls, r.ctx, bulk.Get, local, remote, src, remote.Size(), 0)
	if err := sess.Start(); err != nil {
		return nil, err
	}
	if err := sess.Wait(overflowFetchTimeout); err != nil {
		return nil, err
	}
	return overflow, nil
}

// respond encodes output through a procbuf.Proc and sends it back as an
// expected message. Responses carry no extra-bulk-handle field -- an
// output that doesn't fit alongside the header in one expected message is
// reported back as SIZE_ERROR rather than silently falling back to a
// bulk transfer the response header has no room to describe.
func (r *Registry) respond(dest na.Addr, tag na.Tag, code rpcstatus.Code, output []byte) {
	maxExpected := r.cls.MsgGetMaxExpectedSize()
	fixedCap := int64(maxExpected) - int64(header.ResponseHeaderSize)
	if fixedCap < 0 {
		fixedCap = 0
	}

	proc := procbuf.NewProc(make([]byte, fixedCap), procbuf.Encode)
	if err := procbuf.ProcBytes(proc, &output); err != nil {
		rpclog.Error("rpc: encoding response to %s (tag %d): %v", dest, tag, err)
		return
	}

	if proc.Overflowed() {
		rpclog.Error("rpc: response to %s (tag %d) exceeds MsgGetMaxExpectedSize, reporting SIZE_ERROR", dest, tag)
		code = rpcstatus.SIZE_ERROR
		resp := &header.Response{ReturnCode: int32(code)}
		frame := header.EncodeResponse(resp, nil)
		if _, err := r.cls.MsgSendExpected(r.ctx, func(*na.CBInfo) {}, frame, dest, tag); err != nil {
			rpclog.Error("rpc: failed responding to %s (tag %d): %v", dest, tag, err)
		}
		return
	}

	resp := &header.Response{ReturnCode: int32(code)}
	body := proc.Buf()[:proc.BytesUsed()]
	frame := header.EncodeResponse(resp, body)
	if _, err := r.cls.MsgSendExpected(r.ctx, func(*na.CBInfo) {}, frame, dest, tag); err != nil {
		rpclog.Error("rpc: failed responding to %s (tag %d): %v", dest, tag, err)
	}
}
