package rpc

import (
	"fmt"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/bulk"
	"github.com/sandia-hpc/rpcna/pkg/header"
	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/procbuf"
	"github.com/sandia-hpc/rpcna/pkg/requtil"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// Call is the client-side handle to one in-flight (or completed) request,
// returned by Forward. It carries two futures, mirroring the two
// independently-completing halves of a forwarded request: sendDone
// resolves once the unexpected request message itself has gone out,
// recvDone once the matching response has arrived. Wait (and WaitAll)
// require both to resolve before reporting success. Free releases any
// resources the call is still holding (an overflow bulk handle, its table
// entry) and must be called exactly once per Call.
type Call struct {
	registry *Registry
	tag      uint32
	dest     na.Addr
	procName string

	sendDone *requtil.Future
	recvDone *requtil.Future

	returnCode rpcstatus.Code
	output     []byte

	overflowHandle *bulk.Handle
	sendProc       *procbuf.Proc
}

// ReturnCode reports the response's status code. Valid only after Wait
// returns successfully.
func (c *Call) ReturnCode() rpcstatus.Code { return c.returnCode }

// Output returns the response body. Valid only after Wait returns
// successfully.
func (c *Call) Output() []byte { return c.output }

// Forward sends a request for procName to dest and returns immediately; it
// does not block for the response. The arguments are marshaled through a
// procbuf.Proc: as much as fits alongside the header in one unexpected
// message travels in the Proc's fixed buffer, and anything that overflows
// is registered as a bulk region and referenced by an extra bulk handle in
// the request header, exactly as flagged by FlagHasExtraBulk.
func (r *Registry) Forward(dest na.Addr, procName string, input []byte) (*Call, error) {
	procID, ok := r.Registered(procName)
	if !ok {
		return nil, rpcstatus.Wrap("rpc.Forward", rpcstatus.NO_MATCH, fmt.Errorf("unknown procedure %q", procName))
	}

	tag := r.nextTag()
	call := &Call{
		registry: r,
		tag:      tag,
		dest:     dest,
		procName: procName,
		sendDone: r.reqClass.NewFuture(),
		recvDone: r.reqClass.NewFuture(),
	}

	respBuf := make([]byte, r.cls.MsgGetMaxExpectedSize())
	if _, err := r.cls.MsgRecvExpected(r.ctx, func(info *na.CBInfo) {
		r.completeCall(call, respBuf[:info.ActualSize])
	}, respBuf, dest, na.Tag(tag)); err != nil {
		return nil, rpcstatus.Wrap("rpc.Forward", rpcstatus.FAIL, err)
	}

	reqHeader, reqBody, extraHandle, proc, err := r.buildRequest(procID, input)
	if err != nil {
		return nil, err
	}
	call.overflowHandle = extraHandle
	call.sendProc = proc

	extraSize := int(r.cls.MemHandleGetSerializeSize())
	frame := header.EncodeRequest(reqHeader, extraSize, reqBody)
	if _, err := r.cls.MsgSendUnexpected(r.ctx, func(info *na.CBInfo) {
		call.sendDone.Complete(info.Err)
	}, frame, dest, na.Tag(tag)); err != nil {
		return nil, rpcstatus.Wrap("rpc.Forward", rpcstatus.FAIL, err)
	}

	r.registerCall(call)
	r.logf("rpc: forwarded %s (tag %d) to %s, %d bytes inline, overflowed=%v", procName, tag, dest, len(reqBody), proc.Overflowed())
	return call, nil
}

// buildRequest encodes input through a procbuf.Proc sized to fit alongside
// the request header in one unexpected message. Whatever overflows the
// Proc's fixed buffer is registered as a bulk region and its ownership
// taken over from the Proc (SetExtraBufIsMine), mirroring hg_proc's
// extra_send_buf handoff.
func (r *Registry) buildRequest(procID uint32, input []byte) (*header.Request, []byte, *bulk.Handle, *procbuf.Proc, error) {
	maxUnexpected := r.cls.MsgGetMaxUnexpectedSize()
	extraSize := int(r.cls.MemHandleGetSerializeSize())
	headerSize := header.RequestHeaderSize(extraSize)

	fixedCap := int64(maxUnexpected) - int64(headerSize)
	if fixedCap < 0 {
		fixedCap = 0
	}

	proc := procbuf.NewProc(make([]byte, fixedCap), procbuf.Encode)
	if err := procbuf.ProcBytes(proc, &input); err != nil {
		return nil, nil, nil, nil, rpcstatus.Wrap("rpc.buildRequest", rpcstatus.FAIL, err)
	}

	inline := proc.Buf()[:proc.BytesUsed()]

	h := &header.Request{
		ProtocolVersion: header.ProtocolVersion,
		ProcedureID:     procID,
		ExtraBulkHandle: make([]byte, extraSize),
	}

	if !proc.Overflowed() {
		return h, inline, nil, proc, nil
	}

	proc.SetExtraBufIsMine(true)
	handle, err := bulk.Create(r.cls, proc.ExtraBuf(), na.ReadOnly)
	if err != nil {
		return nil, nil, nil, nil, rpcstatus.Wrap("rpc.buildRequest", rpcstatus.NOMEM_ERROR, err)
	}
	ser, err := handle.Serialize()
	if err != nil {
		handle.Free()
		return nil, nil, nil, nil, rpcstatus.Wrap("rpc.buildRequest", rpcstatus.FAIL, err)
	}
	if len(ser) != extraSize {
		handle.Free()
		return nil, nil, nil, nil, rpcstatus.Wrap("rpc.buildRequest", rpcstatus.SIZE_ERROR, fmt.Errorf("serialized handle is %d bytes, want %d", len(ser), extraSize))
	}

	h.Flags = header.FlagHasExtraBulk
	h.ExtraBulkHandle = ser
	return h, inline, handle, proc, nil
}

func (r *Registry) completeCall(call *Call, frameBytes []byte) {
	resp, body, err := header.DecodeResponse(frameBytes)
	if err != nil {
		call.recvDone.Complete(rpcstatus.Wrap("rpc.completeCall", rpcstatus.PROTOCOL_ERROR, err))
		return
	}
	call.returnCode = rpcstatus.Code(resp.ReturnCode)

	proc := procbuf.NewProc(body, procbuf.Decode)
	var output []byte
	if err := procbuf.ProcBytes(proc, &output); err != nil {
		call.recvDone.Complete(rpcstatus.Wrap("rpc.completeCall", rpcstatus.PROTOCOL_ERROR, err))
		return
	}
	call.output = output

	var ferr error
	if call.returnCode != rpcstatus.SUCCESS {
		ferr = rpcstatus.Wrap("rpc."+call.procName, call.returnCode, nil)
	}
	call.recvDone.Complete(ferr)
}

// Wait blocks until call's request has gone out and its response has
// arrived -- both sendDone and recvDone must resolve -- or timeout elapses.
func (r *Registry) Wait(call *Call, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if err := call.sendDone.Wait(timeout); err != nil {
		return err
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return call.recvDone.Wait(remaining)
}

// WaitAll blocks until every call in calls has resolved (both its sendDone
// and recvDone) or the shared timeout budget elapses (the budget is not
// restarted per call), returning how many calls actually resolved and the
// first non-timeout error seen.
func (r *Registry) WaitAll(calls []*Call, timeout time.Duration) (int, error) {
	futures := make([]*requtil.Future, 0, 2*len(calls))
	for _, c := range calls {
		futures = append(futures, c.sendDone, c.recvDone)
	}
	_, waitErr := requtil.WaitAll(futures, timeout)

	resolved := 0
	var firstErr error
	for _, c := range calls {
		sentOK, sErr := c.sendDone.TryWait()
		recvOK, rErr := c.recvDone.TryWait()
		if !sentOK || !recvOK {
			continue
		}
		resolved++
		if firstErr == nil {
			if sErr != nil {
				firstErr = sErr
			} else if rErr != nil {
				firstErr = rErr
			}
		}
	}
	if firstErr == nil {
		firstErr = waitErr
	}
	return resolved, firstErr
}

// Free releases call's resources. Call it once, after Wait returns (or
// after giving up on it) -- mirrors HG_Request_free. A call that registered
// an overflow bulk handle must have transferred ownership of its Proc's
// extra buffer (SetExtraBufIsMine) during Forward; Free refuses to guess
// and reports a protocol error if that handoff never happened.
func (r *Registry) Free(call *Call) error {
	r.forgetCall(call.tag)
	if call.overflowHandle == nil {
		return nil
	}
	if call.sendProc == nil || !call.sendProc.ExtraBufIsMine() {
		return rpcstatus.Wrap("rpc.Free", rpcstatus.PROTOCOL_ERROR, fmt.Errorf("overflow handle present without transferred ownership"))
	}
	return call.overflowHandle.Free()
}
