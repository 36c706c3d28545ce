package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameKind distinguishes the handful of wire operations this transport
// needs to simulate RDMA semantics over a plain byte stream: two-sided
// short messages plus one-sided put/get against a remote handle table.
type frameKind uint8

const (
	frameUnexpected frameKind = iota
	frameExpected
	framePutData
	frameGetReq
	frameGetResp
)

// expectBit marks bit 31 of the tag word, matching the documented
// {expect:1, tag:31} framing word; the remaining bits carry the tag.
const expectBit uint32 = 1 << 31

func tagWord(tag uint32, expected bool) uint32 {
	if expected {
		return tag | expectBit
	}
	return tag &^ expectBit
}

func untagWord(w uint32) (tag uint32, expected bool) {
	return w &^ expectBit, w&expectBit != 0
}

// frame is the unit exchanged over a connection. tagOrID carries the tag
// word for message frames and the remote handle ID for RDMA frames; offset
// and length address into that handle for put/get. seq correlates a
// frameGetReq with its frameGetResp, since several gets against the same
// handle may be in flight concurrently.
type frame struct {
	kind    frameKind
	tagOrID uint32
	seq     uint32
	offset  uint64
	length  uint32
	payload []byte
}

// writeFrame writes kind, tagOrID, seq, offset, length, the payload's byte
// count, then len(payload) bytes.
func writeFrame(w io.Writer, f *frame) error {
	hdr := make([]byte, 1+4+4+8+4+4)
	hdr[0] = byte(f.kind)
	binary.LittleEndian.PutUint32(hdr[1:5], f.tagOrID)
	binary.LittleEndian.PutUint32(hdr[5:9], f.seq)
	binary.LittleEndian.PutUint64(hdr[9:17], f.offset)
	binary.LittleEndian.PutUint32(hdr[17:21], f.length)
	binary.LittleEndian.PutUint32(hdr[21:25], uint32(len(f.payload)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame is the exact inverse of writeFrame.
func readFrame(r io.Reader) (*frame, error) {
	hdr := make([]byte, 1+4+4+8+4+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	f := &frame{
		kind:    frameKind(hdr[0]),
		tagOrID: binary.LittleEndian.Uint32(hdr[1:5]),
		seq:     binary.LittleEndian.Uint32(hdr[5:9]),
		offset:  binary.LittleEndian.Uint64(hdr[9:17]),
		length:  binary.LittleEndian.Uint32(hdr[17:21]),
	}
	n := binary.LittleEndian.Uint32(hdr[21:25])
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (k frameKind) String() string {
	switch k {
	case frameUnexpected:
		return "unexpected"
	case frameExpected:
		return "expected"
	case framePutData:
		return "put"
	case frameGetReq:
		return "get_req"
	case frameGetResp:
		return "get_resp"
	}
	return fmt.Sprintf("frameKind(%d)", int(k))
}
