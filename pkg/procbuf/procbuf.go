// Package procbuf implements the (de)serialization cursor that RPC
// arguments and results are marshaled through: a single buffer-relative
// position that each Proc* function advances, driven by the Proc's Mode so
// that one function body serves encode, decode, and the decode-time
// release of any heap the decode allocated (mirroring hg_proc's three-mode
// contract: HG_ENCODE / HG_DECODE / HG_FREE against one callback).
package procbuf

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

var crcTable = crc64.MakeTable(crc64.ISO)

type Mode int

const (
	Encode Mode = iota
	Decode
	Free
)

func (m Mode) String() string {
	switch m {
	case Encode:
		return "encode"
	case Decode:
		return "decode"
	case Free:
		return "free"
	}
	return "unknown"
}

// Proc is a cursor over a fixed send/recv buffer. When an encode would
// overflow buf, the excess spills into a separately-growing extra buffer
// instead of failing outright -- the caller (pkg/rpc) is responsible for
// shipping that extra buffer as a bulk transfer and flagging the request
// header accordingly, exactly as the original hg_forward/hg_set_input path
// does with its extra_send_buf.
type Proc struct {
	mode Mode

	buf    []byte
	cursor int

	extra          []byte
	extraCursor    int
	extraBufIsMine bool
	overflowed     bool
}

// NewProc wraps buf for encoding or decoding in the given mode.
func NewProc(buf []byte, mode Mode) *Proc {
	return &Proc{mode: mode, buf: buf}
}

func (p *Proc) Mode() Mode { return p.mode }

// Overflowed reports whether any field spilled into the extra buffer.
func (p *Proc) Overflowed() bool { return p.overflowed }

// ExtraBuf returns the accumulated overflow bytes written during encode.
func (p *Proc) ExtraBuf() []byte { return p.extra }

// SetExtraBuf supplies the overflow bytes (fetched by the caller via a bulk
// transfer) so decode can keep reading once the fixed buffer is exhausted.
func (p *Proc) SetExtraBuf(b []byte) {
	p.extra = b
	p.extraCursor = 0
}

// SetExtraBufIsMine records whether ownership of the extra buffer has
// passed from this Proc to its caller, mirroring
// hg_proc_set_extra_buf_is_mine: once set, the caller (pkg/rpc, which
// registers the buffer for bulk transfer) is the one that releases it.
// The Proc itself never releases the extra buffer; the flag is only read
// back through ExtraBufIsMine.
func (p *Proc) SetExtraBufIsMine(mine bool) { p.extraBufIsMine = mine }
func (p *Proc) ExtraBufIsMine() bool        { return p.extraBufIsMine }

// BytesUsed reports how much of the fixed buffer has been consumed,
// excluding anything that spilled into the extra buffer.
func (p *Proc) BytesUsed() int { return p.cursor }

// Buf returns the fixed buffer this Proc was constructed with, for a caller
// that needs to ship the encoded prefix (Buf()[:BytesUsed()]) out over the
// wire.
func (p *Proc) Buf() []byte { return p.buf }

// Flush returns the CRC64 (ISO) checksum of everything processed so far --
// the fixed buffer plus any overflow -- mirroring hg_proc_flush. This is a
// body-level integrity check a caller can use independently of (and in
// addition to) a transport header's own checksum, which covers only the
// header's bytes.
func (p *Proc) Flush() uint64 {
	h := crc64.New(crcTable)
	h.Write(p.buf[:p.cursor])
	h.Write(p.extra)
	return h.Sum64()
}

func (p *Proc) remaining() int { return len(p.buf) - p.cursor }

// memcpy is the single primitive every Proc* helper is built on: in Encode
// mode it copies data into the cursor (spilling into extra on overflow),
// in Decode mode it copies out of the cursor into data, and in Free mode
// it does nothing, since fixed-size fields never allocate on decode.
func (p *Proc) memcpy(data []byte) error {
	n := len(data)
	switch p.mode {
	case Encode:
		if n <= p.remaining() {
			copy(p.buf[p.cursor:], data)
			p.cursor += n
			return nil
		}
		// spill the whole field into extra rather than split it across
		// the fixed/overflow boundary.
		p.overflowed = true
		p.extra = append(p.extra, data...)
		return nil

	case Decode:
		if n <= p.remaining() {
			copy(data, p.buf[p.cursor:p.cursor+n])
			p.cursor += n
			return nil
		}
		if p.extraCursor+n > len(p.extra) {
			return rpcstatus.Wrap("procbuf.memcpy", rpcstatus.SIZE_ERROR,
				fmt.Errorf("decode needs %d bytes beyond buffer and extra", n))
		}
		copy(data, p.extra[p.extraCursor:p.extraCursor+n])
		p.extraCursor += n
		return nil

	case Free:
		return nil
	}
	return rpcstatus.Wrap("procbuf.memcpy", rpcstatus.INVALID_PARAM, fmt.Errorf("bad mode %v", p.mode))
}

// ProcUint8 encodes, decodes, or (no-op) frees a single byte.
func ProcUint8(p *Proc, v *uint8) error {
	buf := []byte{0}
	if p.mode == Encode {
		buf[0] = *v
	}
	if err := p.memcpy(buf); err != nil {
		return err
	}
	if p.mode == Decode {
		*v = buf[0]
	}
	return nil
}

// ProcUint32 encodes/decodes a little-endian uint32.
func ProcUint32(p *Proc, v *uint32) error {
	buf := make([]byte, 4)
	if p.mode == Encode {
		binary.LittleEndian.PutUint32(buf, *v)
	}
	if err := p.memcpy(buf); err != nil {
		return err
	}
	if p.mode == Decode {
		*v = binary.LittleEndian.Uint32(buf)
	}
	return nil
}

// ProcUint64 encodes/decodes a little-endian uint64.
func ProcUint64(p *Proc, v *uint64) error {
	buf := make([]byte, 8)
	if p.mode == Encode {
		binary.LittleEndian.PutUint64(buf, *v)
	}
	if err := p.memcpy(buf); err != nil {
		return err
	}
	if p.mode == Decode {
		*v = binary.LittleEndian.Uint64(buf)
	}
	return nil
}

// ProcRaw encodes/decodes a fixed-length, in-place byte slice (len(*v)
// must already be set by the caller on both sides -- e.g. a checksum or a
// serialized memory handle of known size).
func ProcRaw(p *Proc, v *[]byte) error {
	return p.memcpy(*v)
}

// ProcBytes encodes/decodes a variable-length byte slice: a uint32 length
// prefix followed by that many bytes. On Decode it allocates *v; on Free it
// releases that allocation by nilling it out, the one case where this
// package's "free" mode does real work.
func ProcBytes(p *Proc, v *[]byte) error {
	var n uint32
	if p.mode == Encode {
		n = uint32(len(*v))
	}
	if err := ProcUint32(p, &n); err != nil {
		return err
	}

	switch p.mode {
	case Encode:
		return p.memcpy(*v)
	case Decode:
		buf := make([]byte, n)
		if err := p.memcpy(buf); err != nil {
			return err
		}
		*v = buf
		return nil
	case Free:
		*v = nil
		return nil
	}
	return nil
}

// ProcString encodes/decodes a variable-length UTF-8 string using the same
// length-prefixed convention as ProcBytes.
func ProcString(p *Proc, v *string) error {
	var b []byte
	if p.mode == Encode {
		b = []byte(*v)
	}
	if err := ProcBytes(p, &b); err != nil {
		return err
	}
	switch p.mode {
	case Decode:
		*v = string(b)
	case Free:
		*v = ""
	}
	return nil
}
