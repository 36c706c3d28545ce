// Package header encodes and decodes the fixed framing that precedes every
// RPC request and response body, matching the wire layout described for
// the original engine: a magic number, a handful of fixed-width control
// fields, and a CRC64 checksum covering those header bytes (not the body
// that follows, which travels through pkg/procbuf and carries its own
// integrity check via Proc.Flush when a caller wants one).
package header

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
)

// Magic identifies a request/response header at the start of a frame.
const Magic uint32 = 0x48470201

// ProtocolVersion is bumped whenever the header layout changes.
const ProtocolVersion uint32 = 1

var crcTable = crc64.MakeTable(crc64.ISO)

// Checksum is the CRC64 (ISO polynomial) of b.
func Checksum(b []byte) uint64 {
	return crc64.Checksum(b, crcTable)
}

// Flag bits carried in a Request header.
const (
	FlagHasExtraBulk uint32 = 1 << 0
)

// requestBaseSize is magic + protocol_version + procedure_id + flags, the
// portion of a Request header before the (always-present, fixed-size)
// extra bulk handle field.
const requestBaseSize = 4 + 4 + 4 + 4

// RequestHeaderSize returns the total encoded header size -- everything
// before the body begins -- for a transport whose serialized memory
// handle is extraSize bytes, i.e. na.Class.MemHandleGetSerializeSize().
func RequestHeaderSize(extraSize int) int {
	return requestBaseSize + extraSize + 8
}

// Request is the fixed header preceding an RPC request body. ExtraBulkHandle
// is always exactly extraSize bytes on the wire: a live bulk handle when
// Flags carries FlagHasExtraBulk, zero-filled otherwise. There is no length
// prefix for it -- the receiver already knows extraSize from its own
// transport's MemHandleGetSerializeSize.
type Request struct {
	ProtocolVersion uint32
	ProcedureID     uint32
	Flags           uint32
	ExtraBulkHandle []byte
}

// EncodeRequest lays out h followed by body at the wire-format offsets
// (magic, protocol_version, procedure_id, flags, extra_bulk_handle,
// checksum, body). extraSize must equal len(h.ExtraBulkHandle). The
// checksum covers every header byte written before it -- not body, which
// is opaque proc-encoded payload to this layer.
func EncodeRequest(h *Request, extraSize int, body []byte) []byte {
	headerLen := RequestHeaderSize(extraSize)
	buf := make([]byte, headerLen+len(body))

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.ProtocolVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.ProcedureID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Flags)
	off += 4
	copy(buf[off:off+extraSize], h.ExtraBulkHandle)
	off += extraSize

	binary.LittleEndian.PutUint64(buf[off:], Checksum(buf[:off]))
	off += 8

	copy(buf[off:], body)
	return buf
}

// DecodeRequest parses a frame produced by EncodeRequest, returning the
// header and the body slice (sharing frame's backing array). extraSize
// must be the same MemHandleGetSerializeSize() the sender encoded against.
func DecodeRequest(frameBytes []byte, extraSize int) (*Request, []byte, error) {
	headerLen := RequestHeaderSize(extraSize)
	if len(frameBytes) < headerLen {
		return nil, nil, fmt.Errorf("header: request frame too short: %d bytes, want at least %d", len(frameBytes), headerLen)
	}

	off := 0
	magic := binary.LittleEndian.Uint32(frameBytes[off:])
	off += 4
	if magic != Magic {
		return nil, nil, fmt.Errorf("header: bad request magic 0x%08x", magic)
	}

	h := &Request{}
	h.ProtocolVersion = binary.LittleEndian.Uint32(frameBytes[off:])
	off += 4
	h.ProcedureID = binary.LittleEndian.Uint32(frameBytes[off:])
	off += 4
	h.Flags = binary.LittleEndian.Uint32(frameBytes[off:])
	off += 4
	h.ExtraBulkHandle = append([]byte(nil), frameBytes[off:off+extraSize]...)
	off += extraSize

	checksum := binary.LittleEndian.Uint64(frameBytes[off:])
	off += 8

	if Checksum(frameBytes[:off-8]) != checksum {
		return nil, nil, fmt.Errorf("header: request checksum mismatch")
	}

	return h, frameBytes[off:], nil
}

// Response is the fixed header preceding an RPC response body.
type Response struct {
	ReturnCode int32
}

// ResponseHeaderSize is the encoded size of a Response header: magic,
// return_code, checksum.
const ResponseHeaderSize = 4 + 4 + 8

// EncodeResponse lays out h followed by body. The checksum covers magic
// and return_code only, not body.
func EncodeResponse(h *Response, body []byte) []byte {
	buf := make([]byte, ResponseHeaderSize+len(body))

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.ReturnCode))
	off += 4

	binary.LittleEndian.PutUint64(buf[off:], Checksum(buf[:off]))
	off += 8

	copy(buf[off:], body)
	return buf
}

func DecodeResponse(frameBytes []byte) (*Response, []byte, error) {
	if len(frameBytes) < ResponseHeaderSize {
		return nil, nil, fmt.Errorf("header: response frame too short: %d bytes", len(frameBytes))
	}

	off := 0
	magic := binary.LittleEndian.Uint32(frameBytes[off:])
	off += 4
	if magic != Magic {
		return nil, nil, fmt.Errorf("header: bad response magic 0x%08x", magic)
	}

	h := &Response{}
	h.ReturnCode = int32(binary.LittleEndian.Uint32(frameBytes[off:]))
	off += 4

	checksum := binary.LittleEndian.Uint64(frameBytes[off:])
	off += 8

	if Checksum(frameBytes[:off-8]) != checksum {
		return nil, nil, fmt.Errorf("header: response checksum mismatch")
	}

	return h, frameBytes[off:], nil
}
