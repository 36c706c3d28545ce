package tcp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sandia-hpc/rpcna/pkg/na"
)

// memHandle is a registered memory region. buf is nil for a handle that was
// deserialized from a remote peer's serialization: such a handle only
// carries enough information (id, size, access) to address the remote
// region in a Put/Get frame, never the bytes themselves.
type memHandle struct {
	id     uint64
	size   uint64
	access na.AccessMode
	buf    []byte
	remote bool
}

func (h *memHandle) Size() uint64        { return h.size }
func (h *memHandle) Access() na.AccessMode { return h.access }

const serializedHandleSize = 8 + 8 + 1

// handleTable is the process-wide registry a connection's reader goroutine
// consults to resolve the handle ID carried in a put/get frame back to the
// local buffer it addresses.
type handleTable struct {
	mu     sync.Mutex
	next   uint64
	byID   map[uint64]*memHandle
}

func newHandleTable() *handleTable {
	return &handleTable{byID: make(map[uint64]*memHandle)}
}

func (t *handleTable) create(buf []byte, access na.AccessMode) *memHandle {
	id := atomic.AddUint64(&t.next, 1)
	return &memHandle{id: id, size: uint64(len(buf)), access: access, buf: buf}
}

func (t *handleTable) register(h *memHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[h.id] = h
}

func (t *handleTable) deregister(h *memHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, h.id)
}

func (t *handleTable) lookup(id uint64) (*memHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	return h, ok
}

func serializeHandle(h *memHandle) []byte {
	buf := make([]byte, serializedHandleSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.id)
	binary.LittleEndian.PutUint64(buf[8:16], h.size)
	buf[16] = byte(h.access)
	return buf
}

func deserializeHandle(data []byte) (*memHandle, error) {
	if len(data) < serializedHandleSize {
		return nil, fmt.Errorf("tcp: short memory handle: %d bytes", len(data))
	}
	return &memHandle{
		id:     binary.LittleEndian.Uint64(data[0:8]),
		size:   binary.LittleEndian.Uint64(data[8:16]),
		access: na.AccessMode(data[16]),
		remote: true,
	}, nil
}

var _ na.MemHandle = (*memHandle)(nil)
