// Package bulk layers chunked, multi-part transfers on top of a single
// na.Class's one-shot Put/Get, the way the original bulk layer sits above
// raw NA RDMA: large regions get split into fixed-size chunks so no single
// underlying transfer exceeds a configured segment size, and the whole
// transfer resolves through one requtil.Future once every chunk lands.
// The chunk/part bookkeeping is grounded on iomeshage's Transfer struct
// (Parts map[int64]bool, NumParts, Inflight).
package bulk

import (
	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// Handle wraps a registered na.MemHandle together with the Class it was
// registered against, since Free/Serialize need to call back into that
// Class.
type Handle struct {
	cls na.Class
	mh  na.MemHandle
}

// Create registers buf as a bulk-transferable region.
func Create(cls na.Class, buf []byte, access na.AccessMode) (*Handle, error) {
	mh, err := cls.MemHandleCreate(buf, access)
	if err != nil {
		return nil, err
	}
	if err := cls.MemHandleRegister(mh); err != nil {
		return nil, err
	}
	return &Handle{cls: cls, mh: mh}, nil
}

// Free deregisters and releases the underlying memory handle.
func (h *Handle) Free() error {
	return h.cls.MemHandleFree(h.mh)
}

// Size reports the region's length in bytes.
func (h *Handle) Size() uint64 { return h.mh.Size() }

// Access reports whether the region was registered read-only or
// read-write.
func (h *Handle) Access() na.AccessMode { return h.mh.Access() }

// Serialize produces the bytes a peer needs to address this region as the
// remote side of a Put or Get.
func (h *Handle) Serialize() ([]byte, error) {
	return h.cls.MemHandleSerialize(h.mh)
}

// Deserialize reconstructs a Handle from bytes a peer sent (typically
// embedded as a request's "extra bulk handle", see pkg/header), so it can
// be passed back to that peer's Class as the remote side of a Put/Get.
func Deserialize(cls na.Class, data []byte) (*Handle, error) {
	mh, err := cls.MemHandleDeserialize(data)
	if err != nil {
		return nil, rpcstatus.Wrap("bulk.Deserialize", rpcstatus.SIZE_ERROR, err)
	}
	return &Handle{cls: cls, mh: mh}, nil
}
