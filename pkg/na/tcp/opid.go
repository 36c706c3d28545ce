package tcp

import (
	"sync"

	"github.com/sandia-hpc/rpcna/pkg/na"
)

// opID is the tagged union of posted operations this transport can return:
// one concrete type covering lookup/send/recv/put/get, distinguished by
// typ. Cancel support varies: unexpected and expected receives can be
// unposted before they match; sends, put and get cannot once written to
// the socket.
type opID struct {
	typ na.CBType

	mu   sync.Mutex
	done bool

	// cancel, if non-nil, unposts the operation; returns true if it
	// successfully intercepted it before completion.
	cancel func() bool
}

func newOpID(typ na.CBType) *opID { return &opID{typ: typ} }

func (o *opID) Type() na.CBType { return o.typ }

func (o *opID) Completed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *opID) markDone() {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
}

var _ na.OpID = (*opID)(nil)
