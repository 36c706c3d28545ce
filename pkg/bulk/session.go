package bulk

import (
	"sync"
	"time"

	"github.com/sandia-hpc/rpcna/pkg/na"
	"github.com/sandia-hpc/rpcna/pkg/requtil"
	"github.com/sandia-hpc/rpcna/pkg/rpcstatus"
)

// Direction distinguishes which way a Session moves bytes relative to the
// Handle pair it was built with.
type Direction int

const (
	Put Direction = iota
	Get
)

// DefaultChunkSize bounds a single underlying na.Put/Get call. Splitting
// large transfers into chunks keeps any one RDMA-style operation's buffer
// bounded regardless of the overall transfer size.
const DefaultChunkSize = 64 * 1024

// Session drives one chunked transfer between a local and a remote Handle.
// Parts tracks which chunk indices have completed; Inflight is how many
// chunk operations are currently posted but not yet complete.
type Session struct {
	cls       na.Class
	ctx       *na.Context
	dir       Direction
	local     *Handle
	remote    *Handle
	peer      na.Addr
	length    uint64
	chunkSize uint64

	mu       sync.Mutex
	numParts int
	parts    map[int]bool
	inflight int
	firstErr error

	future *requtil.Future
}

// NewSession builds a Session moving length bytes starting at offset 0 in
// both local and remote between local and remote against peer. chunkSize
// <= 0 selects DefaultChunkSize.
func NewSession(cls na.Class, ctx *na.Context, dir Direction, local, remote *Handle, peer na.Addr, length uint64, chunkSize uint64) *Session {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	numParts := int((length + chunkSize - 1) / chunkSize)
	if numParts == 0 {
		numParts = 1
	}

	rc := requtil.NewClass(
		func(timeout time.Duration) error { return cls.Progress(ctx, timeout) },
		func(max int) int { return ctx.Trigger(max) },
		20*time.Millisecond,
	)

	return &Session{
		cls:       cls,
		ctx:       ctx,
		dir:       dir,
		local:     local,
		remote:    remote,
		peer:      peer,
		length:    length,
		chunkSize: chunkSize,
		numParts:  numParts,
		parts:     make(map[int]bool),
		future:    rc.NewFuture(),
	}
}

// NumParts reports how many chunks make up this transfer.
func (s *Session) NumParts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numParts
}

// Inflight reports how many chunk operations are posted but not complete.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Done reports how many chunks have completed so far.
func (s *Session) Done() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

// Start posts every chunk's na.Put or na.Get. It returns the first posting
// error, if any, without waiting for completion; call Wait afterward.
func (s *Session) Start() error {
	if s.length == 0 {
		s.future.Complete(nil)
		return nil
	}

	s.mu.Lock()
	s.inflight = s.numParts
	s.mu.Unlock()

	for i := 0; i < s.numParts; i++ {
		off := uint64(i) * s.chunkSize
		n := s.chunkSize
		if off+n > s.length {
			n = s.length - off
		}

		part := i
		cb := func(info *na.CBInfo) { s.completePart(part, info.Err) }

		var err error
		switch s.dir {
		case Put:
			_, err = s.cls.Put(s.ctx, cb, s.local.mh, off, s.remote.mh, off, n, s.peer)
		case Get:
			_, err = s.cls.Get(s.ctx, cb, s.local.mh, off, s.remote.mh, off, n, s.peer)
		}
		if err != nil {
			s.completePart(part, err)
			return rpcstatus.Wrap("bulk.Session.Start", rpcstatus.FAIL, err)
		}
	}
	return nil
}

func (s *Session) completePart(part int, err error) {
	s.mu.Lock()
	if !s.parts[part] {
		s.parts[part] = true
		s.inflight--
	}
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	}
	done := len(s.parts) == s.numParts
	ferr := s.firstErr
	s.mu.Unlock()

	if done {
		s.future.Complete(ferr)
	}
}

// Wait blocks until every chunk has completed (or timeout elapses),
// self-driving cls.Progress/ctx.Trigger meanwhile.
func (s *Session) Wait(timeout time.Duration) error {
	return s.future.Wait(timeout)
}
