package tcp

import (
	"sync"

	"github.com/sandia-hpc/rpcna/pkg/na"
)

// unexpectedEntry is an arrived unexpected send waiting for some posted
// receive to claim it.
type unexpectedEntry struct {
	f   *frame
	src *addr
}

// unexpectedPost is a posted unexpected receive waiting for any arrival.
// Matching is process-wide and FIFO, unlike expected receives which match
// by (addr, tag).
type unexpectedPost struct {
	ctx *na.Context
	cb  na.Callback
	op  *opID
	buf []byte
}

type unexpectedQueue struct {
	mu     sync.Mutex
	early  []*unexpectedEntry
	posted []*unexpectedPost
}

func newUnexpectedQueue() *unexpectedQueue {
	return &unexpectedQueue{}
}

func (q *unexpectedQueue) post(p *unexpectedPost) {
	q.mu.Lock()
	if len(q.early) > 0 {
		e := q.early[0]
		q.early = q.early[1:]
		q.mu.Unlock()
		completeUnexpected(p, e)
		return
	}
	q.posted = append(q.posted, p)
	q.mu.Unlock()
}

// unpost removes p from the posted queue if it's still there (i.e. nothing
// has matched it yet), used by Cancel. Reports whether it found and removed
// p.
func (q *unexpectedQueue) unpost(p *unexpectedPost) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.posted {
		if cand == p {
			q.posted = append(q.posted[:i], q.posted[i+1:]...)
			return true
		}
	}
	return false
}

func (q *unexpectedQueue) deliver(f *frame, src *addr) {
	q.mu.Lock()
	if len(q.posted) > 0 {
		p := q.posted[0]
		q.posted = q.posted[1:]
		q.mu.Unlock()
		completeUnexpected(p, &unexpectedEntry{f: f, src: src})
		return
	}
	q.early = append(q.early, &unexpectedEntry{f: f, src: src})
	q.mu.Unlock()
}

func completeUnexpected(p *unexpectedPost, e *unexpectedEntry) {
	n := copy(p.buf, e.f.payload)
	tag, _ := untagWord(e.f.tagOrID)

	p.op.markDone()
	p.ctx.Push(p.op, p.cb, &na.CBInfo{
		Type:       na.CBRecvUnexpected,
		ActualSize: uint64(n),
		Source:     e.src,
		Tag:        na.Tag(tag),
	})
}
