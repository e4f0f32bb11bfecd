package connsm

import "github.com/kfscache/metastore/internal/wireops"

// router guarantees every reply matches a live in-flight op by sequence and
// that a completion is only ever delivered once (spec.md §4.6).
type router struct {
	nextSeq       int64
	dispatchedOps map[int64]wireops.Op
}

func newRouter() *router {
	return &router{dispatchedOps: make(map[int64]wireops.Op)}
}

// assign gives op the next sequence number and, unless it is a no-reply op,
// records it as in-flight.
func (r *router) assign(op wireops.Op, generation uint64) {
	r.nextSeq++
	op.SetSeq(r.nextSeq)
	op.SetGeneration(generation)
	if !op.NoReply() {
		r.dispatchedOps[op.Seq()] = op
	}
}

// match looks up and removes the op waiting on seq. ok is false for an
// unknown sequence, which spec.md §4.6 treats as a protocol error, never a
// silently dropped reply.
func (r *router) match(seq int64) (wireops.Op, bool) {
	op, ok := r.dispatchedOps[seq]
	if ok {
		delete(r.dispatchedOps, seq)
	}
	return op, ok
}

// discardAll moves every in-flight op out of the router (used by Error()
// when the connection drops) and returns them for EHOSTUNREACH completion.
func (r *router) discardAll() []wireops.Op {
	out := make([]wireops.Op, 0, len(r.dispatchedOps))
	for _, op := range r.dispatchedOps {
		out = append(out, op)
	}
	r.dispatchedOps = make(map[int64]wireops.Op)
	return out
}

func (r *router) inFlightCount() int { return len(r.dispatchedOps) }

// sendResponse implements spec.md §4.6's generation-based discard: a
// response for an op accepted under a stale generation, or arriving after
// the connection has otherwise gone down, must never be written to a
// (possibly reused) socket.
func sendResponse(op wireops.Op, currentGeneration uint64, connected bool) bool {
	return connected && op.Generation() == currentGeneration
}
