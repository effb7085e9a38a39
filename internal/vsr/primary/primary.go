// Package primary implements the primary-side half of the replication
// protocol: assigning op numbers to incoming client requests, tracking
// which backups have acknowledged each prepared operation, and advancing
// the commit number once a quorum (2 of 3) has replied. Pending prepares
// are held in a size-bounded map so a primary that outruns its backups'
// acks applies backpressure instead of growing without limit, the same
// shape as internal/federation/protocol.go's pendingPeers handshake
// tracking and internal/webhooks/dispatcher.go's bounded in-flight set in
// the teacher repository.
package primary

import (
	"sync"

	"github.com/ocx/vsrchat/internal/vsr/replica"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// Quorum is the number of replicas (including the primary) that must
// acknowledge an op before it commits: ceil((N+1)/2) with N=3, f=1.
const Quorum = 2

// PrepareTracker holds one in-flight, not-yet-committed operation and the
// set of replica ids that have sent prepare_ok for it.
type PrepareTracker struct {
	Op      uint64
	Message wire.ChatMessage
	Acks    map[uint8]bool
}

// Primary drives the primary-side protocol for one Replica.
type Primary struct {
	mu sync.Mutex

	rep         *replica.Replica
	trackers    map[uint64]*PrepareTracker
	maxInFlight int
}

// New returns a Primary for rep. maxInFlight bounds the number of prepared-
// but-not-committed ops outstanding at once; 0 means unbounded.
func New(rep *replica.Replica, maxInFlight int) *Primary {
	return &Primary{
		rep:         rep,
		trackers:    make(map[uint64]*PrepareTracker),
		maxInFlight: maxInFlight,
	}
}

// AcceptClientRequest durably prepares msg against this replica's own log
// and room state — via Replica.Prepare, before returning the assigned op
// for broadcast — and opens a PrepareTracker for it, counting the
// primary's own implicit ack. Preparing synchronously here, rather than
// only after broadcasting, is what keeps the primary's own copy durable
// before any backup even sees the op: if the primary crashes and restarts
// immediately after accepting a client request, its own log already holds
// the op, so a subsequent election can never lose it.
//
// The caller is responsible for broadcasting a prepare message carrying
// the returned op to the backups. Returns vsrerr.ErrNotPrimary if this
// replica is not the primary for its current view, and vsrerr.ErrQueueFull
// if the in-flight bound is already reached. A returned op of 0 means msg
// was a duplicate resubmission already committed earlier; there is
// nothing new to broadcast.
func (p *Primary) AcceptClientRequest(msg wire.ChatMessage) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.rep.IsPrimary() {
		return 0, vsrerr.ErrNotPrimary
	}
	if p.maxInFlight > 0 && len(p.trackers) >= p.maxInFlight {
		return 0, vsrerr.ErrQueueFull
	}

	op, result, err := p.rep.Prepare(msg)
	if err != nil {
		return 0, err
	}
	if op == 0 {
		return 0, nil
	}

	p.trackers[op] = &PrepareTracker{
		Op:      op,
		Message: result,
		Acks:    map[uint8]bool{p.rep.ID: true},
	}
	return op, nil
}

// HandlePrepareOK records a prepare_ok from senderID for op. If this ack
// brings op (and, transitively, any earlier ops that had already reached
// quorum but were waiting behind it) to quorum, the affected ops' commit
// number is advanced in order via Replica.AdvanceCommit — the op itself
// was already durably prepared back in AcceptClientRequest, so reaching
// quorum here only ever moves commit_num forward, never appends.
// committed reports whether the specifically requested op was committed
// as a result of this call; result is its final committed record when
// committed is true. An ack for an op this primary has no tracker for
// (stale retransmit, or already committed) is ignored rather than treated
// as an error.
func (p *Primary) HandlePrepareOK(op uint64, senderID uint8) (committed bool, result wire.ChatMessage, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.trackers[op]
	if !ok {
		return false, wire.ChatMessage{}, nil
	}
	tracker.Acks[senderID] = true

	for {
		next := p.rep.CommitNum() + 1
		t, ok := p.trackers[next]
		if !ok || len(t.Acks) < Quorum {
			break
		}
		if err := p.rep.AdvanceCommit(next); err != nil {
			return false, wire.ChatMessage{}, err
		}
		delete(p.trackers, next)
		if next == op {
			committed = true
			result = t.Message
		}
	}
	return committed, result, nil
}

// PendingCount returns the number of ops currently prepared but not yet
// committed.
func (p *Primary) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trackers)
}

// ClearPending discards every in-flight prepare tracker. Called when this
// replica loses (or gives up) primary status in a view change: operations
// it had proposed but not yet committed must be re-proposed by whichever
// replica becomes primary next (op numbers continue to come from
// Replica.Prepare's own WAL.LastOp()+1, so there is nothing here to
// reset), not silently resurrected later under stale trackers.
func (p *Primary) ClearPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackers = make(map[uint64]*PrepareTracker)
}
