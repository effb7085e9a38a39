// Package replica implements the per-replica core: role and view
// bookkeeping, the per-room table, WAL ownership, and the mechanics shared
// by the primary and backup protocols (committing an operation, routing to
// a room, verifying an inbound message belongs to this cluster and hasn't
// been replayed). Higher-level protocol decisions — who proposes an
// operation, how prepare_ok quorums are counted, how a view election runs —
// live in the primary and viewchange packages, which hold a *Replica and
// drive it.
//
// Group size is fixed at three replicas (N=3, f=1, quorum=2), matching the
// spec's cluster model; PrimaryIDForView therefore rotates over exactly
// three indices.
package replica

import (
	"sync"

	"github.com/ocx/vsrchat/internal/vsr/room"
	"github.com/ocx/vsrchat/internal/vsr/transport"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wal"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// GroupSize is the fixed number of replicas in a group.
const GroupSize = 3

// Role is the replica's current protocol state.
type Role uint8

const (
	RoleNormal Role = iota
	RoleViewChange
	RoleRecovering
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleViewChange:
		return "view-change"
	case RoleRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether r is a steady state a replica can sit in
// indefinitely (as opposed to a transient protocol phase).
func (r Role) IsTerminal() bool {
	return r == RoleNormal
}

// Replica is one replica's local, mutex-guarded state.
type Replica struct {
	mu sync.Mutex

	ClusterID [16]byte
	ID        uint8 // index in {0,1,2}

	view      uint32
	commitNum uint64
	role      Role

	log   *wal.WAL
	rooms map[[16]byte]*room.Room

	maxMessagesPerRoom    uint64
	maxIdempotencyPerRoom int

	nonces *transport.NonceTracker
}

// New returns a Replica ready to serve. log should already have been
// recovered (see wal.Open); New replays every entry in it through the
// corresponding room's Adopt so in-memory hash-chain and idempotency state
// matches what is durably on disk before the replica accepts any traffic.
// commit_num starts at the log's LastOp: this is the single-replica
// recovery assumption, under which every recovered entry counts as
// committed without consulting the other replicas.
func New(clusterID [16]byte, id uint8, log *wal.WAL, maxMessagesPerRoom uint64, maxIdempotencyPerRoom int) (*Replica, error) {
	r := &Replica{
		ClusterID:             clusterID,
		ID:                    id,
		log:                   log,
		rooms:                 make(map[[16]byte]*room.Room),
		maxMessagesPerRoom:    maxMessagesPerRoom,
		maxIdempotencyPerRoom: maxIdempotencyPerRoom,
		nonces:                transport.NewNonceTracker(),
	}
	if err := r.replayFromLog(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) replayFromLog() error {
	entries, err := r.log.ReadRange(1, r.log.LastOp())
	if err != nil {
		return err
	}
	for _, e := range entries {
		rm := r.getOrCreateRoomLocked(e.Message.RoomID)
		rm.Adopt(e.Message)
	}
	r.commitNum = r.log.LastOp()
	return nil
}

// PrimaryIDForView returns the replica index that is primary for view.
func (r *Replica) PrimaryIDForView(view uint32) uint8 {
	return uint8(view % GroupSize)
}

// IsPrimary reports whether this replica is the primary for its current
// view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PrimaryIDForView(r.view) == r.ID
}

// View returns the current view number.
func (r *Replica) View() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// CommitNum returns the number of the highest committed operation.
func (r *Replica) CommitNum() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitNum
}

// RoleState returns the replica's current protocol role.
func (r *Replica) RoleState() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// VerifyClusterID reports whether id matches this replica's cluster.
func (r *Replica) VerifyClusterID(id [16]byte) bool {
	return id == r.ClusterID
}

// VerifyNonce reports whether nonce is fresh (strictly greater than the
// last nonce observed from senderID), recording it if so.
func (r *Replica) VerifyNonce(senderID uint8, nonce uint64) bool {
	return r.nonces.Observe(senderID, nonce)
}

// GetOrCreateRoom returns the Room for id, creating an empty one on first
// reference.
func (r *Replica) GetOrCreateRoom(id [16]byte) *room.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateRoomLocked(id)
}

func (r *Replica) getOrCreateRoomLocked(id [16]byte) *room.Room {
	rm, ok := r.rooms[id]
	if !ok {
		rm = room.New(id, r.maxMessagesPerRoom, r.maxIdempotencyPerRoom)
		r.rooms[id] = rm
	}
	return rm
}

// StartViewChange transitions the replica into RoleViewChange for newView.
// newView must exceed the current view; an equal-or-older view is a stale
// message and is rejected rather than regressing the replica's state.
func (r *Replica) StartViewChange(newView uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newView <= r.view {
		return vsrerr.ErrOldView
	}
	r.view = newView
	r.role = RoleViewChange
	return nil
}

// CompleteViewChange installs newView and returns the replica to
// RoleNormal, ending an election this replica participated in (as the new
// primary or a backup). Returns vsrerr.ErrNotInViewChangeState if the
// replica is not currently in RoleViewChange: a start_view only makes
// sense for a replica that itself entered the view-change sequence (via
// StartViewChange), never out of steady-state Normal.
func (r *Replica) CompleteViewChange(newView uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newView < r.view {
		return vsrerr.ErrOldView
	}
	if r.role != RoleViewChange {
		return vsrerr.ErrNotInViewChangeState
	}
	r.view = newView
	r.role = RoleNormal
	return nil
}

// Prepare applies msg to its room and, if it is genuinely new (not an
// idempotent replay), durably appends it to the WAL as the next op. op is
// the assigned op number, or 0 if msg was a duplicate resubmission of an
// already-committed (author_id, client_sequence) pair, in which case
// nothing is appended and result is the original committed record.
//
// Prepare deliberately does not advance the commit number: per the
// GLOSSARY, commit_num tracks the highest op known to be durably held by
// a quorum, not merely logged by this replica. The primary advances its
// own commit_num once prepare_ok acks reach quorum; a backup advances its
// commit_num only on receiving the primary's explicit commit message. See
// AdvanceCommit.
func (r *Replica) Prepare(msg wire.ChatMessage) (op uint64, result wire.ChatMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.getOrCreateRoomLocked(msg.RoomID)
	result, applied, err := rm.Apply(msg)
	if err != nil {
		return 0, wire.ChatMessage{}, err
	}
	if !applied {
		return 0, result, nil
	}

	op = r.log.LastOp() + 1
	if err := r.log.Append(wal.Entry{Op: op, Message: result}); err != nil {
		return 0, wire.ChatMessage{}, err
	}
	return op, result, nil
}

// AdvanceCommit moves commit_num forward to op, once op is known to be
// durably held by a quorum (the primary learns this from a prepare_ok
// quorum, a backup from an explicit commit message). A stale or repeated
// call with op <= the current commit number is a harmless no-op. op
// exceeding what this replica has actually logged (WAL.LastOp()) is a
// protocol bug rather than expected input — both the primary's own
// quorum bookkeeping and a backup's sequential-op check on Prepare
// already establish that op must have been logged first.
func (r *Replica) AdvanceCommit(op uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op <= r.commitNum {
		return nil
	}
	if op > r.log.LastOp() {
		return vsrerr.ErrNonSequentialOp
	}
	r.commitNum = op
	return nil
}

// AdoptEntry appends an entry obtained from another replica's log
// (view-change get_log_range transfer) to this replica's WAL and folds it
// into the owning room's in-memory state. It does not itself advance the
// commit number — the installer sets that explicitly from the election's
// merged commit_num once every missing entry has been adopted, see
// viewchange.Installer.InstallView. entry.Op must be exactly this
// replica's next op; a gap or repeat indicates the caller assembled the
// transferred range incorrectly, which is a protocol bug rather than
// expected bad input.
func (r *Replica) AdoptEntry(entry wal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.log.Append(entry); err != nil {
		return err
	}
	r.getOrCreateRoomLocked(entry.Message.RoomID).Adopt(entry.Message)
	return nil
}

// WAL exposes the replica's write-ahead log, for the view-change protocol's
// get_log_range transfer.
func (r *Replica) WAL() *wal.WAL { return r.log }
