// Package room implements the deterministic per-room chat state machine.
// Every replica in a group applies the same committed operations to the
// same room in the same order, so Apply must be a pure function of (current
// state, message): no wall-clock reads, no randomness, no map iteration
// order leaking into the result (determinism property X1).
//
// The hash chain construction follows internal/ledger/merkle.go's SHA-256
// hashData/append-and-rehash pattern in the teacher repository, adapted
// from a tree of batched records to a single linear per-room chain.
package room

import (
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// Defaults for the bounded-growth resource limits; callers running in
// production should size these from cluster configuration instead.
const (
	DefaultMaxMessages       = 1_000_000
	DefaultMaxIdempotencyKey = 100_000
)

type idempotencyKey struct {
	authorID       uint64
	clientSequence uint64
}

// Room is one room shard's deterministic, in-memory committed state: the
// hash-chain head and the idempotency table needed to replay a duplicate
// client submission without re-applying it. The authoritative history lives
// in the replica's WAL; Room holds only what is needed to validate and
// chain the next operation.
type Room struct {
	ID             [16]byte
	lastTimestamp  uint64
	headHash       [32]byte
	messageCount   uint64
	idempotency    map[idempotencyKey]wire.ChatMessage
	maxMessages    uint64
	maxIdempotency int
}

// New returns an empty Room for id, bounded by maxMessages total committed
// messages and maxIdempotency tracked (author, client_sequence) keys.
func New(id [16]byte, maxMessages uint64, maxIdempotency int) *Room {
	return &Room{
		ID:             id,
		idempotency:    make(map[idempotencyKey]wire.ChatMessage),
		maxMessages:    maxMessages,
		maxIdempotency: maxIdempotency,
	}
}

// HeadHash returns the SHA-256 hash of the most recently committed message,
// or the zero hash if the room is empty.
func (r *Room) HeadHash() [32]byte { return r.headHash }

// MessageCount returns the number of messages committed to this room.
func (r *Room) MessageCount() uint64 { return r.messageCount }

// Apply commits msg to the room's hash chain and returns the finalized
// record (with PrevHash and Checksum set) plus applied=true. Applying is
// the sole responsibility of the caller's sequencing: Apply does not
// itself check a global op number, only that msg belongs to this room
// (shard isolation, S7), that its timestamp exceeds the room's last (S8),
// and that it has not already been committed under the same (author_id,
// client_sequence) pair (exactly-once, S6) — a duplicate submission
// returns the original committed record with applied=false instead of an
// error, so the caller knows not to assign it a new op number, and
// retried client requests stay idempotent.
func (r *Room) Apply(msg wire.ChatMessage) (result wire.ChatMessage, applied bool, err error) {
	if msg.RoomID != r.ID {
		return wire.ChatMessage{}, false, vsrerr.ErrWrongRoom
	}

	key := idempotencyKey{authorID: msg.AuthorID, clientSequence: msg.ClientSequence}
	if existing, ok := r.idempotency[key]; ok {
		return existing, false, nil
	}

	if msg.TimestampUS <= r.lastTimestamp {
		return wire.ChatMessage{}, false, vsrerr.ErrTimestampNotMonotonic
	}
	if r.maxMessages > 0 && r.messageCount >= r.maxMessages {
		return wire.ChatMessage{}, false, vsrerr.ErrRoomFull
	}
	if r.maxIdempotency > 0 && len(r.idempotency) >= r.maxIdempotency {
		return wire.ChatMessage{}, false, vsrerr.ErrIdempotencyTableFull
	}

	msg.PrevHash = r.headHash
	msg.Checksum = msg.CalculateChecksum()

	r.headHash = msg.CalculateHash()
	r.lastTimestamp = msg.TimestampUS
	r.messageCount++
	r.idempotency[key] = msg

	return msg, true, nil
}

// Adopt folds an already-committed, already-validated message into the
// room's in-memory state without re-running Apply's checks. Used to
// rebuild a room's hash-chain head and idempotency table from the WAL at
// startup, and to fold in entries transferred from another replica during
// view change — in both cases the message was validated once, when it was
// first committed, and replaying it through Apply's checks again would be
// redundant at best and wrong at worst (its timestamp and PrevHash are
// fixed facts of history, not new input to validate).
func (r *Room) Adopt(msg wire.ChatMessage) {
	key := idempotencyKey{authorID: msg.AuthorID, clientSequence: msg.ClientSequence}
	r.headHash = msg.CalculateHash()
	r.lastTimestamp = msg.TimestampUS
	r.messageCount++
	r.idempotency[key] = msg
}
