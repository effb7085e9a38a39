// Package vsrerr defines the structured, expected-error half of the
// two-tier error taxonomy: sentinel errors for conditions a caller should
// branch on (bad input, resource exhaustion, protocol state mismatches).
// The other tier — invariant violations that indicate a programming bug,
// e.g. appending a WAL entry whose op number is not the next in sequence
// after admission checks should have prevented it — panics instead,
// matching the teacher's internal/circuitbreaker and internal/federation
// packages, which panic on invalid internal state transitions rather than
// return an error for them.
package vsrerr

import "errors"

var (
	// Wire and transport validation.
	ErrInvalidMagicOrVersion = errors.New("vsr: invalid magic or unsupported protocol version")
	ErrChecksumMismatch      = errors.New("vsr: checksum mismatch")
	ErrInvalidSignature      = errors.New("vsr: invalid envelope signature")
	ErrClusterIDMismatch     = errors.New("vsr: cluster id mismatch")
	ErrInvalidSenderID       = errors.New("vsr: invalid or unknown sender id")
	ErrReplayedNonce         = errors.New("vsr: replayed nonce")

	// Write-ahead log.
	ErrNonMonotonicOp         = errors.New("vsr: wal entry op number is not monotonically increasing")
	ErrCorruptLog             = errors.New("vsr: wal is corrupt")
	ErrMessageChecksumInvalid = errors.New("vsr: wal entry checksum invalid")
	ErrLogFull                = errors.New("vsr: wal has reached its configured size limit")

	// Per-room state machine.
	ErrRoomFull              = errors.New("vsr: room has reached its maximum message count")
	ErrIdempotencyTableFull  = errors.New("vsr: room idempotency table is full")
	ErrNonSequentialOp       = errors.New("vsr: operation is not the next sequential op for this room")
	ErrWrongRoom             = errors.New("vsr: operation addressed the wrong room shard")
	ErrTimestampNotMonotonic = errors.New("vsr: message timestamp does not exceed the room's last timestamp")

	// Connection and queue admission.
	ErrTooManyConnections = errors.New("vsr: connection pool is at capacity")
	ErrQueueFull          = errors.New("vsr: queue is full")

	// Replica / view-change protocol state.
	ErrNotPrimary           = errors.New("vsr: replica is not the primary for the current view")
	ErrNotInViewChangeState = errors.New("vsr: replica is not in the view-change state")
	ErrOldView              = errors.New("vsr: message view is older than the replica's current view")
)
