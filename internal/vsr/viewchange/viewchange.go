// Package viewchange implements the timeout-driven view-change protocol:
// detecting a silent primary, collecting do_view_change votes, picking the
// most up-to-date log among them, transferring any entries this replica is
// missing, and installing the new view. The vote-collection shape follows
// internal/federation/protocol.go's pending-peer/dedup-by-sender tracking
// in the teacher repository; timeout bookkeeping follows
// internal/circuitbreaker/breaker.go's expiry-timestamp pattern.
package viewchange

import (
	"sync"
	"time"

	"github.com/ocx/vsrchat/internal/vsr/primary"
	"github.com/ocx/vsrchat/internal/vsr/replica"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wal"
)

// Quorum is the number of do_view_change votes (including the new
// primary's own) required before a view can be installed.
const Quorum = primary.Quorum

// Timeout tracks silence from the current primary and reports when a
// backup should initiate a view change.
type Timeout struct {
	mu           sync.Mutex
	lastActivity time.Time
	duration     time.Duration
}

// NewTimeout returns a Timeout that expires after duration of silence,
// starting the clock at now.
func NewTimeout(duration time.Duration, now time.Time) *Timeout {
	return &Timeout{lastActivity: now, duration: duration}
}

// Touch records activity from the primary at time now, resetting the
// clock.
func (t *Timeout) Touch(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = now
}

// Expired reports whether duration has elapsed since the last Touch, as
// observed at time now.
func (t *Timeout) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastActivity) >= t.duration
}

// Vote is one replica's do_view_change message: its view of how far its
// own log extends.
type Vote struct {
	ReplicaID uint8
	View      uint32
	LastOp    uint64
	CommitNum uint64
}

// better reports whether v is a more authoritative log than other, using
// the spec's merge tie-break: highest LastOp wins, ties broken by highest
// CommitNum.
func (v Vote) better(other Vote) bool {
	if v.LastOp != other.LastOp {
		return v.LastOp > other.LastOp
	}
	return v.CommitNum > other.CommitNum
}

// Election collects do_view_change votes for a single candidate view and
// determines, once quorum is reached, which voter's log should become
// authoritative.
type Election struct {
	mu      sync.Mutex
	view    uint32
	votes   map[uint8]Vote
	decided bool
	winner  Vote
}

// NewElection starts collecting votes for view.
func NewElection(view uint32) *Election {
	return &Election{view: view, votes: make(map[uint8]Vote)}
}

// RecordVote adds (or replaces, for a resent vote) a voter's ballot. Votes
// for a different view than this election is running are ignored: a
// stale or premature vote from a replica still catching up must not
// perturb an election already underway for the current candidate view.
func (e *Election) RecordVote(v Vote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v.View != e.view {
		return
	}
	e.votes[v.ReplicaID] = v
}

// Count returns the number of distinct votes recorded so far.
func (e *Election) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.votes)
}

// Decide reports whether quorum has been reached and, if so, the vote
// whose log is most authoritative (highest LastOp, ties broken by highest
// CommitNum). Once decided, Decide is idempotent and keeps returning the
// same winner even if more votes arrive afterward.
func (e *Election) Decide() (Vote, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decided {
		return e.winner, true
	}
	if len(e.votes) < Quorum {
		return Vote{}, false
	}
	first := true
	for _, v := range e.votes {
		if first || v.better(e.winner) {
			e.winner = v
			first = false
		}
	}
	e.decided = true
	return e.winner, true
}

// Installer applies the outcome of a decided Election to a local Replica:
// merging in any log entries the replica is missing relative to the
// winning voter, then installing the new view.
type Installer struct {
	rep *replica.Replica
}

// NewInstaller returns an Installer for rep.
func NewInstaller(rep *replica.Replica) *Installer {
	return &Installer{rep: rep}
}

// MissingRange returns the (fromOp, toOp) range this replica should
// request via get_log_range from the winning voter, given that voter's
// LastOp. ok is false if this replica's log is already at least as long.
func (i *Installer) MissingRange(winnerLastOp uint64) (fromOp, toOp uint64, ok bool) {
	localLastOp := i.rep.WAL().LastOp()
	if winnerLastOp <= localLastOp {
		return 0, 0, false
	}
	return localLastOp + 1, winnerLastOp, true
}

// MergeEntries appends entries retrieved from the winning voter's log into
// this replica's WAL and folds each into its room's in-memory state,
// bringing the replica's committed history up to date before the new view
// is installed. Entries must be contiguous starting at this replica's
// LastOp+1; anything else is a protocol-level bug in the caller rather
// than expected bad input, since entries come from get_log_range, not
// untrusted client input.
func (i *Installer) MergeEntries(entries []wal.Entry) error {
	for _, e := range entries {
		if e.Op != i.rep.WAL().LastOp()+1 {
			return vsrerr.ErrNonMonotonicOp
		}
		if err := i.rep.AdoptEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// InstallView completes the view change, moving the replica to newView in
// RoleNormal and advancing its commit number to commitNum — the winning
// do_view_change vote's own CommitNum, per the spec's merge rule
// (commit_num := merged.commit_num, not merged.last_op). Call this only
// after any MergeEntries transfer has succeeded, so the replica never
// reports itself Normal with a log gap.
func (i *Installer) InstallView(newView uint32, commitNum uint64) error {
	if err := i.rep.CompleteViewChange(newView); err != nil {
		return err
	}
	return i.rep.AdvanceCommit(commitNum)
}
