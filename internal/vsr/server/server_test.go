package server

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ocx/vsrchat/internal/vsr/crypto"
	"github.com/ocx/vsrchat/internal/vsr/primary"
	"github.com/ocx/vsrchat/internal/vsr/replica"
	"github.com/ocx/vsrchat/internal/vsr/transport"
	"github.com/ocx/vsrchat/internal/vsr/viewchange"
	"github.com/ocx/vsrchat/internal/vsr/wal"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

func keyPair(t *testing.T, seedByte byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	var seed [crypto.SeedSize]byte
	seed[0] = seedByte
	pub, priv := crypto.KeyPairFromSeed(seed)
	return pub, priv
}

func newTestReplica(t *testing.T, clusterID [16]byte, id uint8) *replica.Replica {
	t.Helper()
	log, err := wal.Open(filepath.Join(t.TempDir(), "replica.wal"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	rep, err := replica.New(clusterID, id, log, 0, 0)
	require.NoError(t, err)
	return rep
}

// twoReplicaFixture wires a primary (id 0) and a backup (id 1) Server
// connected by a real socketpair standing in for their peer-to-peer link,
// so the protocol handlers run over actual signed-envelope bytes rather
// than in-memory structs.
type twoReplicaFixture struct {
	primary *Server
	backup  *Server
	repPrim *replica.Replica
	repBack *replica.Replica
	fdPrim  int // primary's end of the socketpair, reads backup's replies
	fdBack  int // backup's end, reads primary's broadcasts
}

func newTwoReplicaFixture(t *testing.T) *twoReplicaFixture {
	t.Helper()
	clusterID := [16]byte{0xAB}

	var dir transport.StaticDirectory
	pub0, priv0 := keyPair(t, 1)
	pub1, priv1 := keyPair(t, 2)
	dir.Keys[0] = pub0
	dir.Keys[1] = pub1

	repPrim := newTestReplica(t, clusterID, 0)
	repBack := newTestReplica(t, clusterID, 1)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	srvPrim, err := New(0, "", []Peer{{ID: 1}}, repPrim, primary.New(repPrim, 0), 0,
		viewchange.NewTimeout(time.Hour, time.Now()),
		transport.NewVerifier(clusterID, dir), transport.NewSigner(priv0, 1),
		nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srvPrim.loop.Close() })

	srvBack, err := New(1, "", []Peer{{ID: 0}}, repBack, primary.New(repBack, 0), 0,
		viewchange.NewTimeout(time.Hour, time.Now()),
		transport.NewVerifier(clusterID, dir), transport.NewSigner(priv1, 1),
		nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srvBack.loop.Close() })

	srvPrim.peerFDs[1] = fds[0]
	srvBack.peerFDs[0] = fds[1]

	return &twoReplicaFixture{
		primary: srvPrim,
		backup:  srvBack,
		repPrim: repPrim,
		repBack: repBack,
		fdPrim:  fds[0],
		fdBack:  fds[1],
	}
}

// readFrame reads one signed envelope off fd. A single small envelope
// written to an otherwise quiet socketpair arrives in one Read.
func readFrame(t *testing.T, fd int) []byte {
	t.Helper()
	buf := make([]byte, 8192)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	return buf[:n]
}

func clientMessage(roomID [16]byte, author, seq, ts uint64, body string) wire.ChatMessage {
	var m wire.ChatMessage
	m.RoomID = roomID
	m.AuthorID = author
	m.ClientSequence = seq
	m.TimestampUS = ts
	m.BodyLen = uint32(len(body))
	copy(m.Body[:], body)
	return m
}

func TestServerReplicatesClientRequestToQuorumCommit(t *testing.T) {
	f := newTwoReplicaFixture(t)

	roomID := [16]byte{0x01}
	msg := clientMessage(roomID, 7, 1, 1000, "hello")
	msgBytes, err := msg.Marshal()
	require.NoError(t, err)

	f.primary.handleClientRequest(transport.Envelope{Body: msgBytes})

	prepareFrame := readFrame(t, f.fdBack)
	f.backup.process(f.fdBack, prepareFrame)
	// The prepare only durably logs the op; commit_num stays put until
	// this backup sees the primary's explicit commit message.
	require.Equal(t, uint64(0), f.repBack.CommitNum())

	ackFrame := readFrame(t, f.fdPrim)
	f.primary.process(f.fdPrim, ackFrame)
	assert.Equal(t, uint64(1), f.repPrim.CommitNum())

	commitFrame := readFrame(t, f.fdBack)
	f.backup.process(f.fdBack, commitFrame)
	assert.Equal(t, uint64(1), f.repBack.CommitNum())
}

func TestServerRejectsClientRequestWhenNotPrimary(t *testing.T) {
	f := newTwoReplicaFixture(t)

	roomID := [16]byte{0x01}
	msg := clientMessage(roomID, 7, 1, 1000, "hello")
	msgBytes, err := msg.Marshal()
	require.NoError(t, err)

	// The backup (id 1) is not primary for view 0, so AcceptClientRequest
	// inside handleClientRequest rejects it and nothing is broadcast.
	f.backup.handleClientRequest(transport.Envelope{Body: msgBytes})
	assert.Equal(t, uint64(0), f.repBack.CommitNum())
}

func TestServerRejectsPrepareForForeignView(t *testing.T) {
	f := newTwoReplicaFixture(t)

	roomID := [16]byte{0x01}
	msg := clientMessage(roomID, 7, 1, 1000, "hello")
	msgBytes, err := msg.Marshal()
	require.NoError(t, err)

	f.primary.handleClientRequest(transport.Envelope{Body: msgBytes})
	prepareFrame := readFrame(t, f.fdBack)

	// Force the backup onto a later view before it sees the prepare: it
	// must reject a prepare carrying the now-stale view rather than
	// applying it.
	require.NoError(t, f.repBack.StartViewChange(1))
	f.backup.process(f.fdBack, prepareFrame)
	assert.Equal(t, uint64(0), f.repBack.WAL().LastOp())
}

func TestServerRejectsPrepareFromNonPrimarySender(t *testing.T) {
	f := newTwoReplicaFixture(t)

	roomID := [16]byte{0x01}
	msg := clientMessage(roomID, 7, 1, 1000, "hello")
	msgBytes, err := msg.Marshal()
	require.NoError(t, err)

	// The backup signs a "prepare" with its own sender id (1), which is
	// not the primary for view 0, and delivers it to itself.
	f.backup.send(f.fdPrim, wire.CommandPrepare, 0, 1, msgBytes)
	prepareFrame := readFrame(t, f.fdBack)
	f.backup.process(f.fdBack, prepareFrame)
	assert.Equal(t, uint64(0), f.repBack.WAL().LastOp())
}

func TestServerRejectsOutOfSequencePrepare(t *testing.T) {
	f := newTwoReplicaFixture(t)

	roomID := [16]byte{0x01}
	msg := clientMessage(roomID, 7, 1, 1000, "hello")
	msgBytes, err := msg.Marshal()
	require.NoError(t, err)

	// The primary signs a prepare claiming op 5 when the backup's log is
	// still empty (expects op 1 next); the backup must reject the gap
	// instead of handing it to WAL.Append.
	f.primary.send(f.fdPrim, wire.CommandPrepare, 0, 5, msgBytes)
	prepareFrame := readFrame(t, f.fdBack)
	f.backup.process(f.fdBack, prepareFrame)
	assert.Equal(t, uint64(0), f.repBack.WAL().LastOp())
}

func TestEncodeDecodeVoteRoundTrip(t *testing.T) {
	v := viewchange.Vote{View: 3, LastOp: 42, CommitNum: 40}
	decoded, err := decodeVote(encodeVote(v))
	require.NoError(t, err)
	assert.Equal(t, v.View, decoded.View)
	assert.Equal(t, v.LastOp, decoded.LastOp)
	assert.Equal(t, v.CommitNum, decoded.CommitNum)
}

func TestDecodeVoteRejectsWrongSize(t *testing.T) {
	_, err := decodeVote([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDecodeRangeRoundTrip(t *testing.T) {
	fromOp, toOp, err := decodeRange(encodeRange(5, 19))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fromOp)
	assert.Equal(t, uint64(19), toOp)
}

func TestEncodeDecodeEntriesRoundTrip(t *testing.T) {
	roomID := [16]byte{0x09}
	entries := []wal.Entry{
		{Op: 1, Message: clientMessage(roomID, 1, 1, 100, "a")},
		{Op: 2, Message: clientMessage(roomID, 1, 2, 200, "b")},
	}
	body, err := encodeEntries(entries)
	require.NoError(t, err)

	decoded, err := decodeEntries(body)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, uint64(1), decoded[0].Op)
	assert.Equal(t, uint64(2), decoded[1].Op)
	assert.Equal(t, roomID, decoded[0].Message.RoomID)
}

func TestDecodeEntriesRejectsPartialStride(t *testing.T) {
	_, err := decodeEntries(make([]byte, 10))
	assert.Error(t, err)
}
