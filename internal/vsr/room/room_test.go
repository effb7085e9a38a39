package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

func roomID() [16]byte { return [16]byte{0x01, 0x02} }

func msgFor(room [16]byte, author, seq, ts uint64, body string) wire.ChatMessage {
	var m wire.ChatMessage
	m.RoomID = room
	m.AuthorID = author
	m.ClientSequence = seq
	m.TimestampUS = ts
	m.BodyLen = uint32(len(body))
	copy(m.Body[:], body)
	return m
}

func TestApplyBuildsHashChain(t *testing.T) {
	r := New(roomID(), 0, 0)
	assert.Equal(t, [32]byte{}, r.HeadHash())

	m1, applied, err := r.Apply(msgFor(roomID(), 1, 1, 100, "hi"))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, [32]byte{}, m1.PrevHash)
	h1 := r.HeadHash()
	assert.NotEqual(t, [32]byte{}, h1)

	m2, applied, err := r.Apply(msgFor(roomID(), 1, 2, 200, "there"))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, h1, m2.PrevHash)
	assert.NotEqual(t, h1, r.HeadHash())

	assert.Equal(t, uint64(2), r.MessageCount())
}

func TestApplyRejectsWrongRoom(t *testing.T) {
	r := New(roomID(), 0, 0)
	other := [16]byte{0xFF}
	_, _, err := r.Apply(msgFor(other, 1, 1, 100, "x"))
	assert.ErrorIs(t, err, vsrerr.ErrWrongRoom)
}

func TestApplyRejectsNonMonotonicTimestamp(t *testing.T) {
	r := New(roomID(), 0, 0)
	_, _, err := r.Apply(msgFor(roomID(), 1, 1, 100, "x"))
	require.NoError(t, err)

	_, _, err = r.Apply(msgFor(roomID(), 1, 2, 100, "y"))
	assert.ErrorIs(t, err, vsrerr.ErrTimestampNotMonotonic)

	_, _, err = r.Apply(msgFor(roomID(), 1, 3, 50, "z"))
	assert.ErrorIs(t, err, vsrerr.ErrTimestampNotMonotonic)
}

func TestApplyIsIdempotentForDuplicateClientSequence(t *testing.T) {
	r := New(roomID(), 0, 0)
	first, applied, err := r.Apply(msgFor(roomID(), 1, 1, 100, "original"))
	require.NoError(t, err)
	require.True(t, applied)

	// Same author+client_sequence resubmitted with a different timestamp
	// and body must return the original committed record, not a new one.
	replay, applied, err := r.Apply(msgFor(roomID(), 1, 1, 500, "resent"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first, replay)
	assert.Equal(t, uint64(1), r.MessageCount())
}

func TestApplyEnforcesMaxMessages(t *testing.T) {
	r := New(roomID(), 1, 0)
	_, _, err := r.Apply(msgFor(roomID(), 1, 1, 100, "a"))
	require.NoError(t, err)

	_, _, err = r.Apply(msgFor(roomID(), 1, 2, 200, "b"))
	assert.ErrorIs(t, err, vsrerr.ErrRoomFull)
}

func TestApplyEnforcesMaxIdempotencyEntries(t *testing.T) {
	r := New(roomID(), 0, 1)
	_, _, err := r.Apply(msgFor(roomID(), 1, 1, 100, "a"))
	require.NoError(t, err)

	_, _, err = r.Apply(msgFor(roomID(), 2, 1, 200, "b"))
	assert.ErrorIs(t, err, vsrerr.ErrIdempotencyTableFull)
}

func TestAdoptRebuildsChainStateWithoutValidation(t *testing.T) {
	source := New(roomID(), 0, 0)
	m1, _, err := source.Apply(msgFor(roomID(), 1, 1, 100, "a"))
	require.NoError(t, err)
	m2, _, err := source.Apply(msgFor(roomID(), 2, 1, 200, "b"))
	require.NoError(t, err)

	rebuilt := New(roomID(), 0, 0)
	rebuilt.Adopt(m1)
	rebuilt.Adopt(m2)

	assert.Equal(t, source.HeadHash(), rebuilt.HeadHash())
	assert.Equal(t, source.MessageCount(), rebuilt.MessageCount())

	// A subsequent duplicate submission for an adopted key still replays.
	replay, applied, err := rebuilt.Apply(msgFor(roomID(), 1, 1, 999, "resent"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, m1, replay)
}

func TestApplyIsDeterministicAcrossReplicas(t *testing.T) {
	inputs := []wire.ChatMessage{
		msgFor(roomID(), 1, 1, 100, "a"),
		msgFor(roomID(), 2, 1, 200, "b"),
		msgFor(roomID(), 1, 2, 300, "c"),
	}

	r1 := New(roomID(), 0, 0)
	r2 := New(roomID(), 0, 0)

	for _, m := range inputs {
		out1, _, err := r1.Apply(m)
		require.NoError(t, err)
		out2, _, err := r2.Apply(m)
		require.NoError(t, err)
		assert.Equal(t, out1, out2)
	}
	assert.Equal(t, r1.HeadHash(), r2.HeadHash())
}
