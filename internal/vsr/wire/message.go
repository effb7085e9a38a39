// Package wire implements the fixed-layout on-wire and on-disk records: the
// 2368-byte chat message record and the 128-byte transport header. Layouts
// are pinned by explicit field-by-field (de)serialization (mirroring
// internal/protocol.FrameHeader's Marshal/Unmarshal in the teacher
// repository) rather than relying on Go struct memory layout, so the wire
// representation is identical across platforms and Go versions.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ocx/vsrchat/internal/vsr/crypto"
)

const (
	// MessageSize is the fixed, 16-byte-aligned size of a ChatMessage record.
	MessageSize = 2368

	// BodyCapacity is the maximum UTF-8 body length in bytes.
	BodyCapacity = 2048

	// FlagDeleted marks a message as soft-deleted.
	FlagDeleted uint32 = 1 << 0
	// FlagEdited marks a message as edited after its original post.
	FlagEdited uint32 = 1 << 1
)

// messageReservedSize is the tail padding after the checksum. The struct
// carries one 8-byte internal alignment pad (after AuthorID, so ParentID
// starts on a 16-byte boundary like RoomID/MsgID) plus this explicit
// reserved tail; together with the named fields they sum to MessageSize.
const messageReservedSize = 196

// ChatMessage is the fixed 2368-byte chat message record (spec §3).
type ChatMessage struct {
	RoomID         [16]byte // shard key
	MsgID          [16]byte // time-ordered unique id
	AuthorID       uint64
	ParentID       [16]byte // zero = top-level
	TimestampUS    uint64   // monotonic per-room
	ClientSequence uint64   // per-author idempotency key
	BodyLen        uint32   // <= BodyCapacity
	Flags          uint32   // bit0=deleted, bit1=edited
	Body           [BodyCapacity]byte
	PrevHash       [32]byte // sha256 of prior message in room chain; zero for root
	Checksum       uint32   // crc32c over every preceding byte
}

// ZeroPadding zeros the body bytes beyond BodyLen. Must be called (or
// equivalent construction discipline followed) before computing a checksum
// so that equal logical content always produces equal bytes.
func (m *ChatMessage) ZeroPadding() {
	for i := int(m.BodyLen); i < BodyCapacity; i++ {
		m.Body[i] = 0
	}
}

// payloadBytes returns the byte representation of every field that
// participates in the checksum, i.e. everything except Checksum itself and
// the trailing reserved padding.
func (m *ChatMessage) payloadBytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(MessageSize)
	_ = binary.Write(buf, binary.LittleEndian, m.RoomID)
	_ = binary.Write(buf, binary.LittleEndian, m.MsgID)
	_ = binary.Write(buf, binary.LittleEndian, m.AuthorID)
	var pad [8]byte
	_ = binary.Write(buf, binary.LittleEndian, pad)
	_ = binary.Write(buf, binary.LittleEndian, m.ParentID)
	_ = binary.Write(buf, binary.LittleEndian, m.TimestampUS)
	_ = binary.Write(buf, binary.LittleEndian, m.ClientSequence)
	_ = binary.Write(buf, binary.LittleEndian, m.BodyLen)
	_ = binary.Write(buf, binary.LittleEndian, m.Flags)
	_ = binary.Write(buf, binary.LittleEndian, m.Body)
	_ = binary.Write(buf, binary.LittleEndian, m.PrevHash)
	return buf.Bytes()
}

// CalculateChecksum zero-pads the body and returns the CRC32C checksum over
// every semantic field including PrevHash, but not over Checksum or the
// reserved tail.
func (m *ChatMessage) CalculateChecksum() uint32 {
	m.ZeroPadding()
	return crypto.CRC32C(m.payloadBytes())
}

// VerifyChecksum reports whether m.Checksum matches the recomputed checksum.
func (m *ChatMessage) VerifyChecksum() bool {
	return m.Checksum == m.CalculateChecksum()
}

// CalculateHash returns the SHA-256 hash of the full serialized record
// (including Checksum), used as the hash-chain link to the next message.
func (m *ChatMessage) CalculateHash() [32]byte {
	b, _ := m.Marshal()
	return crypto.SHA256(b)
}

// Marshal serializes the message to its fixed MessageSize-byte wire form.
// The caller must have already set Checksum (typically via
// CalculateChecksum) for the bytes to round-trip verifiably.
func (m *ChatMessage) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(MessageSize)
	buf.Write(m.payloadBytes())
	if err := binary.Write(buf, binary.LittleEndian, m.Checksum); err != nil {
		return nil, err
	}
	var reserved [messageReservedSize]byte
	if err := binary.Write(buf, binary.LittleEndian, reserved); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) != MessageSize {
		panic(fmt.Sprintf("wire: marshaled ChatMessage is %d bytes, want %d", len(out), MessageSize))
	}
	return out, nil
}

// Unmarshal deserializes a ChatMessage from exactly MessageSize bytes. It
// does not verify the checksum; call VerifyChecksum afterward.
func (m *ChatMessage) Unmarshal(data []byte) error {
	if len(data) != MessageSize {
		return fmt.Errorf("wire: ChatMessage data is %d bytes, want %d", len(data), MessageSize)
	}
	r := bytes.NewReader(data)
	var pad [8]byte
	for _, err := range []error{
		binary.Read(r, binary.LittleEndian, &m.RoomID),
		binary.Read(r, binary.LittleEndian, &m.MsgID),
		binary.Read(r, binary.LittleEndian, &m.AuthorID),
		binary.Read(r, binary.LittleEndian, &pad),
		binary.Read(r, binary.LittleEndian, &m.ParentID),
		binary.Read(r, binary.LittleEndian, &m.TimestampUS),
		binary.Read(r, binary.LittleEndian, &m.ClientSequence),
		binary.Read(r, binary.LittleEndian, &m.BodyLen),
		binary.Read(r, binary.LittleEndian, &m.Flags),
		binary.Read(r, binary.LittleEndian, &m.Body),
		binary.Read(r, binary.LittleEndian, &m.PrevHash),
		binary.Read(r, binary.LittleEndian, &m.Checksum),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	// Compile-time-equivalent assertion on the fixed layout, matching
	// spec §9's instruction to pin magic/checksum offsets with tests when
	// the language has no native static_assert.
	var m ChatMessage
	b, err := m.Marshal()
	if err != nil {
		panic(err)
	}
	if len(b) != MessageSize {
		panic(fmt.Sprintf("wire: ChatMessage layout is %d bytes, want %d", len(b), MessageSize))
	}
}
