package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ocx/vsrchat/internal/vsr/crypto"
)

// HeaderSize is the fixed, 16-byte-aligned size of a TransportHeader.
const HeaderSize = 128

// headerReservedSize pads the header out to HeaderSize after the named
// fields.
const headerReservedSize = 59

// Magic is the 4-byte protocol magic every TransportHeader must carry.
var Magic = [4]byte{'T', 'I', 'G', 'R'}

// ProtocolVersion is the only wire version this build understands.
const ProtocolVersion uint8 = 1

// Command identifies the kind of payload following a TransportHeader.
type Command uint8

const (
	CommandClientRequest Command = iota + 1
	CommandPrepare
	CommandPrepareOK
	CommandCommit
	CommandStartViewChange
	CommandDoViewChange
	CommandStartView
	CommandGetLogRange
	CommandLogRange
)

// TransportHeader is the fixed 128-byte envelope header (spec §3). The
// checksum covers the named fields from offset headerChecksumCovers
// (TotalSize through SenderID) plus the entire body; the reserved tail that
// pads the header to HeaderSize is not part of the checksum input. Because
// the Checksum field lies before that range, it is computed once every
// covered field, TotalSize included, is final, and the receiver re-verifies
// it identically without zeroing the field.
type TransportHeader struct {
	Magic       [4]byte
	Version     uint8
	Command     Command
	Flags       uint16
	Checksum    uint32 // crc32c over TotalSize..SenderID + body
	TotalSize   uint32 // header + body, not including the trailing signature
	Nonce       uint64 // sender-monotonic, anti-replay
	TimestampUS uint64
	ClusterID   [16]byte
	View        uint32
	Op          uint64
	CommitNum   uint64
	SenderID    uint8 // replica index in {0,1,2}
}

// headerChecksumCovers is the byte offset at which checksum coverage
// begins: Magic(4)+Version(1)+Command(1)+Flags(2)+Checksum(4) = 12.
const headerChecksumCovers = 12

// NewTransportHeader returns a TransportHeader with Magic and Version
// pre-filled.
func NewTransportHeader() TransportHeader {
	return TransportHeader{Magic: Magic, Version: ProtocolVersion}
}

func (h *TransportHeader) fieldsFromChecksum() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, h.TotalSize)
	_ = binary.Write(buf, binary.LittleEndian, h.Nonce)
	_ = binary.Write(buf, binary.LittleEndian, h.TimestampUS)
	_ = binary.Write(buf, binary.LittleEndian, h.ClusterID)
	_ = binary.Write(buf, binary.LittleEndian, h.View)
	_ = binary.Write(buf, binary.LittleEndian, h.Op)
	_ = binary.Write(buf, binary.LittleEndian, h.CommitNum)
	_ = binary.Write(buf, binary.LittleEndian, h.SenderID)
	return buf.Bytes()
}

// CalculateChecksum returns the CRC32C checksum over the header fields from
// offset 12 through SenderID, plus body; the reserved tail is not included.
// It does not read or write h.Checksum.
func (h *TransportHeader) CalculateChecksum(body []byte) uint32 {
	data := append(h.fieldsFromChecksum(), body...)
	return crypto.CRC32C(data)
}

// VerifyChecksum reports whether h.Checksum matches the recomputed checksum
// for the given body.
func (h *TransportHeader) VerifyChecksum(body []byte) bool {
	return h.Checksum == h.CalculateChecksum(body)
}

// Marshal serializes the header to its fixed HeaderSize-byte wire form.
func (h *TransportHeader) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)
	for _, f := range []any{
		h.Magic, h.Version, h.Command, h.Flags, h.Checksum,
	} {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(h.fieldsFromChecksum())
	var reserved [headerReservedSize]byte
	if err := binary.Write(buf, binary.LittleEndian, reserved); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) != HeaderSize {
		panic(fmt.Sprintf("wire: marshaled TransportHeader is %d bytes, want %d", len(out), HeaderSize))
	}
	return out, nil
}

// Unmarshal deserializes a TransportHeader from exactly HeaderSize bytes.
// It validates neither magic/version nor checksum; callers must do so
// explicitly (see internal/vsr/transport).
func (h *TransportHeader) Unmarshal(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("wire: TransportHeader data is %d bytes, want %d", len(data), HeaderSize)
	}
	r := bytes.NewReader(data)
	for _, dst := range []any{
		&h.Magic, &h.Version, &h.Command, &h.Flags, &h.Checksum,
		&h.TotalSize, &h.Nonce, &h.TimestampUS, &h.ClusterID,
		&h.View, &h.Op, &h.CommitNum, &h.SenderID,
	} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return err
		}
	}
	return nil
}

// IsValidMagicAndVersion reports whether the header carries the expected
// magic bytes and a protocol version this build understands.
func (h *TransportHeader) IsValidMagicAndVersion() bool {
	return h.Magic == Magic && h.Version == ProtocolVersion
}

func init() {
	h := NewTransportHeader()
	b, err := h.Marshal()
	if err != nil {
		panic(err)
	}
	if len(b) != HeaderSize {
		panic(fmt.Sprintf("wire: TransportHeader layout is %d bytes, want %d", len(b), HeaderSize))
	}
}
