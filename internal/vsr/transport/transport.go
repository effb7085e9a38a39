// Package transport implements the signed envelope wrapping every
// replica-to-replica and client-to-replica message: TransportHeader | body |
// Ed25519 signature. It owns cluster/sender/checksum/signature validation
// and anti-replay nonce tracking, mirroring the attestation and handshake
// validation style of internal/federation/protocol.go in the teacher
// repository (Attestation.Sign/Verify, PeerConnection bookkeeping).
package transport

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"

	"github.com/ocx/vsrchat/internal/vsr/crypto"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// SignatureSize is the byte length of the Ed25519 signature trailer.
const SignatureSize = crypto.SignatureSize

// Envelope is a fully assembled, signed wire message.
type Envelope struct {
	Header    wire.TransportHeader
	Body      []byte
	Signature [SignatureSize]byte
}

// Signer seals an Envelope: it fills Checksum, serializes the header, and
// signs header||body with the local replica's Ed25519 private key.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	nonce      uint64 // sender-monotonic; atomic
}

// NewSigner returns a Signer for the given private key, with its outbound
// nonce counter starting at startNonce (normally 1, or a recovered high
// watermark after restart).
func NewSigner(priv ed25519.PrivateKey, startNonce uint64) *Signer {
	return &Signer{PrivateKey: priv, nonce: startNonce}
}

// NextNonce atomically allocates and returns the next outbound nonce.
func (s *Signer) NextNonce() uint64 {
	return atomic.AddUint64(&s.nonce, 1)
}

// Seal finalizes header (assigning Checksum) and returns the signed
// envelope bytes: header || body || signature.
func (s *Signer) Seal(header wire.TransportHeader, body []byte) ([]byte, error) {
	header.TotalSize = uint32(wire.HeaderSize + len(body))
	header.Checksum = header.CalculateChecksum(body)

	headerBytes, err := header.Marshal()
	if err != nil {
		return nil, err
	}

	canonical := make([]byte, 0, len(headerBytes)+len(body))
	canonical = append(canonical, headerBytes...)
	canonical = append(canonical, body...)
	sig := crypto.Sign(canonical, s.PrivateKey)

	out := make([]byte, 0, len(canonical)+SignatureSize)
	out = append(out, canonical...)
	out = append(out, sig...)
	return out, nil
}

// PeerDirectory resolves a sender id to the Ed25519 public key that signs
// on its behalf.
type PeerDirectory interface {
	PublicKeyFor(senderID uint8) (ed25519.PublicKey, bool)
}

// StaticDirectory is a PeerDirectory backed by a fixed 3-entry table, one
// per replica index.
type StaticDirectory struct {
	Keys [3]ed25519.PublicKey
}

// PublicKeyFor implements PeerDirectory.
func (d StaticDirectory) PublicKeyFor(senderID uint8) (ed25519.PublicKey, bool) {
	if senderID >= uint8(len(d.Keys)) {
		return nil, false
	}
	key := d.Keys[senderID]
	if key == nil {
		return nil, false
	}
	return key, true
}

// NonceTracker records the highest nonce seen from each sender and rejects
// replays (SE4: anti-replay). It is safe for concurrent use.
type NonceTracker struct {
	mu   sync.Mutex
	last map[uint8]uint64
}

// NewNonceTracker returns an empty NonceTracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{last: make(map[uint8]uint64)}
}

// Observe records nonce for senderID if it is strictly greater than the
// last nonce observed from that sender, and reports whether it was
// accepted. A non-increasing nonce is a replay and is rejected.
func (t *NonceTracker) Observe(senderID uint8, nonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[senderID]; ok && nonce <= last {
		return false
	}
	t.last[senderID] = nonce
	return true
}

// Verifier validates inbound envelopes: magic/version, checksum, cluster
// id, sender id, signature, and nonce freshness.
type Verifier struct {
	ClusterID [16]byte
	Peers     PeerDirectory
	Nonces    *NonceTracker
}

// NewVerifier returns a Verifier for the given cluster, peer directory, and
// a fresh nonce tracker.
func NewVerifier(clusterID [16]byte, peers PeerDirectory) *Verifier {
	return &Verifier{ClusterID: clusterID, Peers: peers, Nonces: NewNonceTracker()}
}

// Open parses and fully validates a signed envelope received off the wire.
// On success it returns the envelope with Header and Body populated; on
// failure it returns one of the sentinel errors in vsrerr.
func (v *Verifier) Open(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) < wire.HeaderSize+SignatureSize {
		return env, vsrerr.ErrInvalidMagicOrVersion
	}

	headerBytes := data[:wire.HeaderSize]
	if err := env.Header.Unmarshal(headerBytes); err != nil {
		return env, vsrerr.ErrInvalidMagicOrVersion
	}
	if !env.Header.IsValidMagicAndVersion() {
		return env, vsrerr.ErrInvalidMagicOrVersion
	}

	bodyEnd := len(data) - SignatureSize
	if bodyEnd < wire.HeaderSize || int(env.Header.TotalSize) != bodyEnd {
		return env, vsrerr.ErrInvalidMagicOrVersion
	}
	body := data[wire.HeaderSize:bodyEnd]
	copy(env.Signature[:], data[bodyEnd:])

	if env.Header.ClusterID != v.ClusterID {
		return env, vsrerr.ErrClusterIDMismatch
	}
	if env.Header.SenderID >= 3 { // N=3 replicas, ids 0..2
		return env, vsrerr.ErrInvalidSenderID
	}

	if !env.Header.VerifyChecksum(body) {
		return env, vsrerr.ErrChecksumMismatch
	}

	pub, ok := v.Peers.PublicKeyFor(env.Header.SenderID)
	if !ok {
		return env, vsrerr.ErrInvalidSenderID
	}
	if !crypto.Verify(data[:bodyEnd], env.Signature[:], pub) {
		return env, vsrerr.ErrInvalidSignature
	}

	if v.Nonces != nil && !v.Nonces.Observe(env.Header.SenderID, env.Header.Nonce) {
		return env, vsrerr.ErrReplayedNonce
	}

	env.Body = append([]byte(nil), body...)
	return env, nil
}
