package transport

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vsrchat/internal/vsr/crypto"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

func keyPair(t *testing.T, seedByte byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	var seed [crypto.SeedSize]byte
	seed[0] = seedByte
	pub, priv := crypto.KeyPairFromSeed(seed)
	return pub, priv
}

func testDirectory(t *testing.T) (StaticDirectory, [3]ed25519.PrivateKey) {
	t.Helper()
	var dir StaticDirectory
	var privs [3]ed25519.PrivateKey
	for i := 0; i < 3; i++ {
		pub, priv := keyPair(t, byte(i+1))
		dir.Keys[i] = pub
		privs[i] = priv
	}
	return dir, privs
}

func TestEnvelopeSealAndOpenRoundTrip(t *testing.T) {
	dir, privs := testDirectory(t)
	clusterID := [16]byte{0x42}
	v := NewVerifier(clusterID, dir)

	signer := NewSigner(privs[0], 0)
	header := wire.NewTransportHeader()
	header.Command = wire.CommandPrepare
	header.ClusterID = clusterID
	header.SenderID = 0
	header.Nonce = signer.NextNonce()
	header.View = 1
	header.Op = 5
	header.CommitNum = 4

	body := []byte("prepare payload")
	data, err := signer.Seal(header, body)
	require.NoError(t, err)

	env, err := v.Open(data)
	require.NoError(t, err)
	assert.Equal(t, body, env.Body)
	assert.Equal(t, uint8(0), env.Header.SenderID)
	assert.Equal(t, uint64(1), env.Header.Nonce)
}

func TestVerifierRejectsClusterMismatch(t *testing.T) {
	dir, privs := testDirectory(t)
	v := NewVerifier([16]byte{0x01}, dir)

	signer := NewSigner(privs[0], 0)
	header := wire.NewTransportHeader()
	header.ClusterID = [16]byte{0x02}
	header.SenderID = 0
	header.Nonce = signer.NextNonce()

	data, err := signer.Seal(header, []byte("x"))
	require.NoError(t, err)

	_, err = v.Open(data)
	assert.ErrorIs(t, err, vsrerr.ErrClusterIDMismatch)
}

func TestVerifierRejectsUnknownSender(t *testing.T) {
	dir, privs := testDirectory(t)
	clusterID := [16]byte{0x09}

	// Restrict the directory to only replica 0's key, then present a
	// message signed by (and addressed as) replica 1.
	var small StaticDirectory
	small.Keys[0] = dir.Keys[0]
	v := NewVerifier(clusterID, small)

	signer := NewSigner(privs[1], 0)
	header := wire.NewTransportHeader()
	header.ClusterID = clusterID
	header.SenderID = 1
	header.Nonce = 1

	data, err := signer.Seal(header, []byte("x"))
	require.NoError(t, err)

	_, err = v.Open(data)
	assert.ErrorIs(t, err, vsrerr.ErrInvalidSenderID)
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	dir, privs := testDirectory(t)
	clusterID := [16]byte{0x09}
	v := NewVerifier(clusterID, dir)

	signer := NewSigner(privs[0], 0)
	header := wire.NewTransportHeader()
	header.ClusterID = clusterID
	header.SenderID = 0
	header.Nonce = 1

	data, err := signer.Seal(header, []byte("payload"))
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // tamper with signature

	_, err = v.Open(data)
	assert.ErrorIs(t, err, vsrerr.ErrInvalidSignature)
}

func TestVerifierRejectsChecksumTamper(t *testing.T) {
	dir, privs := testDirectory(t)
	clusterID := [16]byte{0x09}
	v := NewVerifier(clusterID, dir)

	signer := NewSigner(privs[0], 0)
	header := wire.NewTransportHeader()
	header.ClusterID = clusterID
	header.SenderID = 0
	header.Nonce = 1

	data, err := signer.Seal(header, []byte("payload"))
	require.NoError(t, err)
	data[wire.HeaderSize] ^= 0xFF // tamper with body, signature no longer matches either

	_, err = v.Open(data)
	require.Error(t, err)
}

func TestVerifierRejectsReplayedNonce(t *testing.T) {
	dir, privs := testDirectory(t)
	clusterID := [16]byte{0x09}
	v := NewVerifier(clusterID, dir)
	signer := NewSigner(privs[0], 0)

	mkHeader := func(nonce uint64) wire.TransportHeader {
		h := wire.NewTransportHeader()
		h.ClusterID = clusterID
		h.SenderID = 0
		h.Nonce = nonce
		return h
	}

	data1, err := signer.Seal(mkHeader(1), []byte("a"))
	require.NoError(t, err)
	_, err = v.Open(data1)
	require.NoError(t, err)

	data2, err := signer.Seal(mkHeader(1), []byte("b"))
	require.NoError(t, err)
	_, err = v.Open(data2)
	assert.ErrorIs(t, err, vsrerr.ErrReplayedNonce)

	data3, err := signer.Seal(mkHeader(2), []byte("c"))
	require.NoError(t, err)
	_, err = v.Open(data3)
	assert.NoError(t, err)
}

func TestNonceTrackerObserve(t *testing.T) {
	tr := NewNonceTracker()
	assert.True(t, tr.Observe(0, 1))
	assert.True(t, tr.Observe(0, 2))
	assert.False(t, tr.Observe(0, 2))
	assert.False(t, tr.Observe(0, 1))
	assert.True(t, tr.Observe(1, 1))
}
