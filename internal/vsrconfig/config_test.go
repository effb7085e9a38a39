package vsrconfig

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func genKeyHex(t *testing.T, seed byte) (pub, priv string) {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed
	}
	pk := ed25519.NewKeyFromSeed(seedBytes)
	return hex.EncodeToString(pk.Public().(ed25519.PublicKey)), hex.EncodeToString(pk)
}

func writeValidConfig(t *testing.T) string {
	t.Helper()
	pub0, priv0 := genKeyHex(t, 0x01)
	pub1, _ := genKeyHex(t, 0x02)
	pub2, _ := genKeyHex(t, 0x03)

	contents := `
cluster:
  id: "room-shard-7"
  peers:
    - address: "10.0.0.1:9000"
      public_key: "` + pub0 + `"
    - address: "10.0.0.2:9000"
      public_key: "` + pub1 + `"
    - address: "10.0.0.3:9000"
      public_key: "` + pub2 + `"
replica:
  index: 0
  private_key: "` + priv0 + `"
timeouts:
  prepare_timeout_ms: 100
  view_change_timeout_ms: 500
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "room-shard-7", cfg.Cluster.ID)
	require.Equal(t, uint8(0), cfg.Replica.Index)
	require.Equal(t, 64, cfg.Limits.MaxConnections)
	require.Equal(t, "vsr.wal", cfg.WAL.Path)
	require.Equal(t, int64(1<<30), cfg.WAL.SizeLimitByte)
	require.Equal(t, uint64(10_000_000), cfg.WAL.MaxEntries)
	require.Equal(t, 0.9, cfg.WAL.SizeThresholdFraction)
	require.Equal(t, "vsr:commits:", cfg.Notify.Redis.ChannelPrefix)
	require.Equal(t, ":9090", cfg.Admin.ListenAddr)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsMissingClusterID(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Cluster.ID = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeReplicaIndex(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Replica.Index = GroupSize
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicatePeerAddresses(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Cluster.Peers[1].Address = cfg.Cluster.Peers[0].Address
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPublicKeyHex(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Cluster.Peers[0].PublicKey = "not-hex"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsViewChangeTimeoutNotExceedingPrepareTimeout(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Timeouts.ViewChangeTimeoutMS = cfg.Timeouts.PrepareTimeoutMS
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPubSubBackendMissingFields(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Notify.Backend = "pubsub"
	require.Error(t, cfg.Validate())

	cfg.Notify.PubSub.ProjectID = "proj"
	cfg.Notify.PubSub.TopicID = "topic"
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	path := writeValidConfig(t)
	t.Setenv("VSR_CLUSTER_ID", "room-shard-99")
	t.Setenv("VSR_REPLICA_INDEX", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "room-shard-99", cfg.Cluster.ID)
	require.Equal(t, uint8(2), cfg.Replica.Index)
}

func TestPrivateKeyAndPeerPublicKeyRoundTrip(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	priv, err := cfg.PrivateKey()
	require.NoError(t, err)
	require.Len(t, priv, ed25519.PrivateKeySize)

	pub, err := cfg.Cluster.Peers[0].DecodePublicKey()
	require.NoError(t, err)
	require.Equal(t, priv.Public().(ed25519.PublicKey), pub)
}

func TestClusterIDBytesPadsIntoSixteenBytes(t *testing.T) {
	path := writeValidConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	idBytes := cfg.ClusterIDBytes()
	require.Len(t, idBytes, 16)
	require.Equal(t, "room-shard-7", string(idBytes[:len("room-shard-7")]))
}
