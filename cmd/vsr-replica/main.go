// Command vsr-replica runs one replica of a VSR group: it recovers its
// write-ahead log, joins its configured cluster, serves the dispatch loop
// for peer and client connections, and exposes a read-only status surface.
// Its lifecycle — load config, wire collaborators, listen for
// SIGINT/SIGTERM, drain with a bounded shutdown timeout — follows
// cmd/api/main.go and cmd/server/main.go in the teacher repository.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/vsrchat/internal/adminhttp"
	"github.com/ocx/vsrchat/internal/vsr/metrics"
	"github.com/ocx/vsrchat/internal/vsr/notify"
	"github.com/ocx/vsrchat/internal/vsr/primary"
	"github.com/ocx/vsrchat/internal/vsr/replica"
	"github.com/ocx/vsrchat/internal/vsr/server"
	"github.com/ocx/vsrchat/internal/vsr/transport"
	"github.com/ocx/vsrchat/internal/vsr/viewchange"
	"github.com/ocx/vsrchat/internal/vsr/wal"
	"github.com/ocx/vsrchat/internal/vsrconfig"
)

func main() {
	cfg, err := vsrconfig.Get()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	walLimit := int64(cfg.WAL.MaxEntries) * wal.EntrySize
	if cfg.WAL.SizeLimitByte > 0 && cfg.WAL.SizeLimitByte < walLimit {
		walLimit = cfg.WAL.SizeLimitByte
	}
	log, err := wal.Open(cfg.WAL.Path, walLimit)
	if err != nil {
		slog.Error("failed to open write-ahead log", "path", cfg.WAL.Path, "error", err)
		os.Exit(1)
	}
	defer log.Close()

	threshold := uint64(float64(cfg.WAL.MaxEntries) * cfg.WAL.SizeThresholdFraction)
	log.SetSizeThreshold(threshold, func(entryCount uint64) {
		slog.Warn("write-ahead log crossed its size watermark",
			"entry_count", entryCount, "max_entries", cfg.WAL.MaxEntries)
	})

	rep, err := replica.New(
		cfg.ClusterIDBytes(),
		cfg.Replica.Index,
		log,
		uint64(cfg.Limits.MaxMessagesPerRoom),
		cfg.Limits.MaxIdempotencyPerRoom,
	)
	if err != nil {
		slog.Error("failed to recover replica from log", "error", err)
		os.Exit(1)
	}
	slog.Info("replica recovered", "replica_id", cfg.Replica.Index, "commit_num", rep.CommitNum())

	prim := primary.New(rep, cfg.Limits.MaxInFlightPrepares)
	vcTimeout := viewchange.NewTimeout(time.Duration(cfg.Timeouts.ViewChangeTimeoutMS)*time.Millisecond, time.Now())

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	verifier, signer, peers, err := buildTransport(cfg)
	if err != nil {
		slog.Error("failed to build transport", "error", err)
		os.Exit(1)
	}

	var notifier notify.CommitNotifier
	switch cfg.Notify.Backend {
	case "pubsub":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		notifier, err = notify.NewPubSubNotifier(ctx, cfg.Notify.PubSub.ProjectID, cfg.Notify.PubSub.TopicID)
		if err != nil {
			slog.Error("failed to connect commit notifier", "backend", "pubsub", "error", err)
			os.Exit(1)
		}
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Notify.Redis.Addr})
		notifier = notify.NewRedisNotifier(rdb, cfg.Notify.Redis.ChannelPrefix)
	default:
		slog.Info("commit fan-out disabled (notify.backend unset)")
	}
	if notifier != nil {
		defer notifier.Close()
	}

	selfAddr := cfg.Cluster.Peers[cfg.Replica.Index].Address
	srv, err := server.New(cfg.Replica.Index, selfAddr, peers, rep, prim, cfg.Limits.MaxInFlightPrepares, vcTimeout, verifier, signer, notifier, m)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	adminSrv := adminhttp.NewServer(rep)
	httpSrv := adminSrv.ListenAndServe(cfg.Admin.ListenAddr)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}()

	slog.Info("vsr-replica starting",
		"cluster_id", cfg.Cluster.ID,
		"replica_id", cfg.Replica.Index,
		"listen_addr", selfAddr,
		"admin_addr", cfg.Admin.ListenAddr,
	)

	if err := srv.Run(shutdownCtx); err != nil {
		slog.Error("server stopped with error", "error", err)
		shutdownCancel()
		os.Exit(1)
	}
	slog.Info("vsr-replica stopped")
}

// buildTransport derives this replica's signer, a verifier keyed by every
// peer's public key, and the dial list of the other two replicas from cfg.
func buildTransport(cfg *vsrconfig.Config) (*transport.Verifier, *transport.Signer, []server.Peer, error) {
	priv, err := cfg.PrivateKey()
	if err != nil {
		return nil, nil, nil, err
	}
	signer := transport.NewSigner(priv, 1)

	var dir transport.StaticDirectory
	var peers []server.Peer
	for i, p := range cfg.Cluster.Peers {
		pub, err := p.DecodePublicKey()
		if err != nil {
			return nil, nil, nil, err
		}
		dir.Keys[i] = pub
		if uint8(i) != cfg.Replica.Index {
			peers = append(peers, server.Peer{ID: uint8(i), Address: p.Address})
		}
	}
	verifier := transport.NewVerifier(cfg.ClusterIDBytes(), dir)
	return verifier, signer, peers, nil
}
