// Package server wires the replication core's pure-logic packages (wal,
// room, replica, primary, viewchange) onto real sockets: a single epoll
// loop multiplexes every peer and client connection, mirroring the
// listener/accept-loop shape of cmd/socket-gateway/main.go in the teacher
// repository but swapped onto golang.org/x/sys/unix's non-blocking API
// instead of net.Listener, since the dispatch loop already owns raw fds.
//
// Every inbound byte stream is framed by the transport header's TotalSize
// field: once enough bytes have accumulated to decode a header, the
// connection's buffer is read again until the full header+body+signature
// frame is present, then handed to transport.Verifier before any protocol
// logic sees it.
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/vsrchat/internal/vsr/dispatch"
	"github.com/ocx/vsrchat/internal/vsr/metrics"
	"github.com/ocx/vsrchat/internal/vsr/notify"
	"github.com/ocx/vsrchat/internal/vsr/primary"
	"github.com/ocx/vsrchat/internal/vsr/replica"
	"github.com/ocx/vsrchat/internal/vsr/transport"
	"github.com/ocx/vsrchat/internal/vsr/viewchange"
	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
	"github.com/ocx/vsrchat/internal/vsr/wal"
	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// Peer identifies one other member of the replica group.
type Peer struct {
	ID      uint8
	Address string
}

// Server runs one replica's network presence: it accepts client and peer
// connections, dials the other two replicas, and drives the replica,
// primary, and viewchange state machines from the frames it decodes.
type Server struct {
	selfID     uint8
	listenAddr string
	peers      []Peer // the other two replicas, not self

	rep         *replica.Replica
	prim        *primary.Primary
	maxInFlight int // carried across view changes so a fresh Primary keeps the configured bound
	installer   *viewchange.Installer
	vcTimeout   *viewchange.Timeout

	verifier *transport.Verifier
	signer   *transport.Signer

	pool *dispatch.Pool
	loop *dispatch.Loop

	notifier notify.CommitNotifier
	metrics  *metrics.Metrics

	listenFD int
	peerFDs  map[uint8]int
	bufs     map[int][]byte

	election         *viewchange.Election
	pendingNewView   uint32
	pendingCommitNum uint64
	awaitingTransfer bool

	// dialed carries successfully-dialed peer connections from the
	// background dialer goroutines back to the single event-loop
	// goroutine, which is the only goroutine that ever touches peerFDs,
	// bufs, pool, or loop directly. This keeps the whole connection-state
	// machine single-threaded, matching the dispatch package's
	// readiness-driven, non-blocking-IO model.
	dialed chan dialedPeer
}

type dialedPeer struct {
	id uint8
	fd int
}

// New builds a Server. It does not yet bind a listener or dial peers; call
// Run to start serving.
func New(
	selfID uint8,
	listenAddr string,
	peers []Peer,
	rep *replica.Replica,
	prim *primary.Primary,
	maxInFlight int,
	vcTimeout *viewchange.Timeout,
	verifier *transport.Verifier,
	signer *transport.Signer,
	notifier notify.CommitNotifier,
	m *metrics.Metrics,
) (*Server, error) {
	loop, err := dispatch.NewLoop()
	if err != nil {
		return nil, fmt.Errorf("server: dispatch.NewLoop: %w", err)
	}
	return &Server{
		selfID:      selfID,
		listenAddr:  listenAddr,
		peers:       peers,
		rep:         rep,
		prim:        prim,
		maxInFlight: maxInFlight,
		installer:   viewchange.NewInstaller(rep),
		vcTimeout:   vcTimeout,
		verifier:    verifier,
		signer:      signer,
		pool:       dispatch.NewPool(0),
		loop:       loop,
		notifier:   notifier,
		metrics:    m,
		peerFDs:    make(map[uint8]int),
		bufs:       make(map[int][]byte),
		listenFD:   -1,
		dialed:     make(chan dialedPeer, len(peers)),
	}, nil
}

// Run binds the listener, registers it with the epoll loop, starts dialing
// peers in the background, and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	fd, err := listenOn(s.listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.listenAddr, err)
	}
	s.listenFD = fd
	if err := s.loop.Register(fd); err != nil {
		return fmt.Errorf("server: register listener: %w", err)
	}
	defer s.loop.Close()
	defer unix.Close(fd)

	go s.dialPeersLoop(ctx)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.drainDialed()

		ready, err := s.loop.Poll(50)
		if err != nil {
			return fmt.Errorf("server: poll: %w", err)
		}
		for _, r := range ready {
			if r.FD == s.listenFD {
				s.acceptLoop()
				continue
			}
			s.handleReadable(r.FD)
		}
		s.checkViewChangeTimeout()

		select {
		case <-ticker.C:
			s.reportGauges()
		default:
		}
	}
}

// reportGauges refreshes the gauges that don't have a natural event to
// drive them (connection count, WAL size), sampled once per tick rather
// than on every loop iteration.
func (s *Server) reportGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.ConnectionsActive.WithLabelValues(s.replicaLabel()).Set(float64(s.pool.Len()))
	s.metrics.WALSizeBytes.WithLabelValues(s.replicaLabel()).Set(float64(s.rep.WAL().Size()))
}

// drainDialed registers any peer connections the background dialers have
// completed since the last iteration. Only the event-loop goroutine calls
// this, so no locking is needed around peerFDs/bufs/pool/loop here.
func (s *Server) drainDialed() {
	for {
		select {
		case d := <-s.dialed:
			s.peerFDs[d.id] = d.fd
			if _, err := s.pool.Admit(d.fd, fmt.Sprintf("peer-%d", d.id)); err != nil {
				slog.Warn("server: peer connection rejected, pool full", "peer", d.id)
				unix.Close(d.fd)
				delete(s.peerFDs, d.id)
				continue
			}
			s.pool.MarkConnected(d.fd)
			if err := s.loop.Register(d.fd); err != nil {
				slog.Warn("server: register peer fd failed", "peer", d.id, "error", err)
				continue
			}
			s.bufs[d.fd] = nil
		default:
			return
		}
	}
}

func listenOn(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, dispatch.MaxConnections); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *Server) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			slog.Warn("server: accept failed", "error", err)
			return
		}
		remote := sockaddrString(sa)
		if _, err := s.pool.Admit(fd, remote); err != nil {
			slog.Warn("server: connection rejected, pool full", "remote", remote)
			unix.Close(fd)
			continue
		}
		s.pool.MarkConnected(fd)
		if err := s.loop.Register(fd); err != nil {
			slog.Warn("server: register accepted fd failed", "error", err)
			unix.Close(fd)
			continue
		}
		s.bufs[fd] = nil
	}
}

func (s *Server) dialPeersLoop(ctx context.Context) {
	for _, p := range s.peers {
		go func(p Peer) {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				fd, err := dialOne(p.Address)
				if err != nil {
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				select {
				case s.dialed <- dialedPeer{id: p.ID, fd: fd}:
				case <-ctx.Done():
					unix.Close(fd)
				}
				return
			}
		}(p)
	}
}

func dialOne(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), v.Port)
	}
	return "unknown"
}

func (s *Server) closeConn(fd int) {
	s.pool.Remove(fd)
	_ = s.loop.Deregister(fd)
	unix.Close(fd)
	delete(s.bufs, fd)
	for id, peerFD := range s.peerFDs {
		if peerFD == fd {
			delete(s.peerFDs, id)
		}
	}
}

func (s *Server) handleReadable(fd int) {
	tmp := make([]byte, 65536)
	for {
		n, err := unix.Read(fd, tmp)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.closeConn(fd)
			return
		}
		if n == 0 {
			s.closeConn(fd)
			return
		}
		s.bufs[fd] = append(s.bufs[fd], tmp[:n]...)
	}
	s.drainFrames(fd)
}

func (s *Server) drainFrames(fd int) {
	for {
		buf := s.bufs[fd]
		if len(buf) < wire.HeaderSize {
			return
		}
		var hdr wire.TransportHeader
		if err := hdr.Unmarshal(buf[:wire.HeaderSize]); err != nil {
			s.closeConn(fd)
			return
		}
		frameLen := int(hdr.TotalSize) + transport.SignatureSize
		if frameLen < wire.HeaderSize || len(buf) < frameLen {
			return
		}
		frame := buf[:frameLen]
		s.bufs[fd] = append([]byte(nil), buf[frameLen:]...)
		s.process(fd, frame)
	}
}

func (s *Server) process(fd int, frame []byte) {
	env, err := s.verifier.Open(frame)
	if err != nil {
		slog.Warn("server: rejected inbound envelope", "error", err)
		return
	}
	s.vcTimeout.Touch(time.Now())

	switch env.Header.Command {
	case wire.CommandClientRequest:
		s.handleClientRequest(env)
	case wire.CommandPrepare:
		s.handlePrepare(env)
	case wire.CommandPrepareOK:
		s.handlePrepareOK(env)
	case wire.CommandCommit:
		s.handleCommit(env)
	case wire.CommandStartViewChange:
		s.handleStartViewChange(env)
	case wire.CommandDoViewChange:
		s.handleDoViewChange(env)
	case wire.CommandStartView:
		s.handleStartView(env)
	case wire.CommandGetLogRange:
		s.handleGetLogRange(fd, env)
	case wire.CommandLogRange:
		s.handleLogRange(env)
	default:
		slog.Warn("server: unknown command", "command", env.Header.Command)
	}
}

func (s *Server) send(fd int, cmd wire.Command, view uint32, op uint64, body []byte) {
	hdr := wire.NewTransportHeader()
	hdr.Command = cmd
	hdr.View = view
	hdr.Op = op
	hdr.CommitNum = s.rep.CommitNum()
	hdr.ClusterID = s.rep.ClusterID
	hdr.SenderID = s.selfID
	hdr.Nonce = s.signer.NextNonce()
	hdr.TimestampUS = uint64(time.Now().UnixMicro())

	out, err := s.signer.Seal(hdr, body)
	if err != nil {
		slog.Error("server: failed to seal outbound envelope", "error", err)
		return
	}
	if _, err := unix.Write(fd, out); err != nil {
		slog.Warn("server: write failed, dropping connection", "fd", fd, "error", err)
		s.closeConn(fd)
	}
}

func (s *Server) sendToPeer(id uint8, cmd wire.Command, view uint32, op uint64, body []byte) {
	fd, ok := s.peerFDs[id]
	if !ok {
		slog.Warn("server: no connection to peer, dropping message", "peer", id, "command", cmd)
		return
	}
	s.send(fd, cmd, view, op, body)
}

func (s *Server) broadcastToPeers(cmd wire.Command, view uint32, op uint64, body []byte) {
	for id := range s.peerFDs {
		s.sendToPeer(id, cmd, view, op, body)
	}
}

func (s *Server) handleClientRequest(env transport.Envelope) {
	var msg wire.ChatMessage
	if err := msg.Unmarshal(env.Body); err != nil {
		slog.Warn("server: malformed client request", "error", err)
		return
	}
	op, err := s.prim.AcceptClientRequest(msg)
	if err != nil {
		slog.Warn("server: client request rejected", "error", err)
		return
	}
	if op == 0 {
		slog.Debug("server: duplicate client request already committed, nothing to prepare")
		return
	}
	s.broadcastToPeers(wire.CommandPrepare, s.rep.View(), op, env.Body)
}

// handlePrepare durably applies a prepare from the primary. Before
// touching the log it checks that the prepare belongs to this replica's
// current view, actually came from the primary for that view, and is the
// next op this replica expects — ordinary network-input conditions (a
// stale retransmit, a spoofed or misrouted sender, a gap from a dropped
// packet) rather than invariant violations, so they are logged and
// dropped rather than left to WAL.Append's fail-fast panic. Applying the
// prepare itself only logs the op; commit_num advances separately, once
// this replica sees the primary's explicit commit message.
func (s *Server) handlePrepare(env transport.Envelope) {
	if env.Header.View != s.rep.View() {
		slog.Warn("server: rejecting prepare for foreign view", "view", env.Header.View, "self_view", s.rep.View())
		return
	}
	if env.Header.SenderID != s.rep.PrimaryIDForView(env.Header.View) {
		slog.Warn("server: rejecting prepare from non-primary sender", "sender", env.Header.SenderID, "view", env.Header.View)
		return
	}
	if wantOp := s.rep.WAL().LastOp() + 1; env.Header.Op != wantOp {
		slog.Warn("server: rejecting out-of-sequence prepare", "error", vsrerr.ErrNonSequentialOp, "op", env.Header.Op, "want", wantOp)
		return
	}

	var msg wire.ChatMessage
	if err := msg.Unmarshal(env.Body); err != nil {
		slog.Warn("server: malformed prepare", "error", err)
		return
	}
	if _, _, err := s.rep.Prepare(msg); err != nil {
		slog.Error("server: failed to apply prepared message", "error", err)
		return
	}
	s.sendToPeer(env.Header.SenderID, wire.CommandPrepareOK, env.Header.View, env.Header.Op, nil)
}

func (s *Server) handlePrepareOK(env transport.Envelope) {
	committed, result, err := s.prim.HandlePrepareOK(env.Header.Op, env.Header.SenderID)
	if err != nil {
		slog.Error("server: commit failed after reaching quorum", "error", err)
		return
	}
	if !committed {
		return
	}
	s.broadcastToPeers(wire.CommandCommit, s.rep.View(), s.rep.CommitNum(), nil)

	if s.metrics != nil {
		s.metrics.OpsCommitted.WithLabelValues(s.replicaLabel()).Inc()
		s.metrics.CommitNumber.WithLabelValues(s.replicaLabel()).Set(float64(s.rep.CommitNum()))
	}
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.notifier.NotifyCommit(ctx, result.RoomID, result); err != nil {
		slog.Warn("server: commit notification failed", "error", err)
	}
}

// handleCommit advances this backup's commit number on an explicit commit
// message from the primary for the current view — the only path by which
// a backup learns that a prepared op is now durably held by a quorum.
func (s *Server) handleCommit(env transport.Envelope) {
	if env.Header.View != s.rep.View() {
		return
	}
	if env.Header.SenderID != s.rep.PrimaryIDForView(env.Header.View) {
		return
	}
	if err := s.rep.AdvanceCommit(env.Header.Op); err != nil {
		slog.Error("server: failed to advance commit number", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CommitNumber.WithLabelValues(s.replicaLabel()).Set(float64(s.rep.CommitNum()))
	}
}

func (s *Server) replicaLabel() string {
	return fmt.Sprintf("%d", s.selfID)
}

func (s *Server) checkViewChangeTimeout() {
	if s.rep.IsPrimary() {
		return
	}
	if s.election != nil {
		return // already mid-election
	}
	if !s.vcTimeout.Expired(time.Now()) {
		return
	}
	newView := s.rep.View() + 1
	if err := s.rep.StartViewChange(newView); err != nil {
		return
	}
	s.prim.ClearPending()
	if s.metrics != nil {
		s.metrics.ViewChangesTotal.WithLabelValues(s.replicaLabel()).Inc()
	}
	vote := viewchange.Vote{ReplicaID: s.selfID, View: newView, LastOp: s.rep.WAL().LastOp(), CommitNum: s.rep.CommitNum()}
	s.broadcastToPeers(wire.CommandStartViewChange, newView, 0, encodeVote(vote))

	newPrimary := s.rep.PrimaryIDForView(newView)
	if newPrimary == s.selfID {
		s.election = viewchange.NewElection(newView)
		s.election.RecordVote(vote)
	}
}

func (s *Server) handleStartViewChange(env transport.Envelope) {
	vote, err := decodeVote(env.Body)
	if err != nil {
		slog.Warn("server: malformed start_view_change", "error", err)
		return
	}
	vote.ReplicaID = env.Header.SenderID
	newView := env.Header.View
	if newView <= s.rep.View() {
		return
	}
	if err := s.rep.StartViewChange(newView); err != nil {
		return
	}
	s.prim.ClearPending()
	if s.metrics != nil {
		s.metrics.ViewChangesTotal.WithLabelValues(s.replicaLabel()).Inc()
	}

	myVote := viewchange.Vote{ReplicaID: s.selfID, View: newView, LastOp: s.rep.WAL().LastOp(), CommitNum: s.rep.CommitNum()}
	newPrimary := s.rep.PrimaryIDForView(newView)
	if newPrimary == s.selfID {
		if s.election == nil {
			s.election = viewchange.NewElection(newView)
		}
		s.election.RecordVote(myVote)
		s.election.RecordVote(vote)
		s.tryCompleteElection()
		return
	}
	s.sendToPeer(newPrimary, wire.CommandDoViewChange, newView, 0, encodeVote(myVote))
}

func (s *Server) handleDoViewChange(env transport.Envelope) {
	vote, err := decodeVote(env.Body)
	if err != nil {
		slog.Warn("server: malformed do_view_change", "error", err)
		return
	}
	vote.ReplicaID = env.Header.SenderID
	newView := env.Header.View

	// This replica must already be running its own election for newView
	// (started in checkViewChangeTimeout or handleStartViewChange when it
	// discovered it is the primary-elect); a do_view_change for any other
	// view is a stale retransmit.
	if s.election == nil || newView != s.rep.View() {
		return
	}
	s.election.RecordVote(vote)
	s.tryCompleteElection()
}

func (s *Server) tryCompleteElection() {
	if s.election == nil {
		return
	}
	winner, ok := s.election.Decide()
	if !ok {
		return
	}
	fromOp, toOp, needTransfer := s.installer.MissingRange(winner.LastOp)
	if needTransfer && winner.ReplicaID != s.selfID {
		s.pendingNewView = winner.View
		s.pendingCommitNum = winner.CommitNum
		s.awaitingTransfer = true
		s.sendToPeer(winner.ReplicaID, wire.CommandGetLogRange, winner.View, 0, encodeRange(fromOp, toOp))
		return
	}
	s.installView(winner.View, winner.CommitNum)
}

func (s *Server) installView(newView uint32, commitNum uint64) {
	if err := s.installer.InstallView(newView, commitNum); err != nil {
		slog.Error("server: failed to install new view", "error", err)
		return
	}
	s.prim = primary.New(s.rep, s.maxInFlight)
	s.election = nil
	s.awaitingTransfer = false
	if s.metrics != nil {
		s.metrics.CurrentView.WithLabelValues(s.replicaLabel()).Set(float64(newView))
	}
	s.broadcastToPeers(wire.CommandStartView, newView, s.rep.CommitNum(), nil)
	slog.Info("server: view installed", "view", newView, "replica_id", s.selfID)
}

func (s *Server) handleStartView(env transport.Envelope) {
	newView := env.Header.View
	if newView < s.rep.View() {
		return
	}
	if err := s.installer.InstallView(newView, env.Header.CommitNum); err != nil {
		slog.Error("server: failed to install view from start_view", "error", err)
		return
	}
	s.prim.ClearPending()
	s.election = nil
	s.vcTimeout.Touch(time.Now())
	if s.metrics != nil {
		s.metrics.CurrentView.WithLabelValues(s.replicaLabel()).Set(float64(newView))
	}
}

func (s *Server) handleGetLogRange(fd int, env transport.Envelope) {
	fromOp, toOp, err := decodeRange(env.Body)
	if err != nil {
		slog.Warn("server: malformed get_log_range", "error", err)
		return
	}
	entries, err := s.rep.WAL().ReadRange(fromOp, toOp)
	if err != nil {
		slog.Error("server: failed to read log range", "error", err)
		return
	}
	body, err := encodeEntries(entries)
	if err != nil {
		slog.Error("server: failed to encode log range", "error", err)
		return
	}
	s.send(fd, wire.CommandLogRange, env.Header.View, 0, body)
}

func (s *Server) handleLogRange(env transport.Envelope) {
	entries, err := decodeEntries(env.Body)
	if err != nil {
		slog.Warn("server: malformed log_range", "error", err)
		return
	}
	if err := s.installer.MergeEntries(entries); err != nil {
		slog.Error("server: failed to merge transferred log entries", "error", err)
		return
	}
	if s.awaitingTransfer {
		s.installView(s.pendingNewView, s.pendingCommitNum)
	}
}

// --- fixed-size control payload encodings ---
// These carry internal view-change bookkeeping (votes, log ranges) between
// replicas. They are not part of the client-facing wire.ChatMessage
// format, so they use a simple fixed binary.LittleEndian layout rather
// than the pinned-offset struct marshaling wire uses for client data.

func encodeVote(v viewchange.Vote) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], v.View)
	binary.LittleEndian.PutUint64(buf[4:12], v.LastOp)
	binary.LittleEndian.PutUint64(buf[12:20], v.CommitNum)
	return buf
}

func decodeVote(body []byte) (viewchange.Vote, error) {
	if len(body) != 20 {
		return viewchange.Vote{}, fmt.Errorf("server: vote payload is %d bytes, want 20", len(body))
	}
	return viewchange.Vote{
		View:      binary.LittleEndian.Uint32(body[0:4]),
		LastOp:    binary.LittleEndian.Uint64(body[4:12]),
		CommitNum: binary.LittleEndian.Uint64(body[12:20]),
	}, nil
}

func encodeRange(fromOp, toOp uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], fromOp)
	binary.LittleEndian.PutUint64(buf[8:16], toOp)
	return buf
}

func decodeRange(body []byte) (fromOp, toOp uint64, err error) {
	if len(body) != 16 {
		return 0, 0, fmt.Errorf("server: range payload is %d bytes, want 16", len(body))
	}
	return binary.LittleEndian.Uint64(body[0:8]), binary.LittleEndian.Uint64(body[8:16]), nil
}

func encodeEntries(entries []wal.Entry) ([]byte, error) {
	out := make([]byte, 0, len(entries)*(8+wire.MessageSize))
	for _, e := range entries {
		opBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(opBuf, e.Op)
		out = append(out, opBuf...)
		msgBytes, err := e.Message.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, msgBytes...)
	}
	return out, nil
}

func decodeEntries(body []byte) ([]wal.Entry, error) {
	const stride = 8 + wire.MessageSize
	if len(body)%stride != 0 {
		return nil, fmt.Errorf("server: log range payload is %d bytes, not a multiple of %d", len(body), stride)
	}
	count := len(body) / stride
	entries := make([]wal.Entry, 0, count)
	for i := 0; i < count; i++ {
		chunk := body[i*stride : (i+1)*stride]
		op := binary.LittleEndian.Uint64(chunk[:8])
		var msg wire.ChatMessage
		if err := msg.Unmarshal(chunk[8:]); err != nil {
			return nil, err
		}
		entries = append(entries, wal.Entry{Op: op, Message: msg})
	}
	return entries, nil
}
