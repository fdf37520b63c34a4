package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"visionnode/p2p/seeds"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	outboundQueueSize       = 64

	defaultMaxPeers       = 64
	defaultReadTimeout    = 90 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultMsgRate        = 32.0
	defaultProbeInterval  = 30 * time.Second
	defaultProbeTimeout   = 2 * time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultDialInterval   = 15 * time.Second
	maxDialBackoff        = time.Minute
)

// MessageHandler consumes domain messages arriving from the mesh. A non-nil
// reply is sent back to the originating peer tagged with the request ID, so
// request/response exchanges ride the same path as gossip.
type MessageHandler interface {
	HandleMesh(peerID string, msg *Message) (*Message, error)
}

// ServerConfig encapsulates runtime settings for the mesh server.
type ServerConfig struct {
	ListenAddress   string
	ListenPort      int
	NetworkName     string
	GenesisHash     string
	ClientVersion   string
	AdvertisedAddr  string
	Seeds           []string
	SeedPeersFile   string
	SeedDomain      string
	SeedResolver    *seeds.Resolver
	MaxPeers        int
	MinPeers        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	RateMsgsPerSec  float64
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	RequestTimeout  time.Duration
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.RateMsgsPerSec <= 0 {
		cfg.RateMsgsPerSec = defaultMsgRate
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
}

// Server coordinates peer connections and message dissemination across the
// mesh. The connection table is owned exclusively by the server; observers
// read it through snapshot methods.
type Server struct {
	cfg     ServerConfig
	nodeID  string
	handler MessageHandler
	logger  *slog.Logger

	mu        sync.RWMutex
	peers     map[string]*Peer
	byAddr    map[string]string
	seedAddrs map[string]struct{}

	peerstore *Peerstore
	metrics   *networkMetrics

	pendingMu sync.Mutex
	pending   map[uint64]chan *Message
	nextReqID atomic.Uint64

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	dialFn func(context.Context, string) (net.Conn, error)
}

// NewServer constructs a mesh server. The handler may be set later with
// SetHandler but must be in place before Start.
func NewServer(nodeID string, cfg ServerConfig, store *Peerstore, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		nodeID:    nodeID,
		logger:    logger.With(slog.String("component", "p2p_server")),
		peers:     make(map[string]*Peer),
		byAddr:    make(map[string]string),
		seedAddrs: make(map[string]struct{}),
		peerstore: store,
		metrics:   newNetworkMetrics(),
		pending:   make(map[uint64]chan *Message),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, seed := range parseSeedList(cfg.Seeds, s.logger) {
		s.seedAddrs[seed.Address] = struct{}{}
	}
	if fileSeeds, err := loadSeedFile(cfg.SeedPeersFile, s.logger); err != nil {
		s.logger.Warn("Ignoring seed-peers file", slog.Any("error", err))
	} else {
		for _, seed := range fileSeeds {
			s.seedAddrs[seed.Address] = struct{}{}
		}
	}
	return s
}

// SetHandler installs the domain message handler.
func (s *Server) SetHandler(handler MessageHandler) {
	s.handler = handler
}

// NodeID returns this node's mesh identifier.
func (s *Server) NodeID() string { return s.nodeID }

// ListenAddr returns the bound listener address, or "" before Start.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins listening for inbound connections and launches the dial and
// probe loops. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("p2p listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	s.logger.Info("Mesh listener started", slog.String("address", ln.Addr().String()))

	s.wg.Add(3)
	go s.acceptLoop()
	go s.dialLoop()
	go s.probeLoop()
	return nil
}

// Stop tears down the listener and every live connection.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.terminate(errors.New("server shutting down"))
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("Accept failed", slog.Any("error", err))
			continue
		}
		go func() {
			if err := s.initPeer(conn, true, ""); err != nil {
				s.logger.Debug("Inbound peer rejected", slog.Any("error", err))
			}
		}()
	}
}

// Connect dials and registers the peer at the given address synchronously.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, defaultHandshakeTimeout)
	defer cancel()
	conn, err := s.dialFn(ctx, addr)
	if err != nil {
		if s.peerstore != nil {
			_, _ = s.peerstore.RecordFail(addr, time.Now())
		}
		return fmt.Errorf("%w: dial %s: %v", ErrPeerUnreachable, addr, err)
	}
	if err := s.initPeer(conn, false, addr); err != nil {
		if s.peerstore != nil {
			_, _ = s.peerstore.RecordFail(addr, time.Now())
		}
		return err
	}
	if s.peerstore != nil {
		_ = s.peerstore.RecordSuccess(addr, time.Now())
	}
	return nil
}

func (s *Server) localHandshake() HandshakePayload {
	return HandshakePayload{
		NodeID:         s.nodeID,
		NetworkName:    s.cfg.NetworkName,
		GenesisHash:    s.cfg.GenesisHash,
		ListenPort:     s.cfg.ListenPort,
		AdvertisedAddr: s.cfg.AdvertisedAddr,
		ClientVersion:  s.cfg.ClientVersion,
	}
}

func (s *Server) initPeer(conn net.Conn, inbound bool, dialAddr string) (err error) {
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	reader := bufio.NewReader(conn)
	var remote *HandshakePayload
	if inbound {
		remote, err = readHandshake(conn, reader, MsgTypeHandshake, defaultHandshakeTimeout)
		if err != nil {
			return err
		}
		if err = writeHandshake(conn, MsgTypeHandshakeAck, s.localHandshake(), defaultHandshakeTimeout); err != nil {
			return err
		}
	} else {
		if err = writeHandshake(conn, MsgTypeHandshake, s.localHandshake(), defaultHandshakeTimeout); err != nil {
			return err
		}
		remote, err = readHandshake(conn, reader, MsgTypeHandshakeAck, defaultHandshakeTimeout)
		if err != nil {
			return err
		}
	}

	if remote.NodeID == s.nodeID {
		return errors.New("p2p: rejected self-connection")
	}
	if remote.NetworkName != s.cfg.NetworkName {
		s.metrics.recordHandshake("network_mismatch")
		return fmt.Errorf("p2p: network mismatch: %q", remote.NetworkName)
	}
	if s.cfg.GenesisHash != "" && remote.GenesisHash != "" && remote.GenesisHash != s.cfg.GenesisHash {
		s.metrics.recordHandshake("genesis_mismatch")
		return fmt.Errorf("p2p: genesis mismatch")
	}

	advertised := advertisedAddrFor(remote, conn)
	s.mu.RLock()
	_, seedOrigin := s.seedAddrs[dialAddr]
	s.mu.RUnlock()
	peer := newPeer(remote.NodeID, conn, reader, s, inbound, seedOrigin, dialAddr, advertised)

	if err = s.registerPeer(peer); err != nil {
		s.metrics.recordHandshake("rejected")
		return err
	}
	s.metrics.recordHandshake("accepted")
	peer.start()

	if s.peerstore != nil && advertised != "" {
		_ = s.peerstore.Put(PeerstoreEntry{
			Addr:       advertised,
			NodeID:     remote.NodeID,
			LastSeen:   time.Now(),
			SeedOrigin: seedOrigin,
		})
	}

	// Ask the new peer for its view of the mesh right away.
	if msg, mErr := NewMessage(MsgTypePexRequest, PexRequestPayload{Limit: pexShareLimit}); mErr == nil {
		_ = peer.Enqueue(msg)
	}

	s.logger.Info("Peer connected",
		slog.String("peer", remote.NodeID),
		slog.Bool("inbound", inbound),
		slog.String("advertised", advertised))
	return nil
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the established connection, drop the duplicate.
	if _, ok := s.peers[peer.id]; ok {
		return fmt.Errorf("p2p: peer %s already connected", peer.id)
	}
	if len(s.peers) >= s.cfg.MaxPeers {
		victim := s.leastUsefulLocked()
		if victim == nil {
			return ErrMeshFull
		}
		go victim.terminate(errors.New("evicted: least recently useful"))
		delete(s.peers, victim.id)
		if victim.dialAddr != "" {
			delete(s.byAddr, victim.dialAddr)
		}
		s.metrics.recordEviction()
	}
	s.peers[peer.id] = peer
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer.id
	}
	s.metrics.setPeerCount(len(s.peers))
	return nil
}

// leastUsefulLocked picks the eviction victim: the lowest usefulness score
// among non-seed peers. Seed-origin connections are evicted only when
// nothing else remains.
func (s *Server) leastUsefulLocked() *Peer {
	var victim *Peer
	var victimScore uint64
	for _, p := range s.peers {
		if p.seedOrigin {
			continue
		}
		score := p.usefulnessScore()
		if victim == nil || score < victimScore {
			victim = p
			victimScore = score
		}
	}
	return victim
}

func (s *Server) removePeer(peer *Peer, reason error) {
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		if peer.dialAddr != "" {
			delete(s.byAddr, peer.dialAddr)
		}
	}
	count := len(s.peers)
	s.mu.Unlock()
	s.metrics.setPeerCount(count)
	s.logger.Info("Peer disconnected",
		slog.String("peer", peer.id),
		slog.Any("reason", reason))
}

// Broadcast enqueues the message to every live peer. Best effort: slow or
// closing peers are skipped, no delivery guarantee is made.
func (s *Server) Broadcast(msg *Message) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		if err := p.Enqueue(msg); err == nil {
			s.metrics.recordGossip("out", msg.Type)
		}
	}
}

// Request sends a point-to-point message to the given peer and waits for the
// correlated reply. It fails with ErrPeerUnreachable when the peer is not
// connected and ErrTimeout when no reply arrives within the bounded window.
func (s *Server) Request(ctx context.Context, peerID string, msg *Message) (*Message, error) {
	s.mu.RLock()
	peer, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPeerUnreachable
	}

	reqID := s.nextReqID.Add(1)
	respCh := make(chan *Message, 1)
	s.pendingMu.Lock()
	s.pending[reqID] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
	}()

	out := &Message{Type: msg.Type, RequestID: reqID, Payload: msg.Payload}
	if err := peer.Enqueue(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	s.metrics.recordGossip("out", msg.Type)

	timeout := s.cfg.RequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-timer.C:
		return nil, ErrTimeout
	case <-peer.closed:
		return nil, ErrPeerUnreachable
	}
}

func (s *Server) deliverPending(msg *Message) bool {
	if msg.RequestID == 0 {
		return false
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.RequestID]
	if ok {
		delete(s.pending, msg.RequestID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (s *Server) dispatch(peer *Peer, msg *Message) {
	s.metrics.recordGossip("in", msg.Type)
	switch msg.Type {
	case MsgTypePing:
		var ping PingPayload
		if err := decodePayload(msg, &ping); err != nil {
			return
		}
		pong, err := NewMessage(MsgTypePong, PongPayload{Nonce: ping.Nonce, Timestamp: time.Now().UnixMilli()})
		if err != nil {
			return
		}
		_ = peer.Enqueue(pong)
	case MsgTypePong:
		var pong PongPayload
		if err := decodePayload(msg, &pong); err != nil {
			return
		}
		if rtt, ok := peer.notePong(pong.Nonce, time.Now()); ok {
			s.metrics.observeLatency(peer.id, rtt)
		}
	case MsgTypePexRequest:
		s.handlePexRequest(peer, msg)
	case MsgTypePexAddresses:
		if s.deliverPending(msg) {
			return
		}
		s.handlePexAddresses(msg)
	default:
		if s.deliverPending(msg) {
			peer.markUseful()
			return
		}
		if s.handler == nil {
			return
		}
		reply, err := s.handler.HandleMesh(peer.id, msg)
		if err != nil {
			s.logger.Debug("Handler rejected message",
				slog.String("peer", peer.id),
				slog.Int("type", int(msg.Type)),
				slog.Any("error", err))
			return
		}
		peer.markUseful()
		if reply != nil {
			reply.RequestID = msg.RequestID
			_ = peer.Enqueue(reply)
		}
	}
}

// Peers returns a snapshot of every live peer record.
func (s *Server) Peers() []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.record())
	}
	return out
}

// LivePeerCount reports the number of currently connected peers.
func (s *Server) LivePeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// refreshDNSSeeds folds DNS-published seed endpoints into the seed set when
// the deployment configures a seed domain. Failures are logged and ignored;
// the static seeds still apply.
func (s *Server) refreshDNSSeeds() {
	if strings.TrimSpace(s.cfg.SeedDomain) == "" {
		return
	}
	resolver := s.cfg.SeedResolver
	if resolver == nil {
		resolver = &seeds.Resolver{}
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultHandshakeTimeout)
	defer cancel()
	addrs, err := resolver.Lookup(ctx, s.cfg.SeedDomain)
	if err != nil {
		s.logger.Debug("DNS seed lookup failed", slog.String("domain", s.cfg.SeedDomain), slog.Any("error", err))
		return
	}
	s.mu.Lock()
	for _, endpoint := range parseSeedList(addrs, s.logger) {
		s.seedAddrs[endpoint.Address] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Server) dialLoop() {
	defer s.wg.Done()
	// First pass immediately so seeds are dialled at startup.
	s.refreshDNSSeeds()
	s.dialRound()
	ticker := time.NewTicker(defaultDialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dialRound()
		}
	}
}

func (s *Server) dialRound() {
	want := s.cfg.MinPeers
	if want <= 0 {
		want = 1
	}
	if s.LivePeerCount() >= want {
		return
	}

	now := time.Now()
	candidates := make([]string, 0)
	s.mu.RLock()
	for addr := range s.seedAddrs {
		candidates = append(candidates, addr)
	}
	s.mu.RUnlock()
	if s.peerstore != nil {
		for _, entry := range s.peerstore.Known() {
			candidates = append(candidates, entry.Addr)
		}
	}

	for _, addr := range candidates {
		if s.LivePeerCount() >= s.cfg.MaxPeers {
			return
		}
		s.mu.RLock()
		_, connected := s.byAddr[addr]
		s.mu.RUnlock()
		if connected {
			continue
		}
		if s.peerstore != nil && s.peerstore.NextDialAt(addr, now).After(now) {
			continue
		}
		if err := s.Connect(addr); err != nil {
			s.logger.Debug("Dial failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}
}

func (s *Server) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.probeRound(now)
		}
	}
}

func (s *Server) probeRound(now time.Time) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if p.silentSince(now) > s.cfg.ProbeTimeout {
			p.terminate(fmt.Errorf("no successful probe within %s", s.cfg.ProbeTimeout))
			continue
		}
		nonce := randomNonce()
		ping, err := NewMessage(MsgTypePing, PingPayload{Nonce: nonce, Timestamp: now.UnixMilli()})
		if err != nil {
			continue
		}
		p.notePingSent(nonce, now)
		_ = p.Enqueue(ping)
	}
}

func randomNonce() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}

func decodePayload(msg *Message, out interface{}) error {
	if len(msg.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(msg.Payload, out)
}
