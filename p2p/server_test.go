package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"visionnode/p2p/seeds"
	"visionnode/storage"
)

type echoHandler struct{}

func (echoHandler) HandleMesh(peerID string, msg *Message) (*Message, error) {
	return NewMessage(MsgTypeAnchors, json.RawMessage(msg.Payload))
}

func newTestServer(t *testing.T, nodeID, network string) *Server {
	t.Helper()
	ps, err := NewPeerstore(storage.NewMemDB(), time.Second, time.Minute)
	if err != nil {
		t.Fatalf("peerstore: %v", err)
	}
	s := NewServer(nodeID, ServerConfig{
		ListenAddress:  "127.0.0.1:0",
		NetworkName:    network,
		GenesisHash:    "genesis-hash",
		ClientVersion:  "visionnode/test",
		MaxPeers:       8,
		MinPeers:       1,
		RequestTimeout: 2 * time.Second,
		ProbeInterval:  time.Hour,
		ProbeTimeout:   2 * time.Hour,
	}, ps, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start %s: %v", nodeID, err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndRequestRoundTrip(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")
	b := newTestServer(t, "node-b", "vision-test")
	a.SetHandler(echoHandler{})
	b.SetHandler(echoHandler{})

	if err := b.Connect(a.ListenAddr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return a.LivePeerCount() == 1 && b.LivePeerCount() == 1 }, "both sides connected")

	msg, err := NewMessage(MsgTypeGetAnchors, map[string]uint64{"from": 1, "to": 2})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	resp, err := b.Request(context.Background(), "node-a", msg)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != MsgTypeAnchors {
		t.Fatalf("unexpected reply type 0x%02x", resp.Type)
	}
	var echoed map[string]uint64
	if err := json.Unmarshal(resp.Payload, &echoed); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if echoed["from"] != 1 || echoed["to"] != 2 {
		t.Fatalf("reply payload mangled: %v", echoed)
	}
}

func TestRequestUnknownPeer(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")
	msg, _ := NewMessage(MsgTypePing, PingPayload{Nonce: 1})
	if _, err := a.Request(context.Background(), "node-z", msg); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestHandshakeRejectsNetworkMismatch(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")
	b := newTestServer(t, "node-b", "vision-other")

	if err := b.Connect(a.ListenAddr()); err == nil {
		t.Fatalf("expected network mismatch rejection")
	}
	if a.LivePeerCount() != 0 || b.LivePeerCount() != 0 {
		t.Fatalf("mismatched peer registered: a=%d b=%d", a.LivePeerCount(), b.LivePeerCount())
	}
}

func TestConnectValidation(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")
	if err := a.Connect(""); !errors.Is(err, ErrDialTargetEmpty) {
		t.Fatalf("expected empty target error, got %v", err)
	}
	if err := a.Connect("no-port"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestDialFailureFeedsBackoff(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")

	// Dial a port nobody listens on; the peerstore must start backing off.
	target := "127.0.0.1:1"
	if err := a.Connect(target); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	now := time.Now()
	if next := a.peerstore.NextDialAt(target, now); !next.After(now) {
		t.Fatalf("failed dial did not arm backoff")
	}
}

func TestBroadcastReachesPeer(t *testing.T) {
	a := newTestServer(t, "node-a", "vision-test")
	b := newTestServer(t, "node-b", "vision-test")

	received := make(chan *Message, 1)
	a.SetHandler(handlerFunc(func(peerID string, msg *Message) (*Message, error) {
		select {
		case received <- msg:
		default:
		}
		return nil, nil
	}))

	if err := b.Connect(a.ListenAddr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return a.LivePeerCount() == 1 }, "connection established")

	msg, _ := NewMessage(MsgTypeAnchor, map[string]string{"hello": "mesh"})
	b.Broadcast(msg)

	select {
	case got := <-received:
		if got.Type != MsgTypeAnchor {
			t.Fatalf("unexpected broadcast type 0x%02x", got.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("broadcast never arrived")
	}
}

type handlerFunc func(peerID string, msg *Message) (*Message, error)

func (f handlerFunc) HandleMesh(peerID string, msg *Message) (*Message, error) {
	return f(peerID, msg)
}

func TestDNSSeedsJoinDialSet(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(req)
		q := req.Question[0]
		if q.Name == "_visionseed.visionmesh.net." {
			reply.Answer = append(reply.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{"visionseed:v1:198.51.100.7:7645"},
			})
		}
		_ = w.WriteMsg(reply)
	})
	dnsSrv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = dnsSrv.ActivateAndServe() }()
	t.Cleanup(func() { _ = dnsSrv.Shutdown() })

	ps, err := NewPeerstore(storage.NewMemDB(), time.Second, time.Minute)
	if err != nil {
		t.Fatalf("peerstore: %v", err)
	}
	s := NewServer("node-dns", ServerConfig{
		ListenAddress: "127.0.0.1:0",
		NetworkName:   "vision-test",
		GenesisHash:   "genesis-hash",
		SeedDomain:    "visionmesh.net",
		SeedResolver:  &seeds.Resolver{Server: pc.LocalAddr().String(), Timeout: time.Second},
		MaxPeers:      8,
		MinPeers:      1,
		ProbeInterval: time.Hour,
		ProbeTimeout:  2 * time.Hour,
	}, ps, nil)

	s.refreshDNSSeeds()

	s.mu.RLock()
	_, ok := s.seedAddrs["198.51.100.7:7645"]
	s.mu.RUnlock()
	if !ok {
		t.Fatalf("DNS-published seed missing from dial set: %v", s.seedAddrs)
	}
}
