package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerRecord is the read-only view of a connected peer exposed to observers
// such as the health monitor.
type PeerRecord struct {
	PeerID          string        `json:"peerId"`
	AdvertisedAddr  string        `json:"advertisedAddress"`
	LastSeen        time.Time     `json:"lastSeen"`
	LatencyEstimate time.Duration `json:"latencyEstimate"`
	SeedOrigin      bool          `json:"seedOrigin"`
	Inbound         bool          `json:"inbound"`
}

type Peer struct {
	id         string
	conn       net.Conn
	reader     *bufio.Reader
	outbound   chan *Message
	server     *Server
	remoteAddr string
	dialAddr   string
	advertised string
	inbound    bool
	seedOrigin bool

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	lastSeen   time.Time
	lastPong   time.Time
	latencyEMA time.Duration
	usefulness uint64
	pingNonce  uint64
	pingSentAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id string, conn net.Conn, reader *bufio.Reader, server *Server, inbound, seedOrigin bool, dialAddr, advertised string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	perSec := server.cfg.RateMsgsPerSec
	if perSec <= 0 {
		perSec = defaultMsgRate
	}
	burst := int(perSec * 2)
	if burst < 1 {
		burst = 1
	}
	now := time.Now()
	return &Peer{
		id:         id,
		conn:       conn,
		reader:     reader,
		outbound:   make(chan *Message, outboundQueueSize),
		server:     server,
		remoteAddr: conn.RemoteAddr().String(),
		dialAddr:   strings.TrimSpace(dialAddr),
		advertised: advertised,
		inbound:    inbound,
		seedOrigin: seedOrigin,
		limiter:    rate.NewLimiter(rate.Limit(perSec), burst),
		ctx:        ctx,
		cancel:     cancel,
		lastSeen:   now,
		lastPong:   now,
		closed:     make(chan struct{}),
	}
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
		return errQueueFull
	}
}

func (p *Peer) record() PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerRecord{
		PeerID:          p.id,
		AdvertisedAddr:  p.advertised,
		LastSeen:        p.lastSeen,
		LatencyEstimate: p.latencyEMA,
		SeedOrigin:      p.seedOrigin,
		Inbound:         p.inbound,
	}
}

func (p *Peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

func (p *Peer) markUseful() {
	p.mu.Lock()
	p.usefulness++
	p.mu.Unlock()
}

func (p *Peer) usefulnessScore() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usefulness
}

func (p *Peer) notePingSent(nonce uint64, at time.Time) {
	p.mu.Lock()
	p.pingNonce = nonce
	p.pingSentAt = at
	p.mu.Unlock()
}

// notePong records the probe round-trip and returns the measured latency.
func (p *Peer) notePong(nonce uint64, at time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nonce != p.pingNonce || p.pingSentAt.IsZero() {
		return 0, false
	}
	rtt := at.Sub(p.pingSentAt)
	p.lastPong = at
	p.lastSeen = at
	if p.latencyEMA == 0 {
		p.latencyEMA = rtt
	} else {
		p.latencyEMA = (p.latencyEMA*7 + rtt) / 8
	}
	p.pingSentAt = time.Time{}
	return rtt, true
}

func (p *Peer) silentSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastPong)
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(fmt.Errorf("peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(io.EOF)
				return
			}
			p.terminate(fmt.Errorf("read error: %w", err))
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.cfg.MaxMessageBytes {
			p.terminate(fmt.Errorf("message exceeds max size (%d bytes)", len(trimmed)))
			return
		}
		if !p.limiter.Allow() {
			p.terminate(fmt.Errorf("peer %s exceeded message rate", p.id))
			return
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.terminate(fmt.Errorf("malformed message: %w", err))
			return
		}

		p.touch(time.Now())
		p.server.dispatch(p, &msg)
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
			err := p.writeMessage(ctx, msg)
			cancel()
			if err != nil {
				p.terminate(fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

func (p *Peer) writeMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err = p.conn.Write(append(data, '\n'))
	return err
}

func (p *Peer) terminate(reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, reason)
	})
}
