package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"visionnode/crypto"
	"visionnode/ledger"
	"visionnode/p2p"
	"visionnode/storage"
)

// State is the synchronizer's view of its own progress.
type State int

const (
	StateSyncing State = iota
	StateSynced
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateReconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	chainPrefix   = "anchor/chain/"
	tipKey        = "anchor/tip"
	syncInterval  = 10 * time.Second
	syncBatch     = 16
	forkPollPeers = 3
)

// Mesh is the slice of the peer mesh the synchronizer depends on.
type Mesh interface {
	Broadcast(msg *p2p.Message)
	Request(ctx context.Context, peerID string, msg *p2p.Message) (*p2p.Message, error)
	Peers() []p2p.PeerRecord
	NodeID() string
}

type candidate struct {
	anchor    *Anchor
	attesters map[string]struct{}
}

func (c *candidate) attest(nodeID string) {
	if nodeID == "" {
		return
	}
	c.attesters[nodeID] = struct{}{}
}

// Synchronizer builds and agrees on the ordered chain of ledger-state
// anchors. Candidate anchors arrive over the mesh; once one is selected
// canonical its transaction set is applied to the ledger in anchor order.
// Heights are always applied strictly in order: a candidate above tip+1
// waits in the candidate table until the gap fills.
type Synchronizer struct {
	mu sync.Mutex

	store  *ledger.Store
	db     storage.Database
	mesh   Mesh
	key    *crypto.PrivateKey
	logger *slog.Logger

	finalityDepth uint64

	chain map[uint64]*Anchor
	tip   uint64

	state      State
	stateSince time.Time
	maxSeen    uint64

	candidates map[uint64]map[string]*candidate
}

// Options configures a Synchronizer.
type Options struct {
	FinalityDepth uint64
	NetworkName   string
	// AnchorSeeds overrides the built-in genesis with an HTTP bootstrap
	// chain; the first usable seed wins.
	AnchorSeeds []string
}

// NewSynchronizer restores the accepted chain from storage, bootstrapping
// genesis state when the store is empty.
func NewSynchronizer(store *ledger.Store, db storage.Database, mesh Mesh, key *crypto.PrivateKey, opts Options, logger *slog.Logger) (*Synchronizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FinalityDepth == 0 {
		opts.FinalityDepth = 12
	}
	s := &Synchronizer{
		store:         store,
		db:            db,
		mesh:          mesh,
		key:           key,
		logger:        logger.With(slog.String("component", "anchor_sync")),
		finalityDepth: opts.FinalityDepth,
		chain:         make(map[uint64]*Anchor),
		state:         StateSyncing,
		stateSince:    time.Now(),
		candidates:    make(map[uint64]map[string]*candidate),
	}

	if err := s.loadChain(); err != nil {
		return nil, err
	}
	if len(s.chain) == 0 {
		if err := s.bootstrap(opts); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Synchronizer) bootstrap(opts Options) error {
	if len(opts.AnchorSeeds) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		anchors, err := FetchBootstrapAnchors(ctx, opts.AnchorSeeds)
		if err == nil {
			for i := range anchors {
				if err := s.acceptLocked(&anchors[i]); err != nil {
					return err
				}
			}
			s.logger.Info("Bootstrapped from anchor seeds", slog.Uint64("tip", s.tip))
			return nil
		}
		s.logger.Warn("Anchor seed bootstrap failed, using built-in genesis", slog.Any("error", err))
	}
	genesis := GenesisAnchor(opts.NetworkName)
	return s.acceptLocked(&genesis)
}

func (s *Synchronizer) loadChain() error {
	var loadErr error
	err := s.db.Iterate([]byte(chainPrefix), func(key, value []byte) bool {
		var a Anchor
		if err := json.Unmarshal(value, &a); err != nil {
			loadErr = fmt.Errorf("anchor: corrupt chain record %s: %w", key, err)
			return false
		}
		s.chain[a.Height] = &a
		if a.Height > s.tip {
			s.tip = a.Height
		}
		return true
	})
	if err != nil {
		return err
	}
	return loadErr
}

// SetMesh installs the peer mesh after construction. The synchronizer is
// built before the mesh server so the handshake can carry the genesis hash.
func (s *Synchronizer) SetMesh(mesh Mesh) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mesh = mesh
}

// GenesisHash returns the identity of the chain's height-zero anchor.
func (s *Synchronizer) GenesisHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.chain[0]; ok {
		return g.Hash
	}
	return ""
}

// TipHeight returns the height of the accepted chain tip.
func (s *Synchronizer) TipHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip
}

// State reports the current sync state and when it was entered.
func (s *Synchronizer) State() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateSince
}

// AnchorAt returns the accepted anchor at the given height, if any.
func (s *Synchronizer) AnchorAt(height uint64) (*Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.chain[height]
	return a, ok
}

// HandleMesh implements p2p.MessageHandler.
func (s *Synchronizer) HandleMesh(peerID string, msg *p2p.Message) (*p2p.Message, error) {
	switch msg.Type {
	case p2p.MsgTypeAnchor:
		var payload AnnouncePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("anchor announce: %w", err)
		}
		if err := s.Submit(peerID, payload.Anchor); err != nil && !errors.Is(err, ErrFinalityViolation) {
			return nil, err
		}
		return nil, nil
	case p2p.MsgTypeGetAnchors:
		var payload GetAnchorsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("get anchors: %w", err)
		}
		return s.serveAnchors(payload)
	case p2p.MsgTypeAnchors:
		var payload AnchorsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("anchors: %w", err)
		}
		for _, a := range payload.Anchors {
			if err := s.Submit(peerID, a); err != nil && !errors.Is(err, ErrFinalityViolation) {
				s.logger.Debug("Rejected synced anchor", slog.Uint64("height", a.Height), slog.Any("error", err))
			}
		}
		return nil, nil
	case p2p.MsgTypeAttestation:
		var payload AttestationPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("attestation: %w", err)
		}
		s.recordAttestation(peerID, payload)
		return nil, nil
	default:
		return nil, fmt.Errorf("anchor: unsupported message type 0x%02x", msg.Type)
	}
}

func (s *Synchronizer) serveAnchors(req GetAnchorsPayload) (*p2p.Message, error) {
	s.mu.Lock()
	anchors := make([]Anchor, 0, syncBatch)
	to := req.To
	if to == 0 || to > s.tip {
		to = s.tip
	}
	for h := req.From; h <= to && len(anchors) < syncBatch; h++ {
		if a, ok := s.chain[h]; ok {
			anchors = append(anchors, *a)
		}
	}
	s.mu.Unlock()
	return p2p.NewMessage(p2p.MsgTypeAnchors, AnchorsPayload{Anchors: anchors})
}

// Submit validates a candidate anchor observed from peerID (or "" for a
// locally built anchor) and re-evaluates the canonical chain.
func (s *Synchronizer) Submit(peerID string, a Anchor) error {
	if err := a.Verify(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Height > s.maxSeen {
		s.maxSeen = a.Height
	}

	if accepted, ok := s.chain[a.Height]; ok && accepted.Hash == a.Hash {
		// Already canonical; count the extra attestation.
		s.candidateFor(&a).attest(peerID)
		s.candidateFor(&a).attest(a.Issuer)
		s.refreshStateLocked()
		return nil
	}

	if s.tip >= a.Height && s.tip-a.Height >= s.finalityDepth {
		return fmt.Errorf("%w: height %d is %d behind tip %d", ErrFinalityViolation, a.Height, s.tip-a.Height, s.tip)
	}

	cand := s.candidateFor(&a)
	cand.attest(peerID)
	cand.attest(a.Issuer)

	if _, ok := s.chain[a.Height]; ok {
		// A competing anchor at or below the tip: reconcile.
		s.setStateLocked(StateReconciling)
	}

	s.evaluateLocked()
	s.refreshStateLocked()

	// Fork detection: when a candidate extends the tip, ask other peers for
	// the same height before treating our provisional choice as settled.
	if a.Height == s.tip && peerID != "" {
		go s.pollForks(a.Height, peerID)
	}
	return nil
}

func (s *Synchronizer) candidateFor(a *Anchor) *candidate {
	byHash, ok := s.candidates[a.Height]
	if !ok {
		byHash = make(map[string]*candidate)
		s.candidates[a.Height] = byHash
	}
	cand, ok := byHash[a.Hash]
	if !ok {
		cp := *a
		cand = &candidate{anchor: &cp, attesters: make(map[string]struct{})}
		byHash[a.Hash] = cand
	}
	return cand
}

func (s *Synchronizer) recordAttestation(peerID string, payload AttestationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHash, ok := s.candidates[payload.Height]
	if !ok {
		return
	}
	cand, ok := byHash[payload.Hash]
	if !ok {
		return
	}
	cand.attest(peerID)
	cand.attest(payload.NodeID)
	s.evaluateLocked()
	s.refreshStateLocked()
}

// evaluateLocked drives the chain forward and settles competing candidates.
// Called with the lock held.
func (s *Synchronizer) evaluateLocked() {
	// Reconcile competing candidates at already-accepted heights first: a
	// competitor wins only with strictly more attestations (ties keep the
	// incumbent, then the smaller hash, so all peers settle identically).
	for h := s.reorgFloorLocked(); h <= s.tip; h++ {
		accepted, ok := s.chain[h]
		if !ok {
			continue
		}
		best := s.bestCandidateLocked(h, accepted.ParentHash)
		if best == nil || best.anchor.Hash == accepted.Hash {
			continue
		}
		incumbent := s.candidates[h][accepted.Hash]
		incumbentVotes := 0
		if incumbent != nil {
			incumbentVotes = len(incumbent.attesters)
		}
		challengerVotes := len(best.attesters)
		if challengerVotes > incumbentVotes ||
			(challengerVotes == incumbentVotes && best.anchor.Hash < accepted.Hash) {
			s.logger.Info("Reorg: adopting competing anchor",
				slog.Uint64("height", h),
				slog.Int("votes", challengerVotes),
				slog.Int("incumbentVotes", incumbentVotes))
			s.truncateAboveLocked(h - 1)
			if err := s.acceptLocked(best.anchor); err != nil {
				s.logger.Warn("Failed to adopt competing anchor", slog.Any("error", err))
			}
			break
		}
	}

	// Extend the tip while an eligible candidate for the next height exists.
	for {
		parent, ok := s.chain[s.tip]
		if !ok {
			return
		}
		best := s.bestCandidateLocked(s.tip+1, parent.Hash)
		if best == nil {
			return
		}
		if err := s.acceptLocked(best.anchor); err != nil {
			s.logger.Warn("Failed to accept anchor",
				slog.Uint64("height", best.anchor.Height),
				slog.Any("error", err))
			return
		}
	}
}

// bestCandidateLocked selects the canonical candidate at a height among those
// linking to the given parent: most attestations first, then the
// lexicographically smaller hash. Fully deterministic so peers never diverge.
func (s *Synchronizer) bestCandidateLocked(height uint64, parentHash string) *candidate {
	byHash, ok := s.candidates[height]
	if !ok || len(byHash) == 0 {
		return nil
	}
	eligible := make([]*candidate, 0, len(byHash))
	for _, cand := range byHash {
		if cand.anchor.ParentHash != parentHash {
			continue
		}
		eligible = append(eligible, cand)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		vi, vj := len(eligible[i].attesters), len(eligible[j].attesters)
		if vi != vj {
			return vi > vj
		}
		return eligible[i].anchor.Hash < eligible[j].anchor.Hash
	})
	return eligible[0]
}

func (s *Synchronizer) reorgFloorLocked() uint64 {
	if s.tip < s.finalityDepth {
		return 1
	}
	return s.tip - s.finalityDepth + 1
}

func (s *Synchronizer) truncateAboveLocked(height uint64) {
	for h := height + 1; h <= s.tip; h++ {
		delete(s.chain, h)
		_ = s.db.Delete([]byte(chainKey(h)))
	}
	s.tip = height
}

// acceptLocked installs an anchor as canonical at its height and applies its
// transaction set to the ledger in anchor order. Transactions already
// applied under a previous provisional acceptance are skipped through the
// ledger's idempotency keys.
func (s *Synchronizer) acceptLocked(a *Anchor) error {
	if a.Height > 0 {
		parent, ok := s.chain[a.Height-1]
		if !ok {
			return fmt.Errorf("%w: no accepted anchor at height %d", ErrUnknownParent, a.Height-1)
		}
		if parent.Hash != a.ParentHash {
			return fmt.Errorf("%w: parent %s != accepted %s", ErrUnknownParent, a.ParentHash, parent.Hash)
		}
	}

	for _, tx := range a.Txs {
		tx.AnchorHeight = a.Height
		tx.Pending = false
		if _, err := s.store.Apply(tx); err != nil {
			if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
				continue
			}
			s.logger.Warn("Anchored transaction rejected",
				slog.Uint64("height", a.Height),
				slog.String("key", tx.IdempotencyKey),
				slog.Any("error", err))
		}
	}
	if err := s.store.SetAppliedHeight(a.Height); err != nil {
		return err
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(chainKey(a.Height)), raw); err != nil {
		return err
	}
	s.chain[a.Height] = a
	if a.Height > s.tip || a.Height == 0 {
		s.tip = a.Height
	}
	if a.Height > 0 {
		s.candidateFor(a).attest(s.selfID())
		s.broadcastAttestation(a)
	}
	s.pruneCandidatesLocked()
	return nil
}

func (s *Synchronizer) selfID() string {
	if s.key != nil {
		return s.key.PubKey().NodeID()
	}
	if s.mesh != nil {
		return s.mesh.NodeID()
	}
	return ""
}

func (s *Synchronizer) broadcastAttestation(a *Anchor) {
	if s.mesh == nil {
		return
	}
	msg, err := p2p.NewMessage(p2p.MsgTypeAttestation, AttestationPayload{
		Height: a.Height,
		Hash:   a.Hash,
		NodeID: s.selfID(),
	})
	if err != nil {
		return
	}
	s.mesh.Broadcast(msg)
}

func (s *Synchronizer) pruneCandidatesLocked() {
	floor := s.reorgFloorLocked()
	for h := range s.candidates {
		if h < floor {
			delete(s.candidates, h)
		}
	}
}

func (s *Synchronizer) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.stateSince = time.Now()
}

// refreshStateLocked recomputes the sync state after every evaluation.
// Reconciliation resolves inside evaluateLocked, so by this point the state
// reduces to the tip comparison.
func (s *Synchronizer) refreshStateLocked() {
	if s.tip >= s.maxSeen {
		s.setStateLocked(StateSynced)
	} else {
		s.setStateLocked(StateSyncing)
	}
}

// pollForks asks a few peers other than origin for their anchor at the given
// height so competing forks surface quickly. No answer is not an error.
func (s *Synchronizer) pollForks(height uint64, origin string) {
	if s.mesh == nil {
		return
	}
	msg, err := p2p.NewMessage(p2p.MsgTypeGetAnchors, GetAnchorsPayload{From: height, To: height})
	if err != nil {
		return
	}
	asked := 0
	for _, rec := range s.mesh.Peers() {
		if rec.PeerID == origin {
			continue
		}
		if asked >= forkPollPeers {
			break
		}
		asked++
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), syncInterval)
			defer cancel()
			resp, err := s.mesh.Request(ctx, peerID, msg)
			if err != nil {
				return
			}
			var payload AnchorsPayload
			if err := json.Unmarshal(resp.Payload, &payload); err != nil {
				return
			}
			for _, a := range payload.Anchors {
				_ = s.Submit(peerID, a)
			}
		}(rec.PeerID)
	}
}

// Run drives catch-up: while behind the mesh-observed tip, request the next
// batch of anchors from live peers. Exits when ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncRound(ctx)
		}
	}
}

func (s *Synchronizer) syncRound(ctx context.Context) {
	state, _ := s.State()
	if state == StateSynced {
		return
	}
	tip := s.TipHeight()
	msg, err := p2p.NewMessage(p2p.MsgTypeGetAnchors, GetAnchorsPayload{From: tip + 1, To: tip + syncBatch})
	if err != nil {
		return
	}
	for _, rec := range s.mesh.Peers() {
		reqCtx, cancel := context.WithTimeout(ctx, syncInterval)
		resp, err := s.mesh.Request(reqCtx, rec.PeerID, msg)
		cancel()
		if err != nil {
			// Missing peers and partial answers are just a reason to ask
			// someone else.
			continue
		}
		var payload AnchorsPayload
		if err := json.Unmarshal(resp.Payload, &payload); err != nil {
			continue
		}
		for _, a := range payload.Anchors {
			if err := s.Submit(rec.PeerID, a); err != nil && !errors.Is(err, ErrFinalityViolation) {
				s.logger.Debug("Sync batch anchor rejected", slog.Uint64("height", a.Height), slog.Any("error", err))
			}
		}
		if s.TipHeight() > tip {
			return
		}
	}
}

// Propose builds, signs and announces a new anchor extending the local tip
// with the given transaction set.
func (s *Synchronizer) Propose(txs []ledger.Transaction) (*Anchor, error) {
	if s.key == nil {
		return nil, errors.New("anchor: proposing requires a node key")
	}
	s.mu.Lock()
	parent, ok := s.chain[s.tip]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("anchor: no tip to extend")
	}

	a := &Anchor{
		Height:     parent.Height + 1,
		ParentHash: parent.Hash,
		Timestamp:  time.Now().Unix(),
		Txs:        txs,
	}
	if err := a.Seal(s.key); err != nil {
		return nil, err
	}
	if err := s.Submit("", *a); err != nil {
		return nil, err
	}
	if s.mesh != nil {
		if msg, err := p2p.NewMessage(p2p.MsgTypeAnchor, AnnouncePayload{Anchor: *a}); err == nil {
			s.mesh.Broadcast(msg)
		}
	}
	return a, nil
}

func chainKey(height uint64) string {
	return fmt.Sprintf("%s%016x", chainPrefix, height)
}
