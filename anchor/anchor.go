package anchor

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"visionnode/crypto"
	"visionnode/ledger"
)

var (
	ErrInvalidAnchor     = errors.New("anchor: invalid anchor")
	ErrBadSignature      = errors.New("anchor: signature verification failed")
	ErrUnknownParent     = errors.New("anchor: parent hash does not match accepted chain")
	ErrFinalityViolation = errors.New("anchor: reorg below finality depth rejected")
)

// Anchor is an agreed checkpoint of ledger state at a given height. Once an
// anchor is final it is immutable; before finality it can be superseded by a
// competing anchor that wins the deterministic tie-break.
type Anchor struct {
	Height     uint64               `json:"height"`
	Hash       string               `json:"hash"`
	ParentHash string               `json:"parentHash"`
	Timestamp  int64                `json:"timestamp"`
	Issuer     string               `json:"issuerPeerId"`
	Signature  []byte               `json:"signature,omitempty"`
	Txs        []ledger.Transaction `json:"txs"`
}

// ComputeHash digests height, parent hash and the included transaction set.
// The transaction set is hashed in its anchor order, so two anchors with the
// same transactions in a different order have different hashes.
func (a *Anchor) ComputeHash() (string, error) {
	h := blake3.New(32, nil)
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], a.Height)
	_, _ = h.Write(heightBuf[:])
	_, _ = h.Write([]byte(a.ParentHash))
	for _, tx := range a.Txs {
		raw, err := json.Marshal(tx)
		if err != nil {
			return "", fmt.Errorf("anchor: encode tx %q: %w", tx.IdempotencyKey, err)
		}
		_, _ = h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal computes and stores the anchor hash, then signs it with the issuer
// key. The issuer field is set to the key's node ID.
func (a *Anchor) Seal(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("anchor: nil signing key")
	}
	hash, err := a.ComputeHash()
	if err != nil {
		return err
	}
	a.Hash = hash
	a.Issuer = key.PubKey().NodeID()
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("anchor: sign: %w", err)
	}
	a.Signature = sig
	return nil
}

// Verify checks internal consistency: the stored hash matches the content
// digest and the signature matches the issuer.
func (a *Anchor) Verify() error {
	if strings.TrimSpace(a.Hash) == "" {
		return fmt.Errorf("%w: missing hash", ErrInvalidAnchor)
	}
	computed, err := a.ComputeHash()
	if err != nil {
		return err
	}
	if computed != a.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidAnchor)
	}
	if a.Height == 0 {
		// Genesis anchors are unsigned; their identity is the built-in or
		// bootstrap-provided content itself.
		return nil
	}
	if strings.TrimSpace(a.Issuer) == "" {
		return fmt.Errorf("%w: missing issuer", ErrInvalidAnchor)
	}
	digest, err := hex.DecodeString(a.Hash)
	if err != nil {
		return fmt.Errorf("%w: undecodable hash", ErrInvalidAnchor)
	}
	if !crypto.VerifySignature(a.Issuer, digest, a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// --- mesh payloads ---

// AnnouncePayload gossips a candidate anchor. The sender implicitly attests
// to the anchor it announces.
type AnnouncePayload struct {
	Anchor Anchor `json:"anchor"`
}

// GetAnchorsPayload requests the accepted anchors in [From, To].
type GetAnchorsPayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// AnchorsPayload carries the anchors served for a GetAnchors request. A
// partial or empty response is valid; the requester simply asks another peer.
type AnchorsPayload struct {
	Anchors []Anchor `json:"anchors"`
}

// AttestationPayload records a peer vouching for an anchor at a height.
type AttestationPayload struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
	NodeID string `json:"nodeId"`
}
