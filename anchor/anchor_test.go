package anchor

import (
	"errors"
	"testing"

	"visionnode/crypto"
	"visionnode/ledger"
)

func testKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestComputeHashOrderSensitive(t *testing.T) {
	tx1 := ledger.Transaction{IdempotencyKey: "a", Ops: []ledger.Op{{Account: "x", Currency: "LAND", Delta: 1}}}
	tx2 := ledger.Transaction{IdempotencyKey: "b", Ops: []ledger.Op{{Account: "y", Currency: "LAND", Delta: 2}}}

	forward := Anchor{Height: 1, ParentHash: "p", Txs: []ledger.Transaction{tx1, tx2}}
	reversed := Anchor{Height: 1, ParentHash: "p", Txs: []ledger.Transaction{tx2, tx1}}

	h1, err := forward.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := reversed.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("transaction order must change the anchor hash")
	}

	// Same content hashes identically.
	again, _ := forward.ComputeHash()
	if again != h1 {
		t.Fatalf("hash not deterministic: %s vs %s", again, h1)
	}
}

func TestSealAndVerify(t *testing.T) {
	key := testKey(t)
	a := Anchor{Height: 1, ParentHash: "parent", Timestamp: 42, Txs: []ledger.Transaction{}}
	if err := a.Seal(key); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if a.Issuer != key.PubKey().NodeID() {
		t.Fatalf("issuer not set from key")
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	key := testKey(t)
	a := Anchor{Height: 2, ParentHash: "parent", Txs: []ledger.Transaction{}}
	if err := a.Seal(key); err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := a
	tampered.ParentHash = "other"
	if err := tampered.Verify(); !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("expected invalid anchor for content tamper, got %v", err)
	}

	forged := a
	forged.Issuer = testKey(t).PubKey().NodeID()
	if err := forged.Verify(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for forged issuer, got %v", err)
	}
}

func TestGenesisAnchorPerNetwork(t *testing.T) {
	a := GenesisAnchor("vision-local")
	b := GenesisAnchor("vision-test")
	if a.Hash == b.Hash {
		t.Fatalf("distinct networks must have distinct genesis hashes")
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("genesis must self-verify: %v", err)
	}
}
