package crypto

import (
	"bytes"
	"strings"
	"testing"

	"lukechampine.com/blake3"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()

	encoded := addr.String()
	if !strings.HasPrefix(encoded, VisionPrefix+"1") {
		t.Fatalf("address %q missing %q prefix", encoded, VisionPrefix)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("round trip mismatch: %x != %x", decoded.Bytes(), addr.Bytes())
	}
}

func TestDecodeAddressRejections(t *testing.T) {
	for _, bad := range []string{
		"",
		"not-bech32",
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
	} {
		if _, err := DecodeAddress(bad); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

func TestSignVerifyRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := blake3.Sum256([]byte("anchored state"))

	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	nodeID := key.PubKey().NodeID()
	if !VerifySignature(nodeID, digest[:], sig) {
		t.Fatalf("valid signature rejected")
	}

	recovered, err := RecoverNodeID(digest[:], sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != nodeID {
		t.Fatalf("recovered %s, expected %s", recovered, nodeID)
	}

	other := blake3.Sum256([]byte("different state"))
	if VerifySignature(nodeID, other[:], sig) {
		t.Fatalf("signature verified against wrong digest")
	}

	if _, err := key.Sign([]byte("short")); err == nil {
		t.Fatalf("expected rejection of non-32-byte digest")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().NodeID() != key.PubKey().NodeID() {
		t.Fatalf("restored key has different identity")
	}
}
