package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// VisionPrefix is the human-readable prefix for account addresses.
const VisionPrefix = "vsn"

// Address represents a 20-byte account address.
type Address struct {
	bytes []byte
}

func NewAddress(b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(VisionPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// DecodeAddress parses a bech32 "vsn" address string.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != VisionPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	return NewAddress(conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(addrBytes)
}

// NodeID returns the hex-encoded compressed public key, used as the peer
// identifier on the mesh.
func (k *PublicKey) NodeID() string {
	return hex.EncodeToString(crypto.CompressPubkey(k.PublicKey))
}

// VerifySignature reports whether sig is a valid signature over digest by the
// key identified by nodeID (hex compressed pubkey).
func VerifySignature(nodeID string, digest, sig []byte) bool {
	raw, err := hex.DecodeString(nodeID)
	if err != nil {
		return false
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return false
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	return crypto.VerifySignature(crypto.CompressPubkey(pub), digest, sig)
}

// RecoverNodeID extracts the signer's node ID from a recoverable signature.
func RecoverNodeID(digest, sig []byte) (string, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.CompressPubkey(pub)), nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
