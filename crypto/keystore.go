package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// NodeKeyFile is the filename visiond keeps its mesh identity under inside
// the data directory when no explicit keystore path is configured.
const NodeKeyFile = "node.keystore"

// SaveNodeKey encrypts the node identity under the passphrase and writes it
// as a single v3 keystore file at path. The write goes through a temp file
// in the same directory, so a crash mid-write never leaves a truncated
// keystore where the identity used to be.
func SaveNodeKey(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt node key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".nodekey-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadNodeKey decrypts the node identity stored at path.
func LoadNodeKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt node key %s: %w", path, err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// EnsureNodeKey loads the node identity at path, generating and persisting a
// fresh key on first start.
func EnsureNodeKey(path, passphrase string) (*PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadNodeKey(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveNodeKey(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}
