package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SessionKey is an ephemeral secp256k1 key that signs every request after
// authentication. It lives only in memory and is zeroed by Destroy.
type SessionKey struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
}

// GenerateSessionKey creates a fresh random session key.
func GenerateSessionKey() (*SessionKey, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/session: generate key: %w", err)
	}
	return &SessionKey{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address is the session key's public address, advertised in auth_request.
func (k *SessionKey) Address() common.Address {
	return k.address
}

// Sign returns the signature over keccak256(payload).
func (k *SessionKey) Sign(payload []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return signDigest(k.key, ethcrypto.Keccak256(payload))
}

// Destroyed reports whether Destroy has been called.
func (k *SessionKey) Destroyed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key == nil
}

// Destroy overwrites the scalar and drops the key. Safe to call twice.
func (k *SessionKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		return
	}
	if k.key.D != nil {
		k.key.D.SetInt64(0)
	}
	k.key = nil
}
