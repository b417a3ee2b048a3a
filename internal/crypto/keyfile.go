// Package crypto holds the wallet identity key, the ephemeral session key,
// and the at-rest encryption used to store wallet keys on disk.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations  = 480_000 // PBKDF2-HMAC-SHA256
	saltLen        = 16
	keyFileVersion = 1
)

// keyFile is the on-disk JSON form of an encrypted wallet key. Binary fields
// are standard base64.
type keyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig mirrors the [wallet] config section. A raw key wins over a key
// file.
type KeyConfig struct {
	RawPrivateKey    string // hex, 0x optional
	EncryptedKeyPath string // JSON written by EncryptKey
	KeyPassword      string
}

// EncryptKey seals a hex private key under password with AES-256-GCM and a
// PBKDF2-derived key, returning the key file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	key, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(key))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	enc := base64.StdEncoding.EncodeToString
	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Salt:       enc(salt),
		Nonce:      enc(nonce),
		Ciphertext: enc(aead.Seal(nil, nonce, key, nil)),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the key as
// lowercase hex without 0x.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	var salt, nonce, sealed []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{{"salt", kf.Salt, &salt}, {"nonce", kf.Nonce, &nonce}, {"ciphertext", kf.Ciphertext, &sealed}} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	aead, err := keyCipher(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce must be %d bytes", aead.NonceSize())
	}
	key, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt key file (wrong password?): %w", err)
	}
	return hex.EncodeToString(key), nil
}

func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfIterations, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

// LoadWallet resolves the key described by cfg and wraps it in a Wallet.
func LoadWallet(cfg KeyConfig) (*Wallet, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return NewWallet(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		k, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return nil, err
		}
		return NewWallet(k)
	default:
		return nil, errors.New("crypto: no wallet key configured (set private_key or encrypted_key_path)")
	}
}
