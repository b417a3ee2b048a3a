package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testPolicy(t *testing.T, w *Wallet, sk *SessionKey) Policy {
	t.Helper()
	return Policy{
		Challenge:  "a9d5b4fd-ef30-4bb6-b9b6-4f2778f004fd",
		Scope:      "console",
		Wallet:     w.Address().Hex(),
		SessionKey: sk.Address().Hex(),
		ExpiresAt:  1_900_000_000,
		Allowances: []PolicyAllowance{
			{Asset: "usdc", Amount: "1000000000"},
			{Asset: "eth", Amount: "0"},
		},
	}
}

func TestPolicyDigest_MatchesTypedDataEncoder(t *testing.T) {
	w, err := NewWallet(testKey)
	require.NoError(t, err)
	sk, err := GenerateSessionKey()
	require.NoError(t, err)
	p := testPolicy(t, w, sk)

	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{"asset": a.Asset, "amount": a.Amount})
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: "ledgermarket"},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet,
			"session_key": p.SessionKey,
			"expires_at":  "1900000000",
			"allowances":  allowances,
		},
	}
	want, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)

	got, err := PolicyDigest("ledgermarket", p)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want), hex.EncodeToString(got))
}

func TestSignPolicy_RecoversWallet(t *testing.T) {
	w, err := NewWallet("0x" + testKey)
	require.NoError(t, err)
	sk, err := GenerateSessionKey()
	require.NoError(t, err)
	p := testPolicy(t, w, sk)

	sig, err := w.SignPolicy("ledgermarket", p)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))
	require.Len(t, sig, 2+130)

	digest, err := PolicyDigest("ledgermarket", p)
	require.NoError(t, err)
	addr, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), addr)

	// A different application yields a different domain and digest.
	other, err := PolicyDigest("other-app", p)
	require.NoError(t, err)
	require.NotEqual(t, digest, other)
}

func TestPolicyDigest_RejectsBadAddress(t *testing.T) {
	_, err := PolicyDigest("app", Policy{Wallet: "nope", SessionKey: "0x0000000000000000000000000000000000000001"})
	require.Error(t, err)
}

func TestSessionKey_SignAndDestroy(t *testing.T) {
	sk, err := GenerateSessionKey()
	require.NoError(t, err)

	payload := []byte(`[1,"get_ledger_balances",{},1700000000000]`)
	sig, err := sk.Sign(payload)
	require.NoError(t, err)

	addr, err := RecoverAddress(ethcrypto.Keccak256(payload), sig)
	require.NoError(t, err)
	require.Equal(t, sk.Address(), addr)

	sk.Destroy()
	require.True(t, sk.Destroyed())
	_, err = sk.Sign(payload)
	require.Error(t, err)
	sk.Destroy()
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}

func TestLoadWallet_Sources(t *testing.T) {
	w, err := LoadWallet(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	w2, err := LoadWallet(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, w.Address(), w2.Address())

	_, err = LoadWallet(KeyConfig{})
	require.Error(t, err)
}
