package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name)"),
	)

	// Policy references Allowance, so the referenced type is appended to the
	// encoded type string.
	policyTypeHash = ethcrypto.Keccak256(
		[]byte("Policy(string challenge,string scope,address wallet,address session_key,uint64 expires_at,Allowance[] allowances)Allowance(string asset,string amount)"),
	)

	allowanceTypeHash = ethcrypto.Keccak256(
		[]byte("Allowance(string asset,string amount)"),
	)
)

// PolicyAllowance is one spending cap in a Policy. Amount is a decimal
// string of raw units.
type PolicyAllowance struct {
	Asset  string
	Amount string
}

// Policy is the typed structure the wallet signs to authorize a session key.
// Every field except Challenge must equal what was sent in auth_request.
type Policy struct {
	Challenge  string
	Scope      string
	Wallet     string
	SessionKey string
	ExpiresAt  uint64
	Allowances []PolicyAllowance
}

// Wallet holds the long-lived identity key. It signs only the session
// authorization policy; everything else goes through the session key.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewWallet creates a Wallet from a hex-encoded secp256k1 private key.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Wallet{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the wallet key.
func (w *Wallet) Address() common.Address {
	return w.address
}

// PrivateKey exposes the key for on-chain transaction signing.
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.privateKey
}

// SignPolicy signs p under the domain named by application and returns a
// hex-encoded 65-byte signature.
func (w *Wallet) SignPolicy(application string, p Policy) (string, error) {
	digest, err := PolicyDigest(application, p)
	if err != nil {
		return "", err
	}
	return signDigest(w.privateKey, digest)
}

// PolicyDigest returns keccak256("\x19\x01" || domainSeparator || hashStruct(p)).
func PolicyDigest(application string, p Policy) ([]byte, error) {
	if !common.IsHexAddress(p.Wallet) {
		return nil, fmt.Errorf("crypto/signer: invalid wallet address %q", p.Wallet)
	}
	if !common.IsHexAddress(p.SessionKey) {
		return nil, fmt.Errorf("crypto/signer: invalid session key address %q", p.SessionKey)
	}

	allowanceHashes := make([]byte, 0, 32*len(p.Allowances))
	for _, a := range p.Allowances {
		allowanceHashes = append(allowanceHashes, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		)...)
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(common.HexToAddress(p.Wallet).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(p.SessionKey).Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(p.ExpiresAt)),
			ethcrypto.Keccak256(allowanceHashes),
		),
	)

	return eip712Hash(domainSeparator(application), structHash), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash)).
func domainSeparator(name string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

var errNoKey = errors.New("crypto/signer: key destroyed")

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func signDigest(pk *ecdsa.PrivateKey, digest []byte) (string, error) {
	if pk == nil {
		return "", errNoKey
	}
	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; the node expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the signer of digest. sigHex is the format
// produced by signDigest.
func RecoverAddress(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
