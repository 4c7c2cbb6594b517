// Package poetkey loads the validator's secp256k1 signing identity and
// provides the deterministic signing and digest primitives the rest of the
// enrollment and consensus pipeline builds on.
package poetkey

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// DefaultKeyPath is used when LoadPrivateKey is given an empty path.
const DefaultKeyPath = "/etc/sawtooth/keys/validator.priv"

// ErrKeyUnavailable indicates the key file could not be read.
var ErrKeyUnavailable = errors.New("poetkey: signing key unavailable")

// ErrKeyInvalid indicates the key file's contents are not a valid
// hex-encoded secp256k1 scalar.
var ErrKeyInvalid = errors.New("poetkey: signing key invalid")

// PrivateKey is a validator's long-lived secp256k1 signing identity.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// LoadPrivateKey reads a file containing a hex-encoded secp256k1 scalar. An
// empty path falls back to DefaultKeyPath.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	if path == "" {
		path = DefaultKeyPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, path, err)
	}

	return ParsePrivateKeyHex(strings.TrimSpace(string(raw)))
}

// ParsePrivateKeyHex decodes a hex-encoded secp256k1 scalar directly,
// without touching the filesystem.
func ParsePrivateKeyHex(hexKey string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %v", ErrKeyInvalid, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32-byte scalar, got %d bytes", ErrKeyInvalid, len(raw))
	}

	priv := secp256k1.PrivKeyFromBytes(raw)
	return &PrivateKey{key: priv}, nil
}

// GenerateKey creates a fresh random secp256k1 key pair. It is used by the
// enclave simulator to mint the TEE-internal PoET signing key, which has no
// file on disk and is never loaded via LoadPrivateKey.
func GenerateKey() (*PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrKeyUnavailable, err)
	}
	return &PrivateKey{key: priv}, nil
}

// PublicKeyHex returns the hex-encoded 33-byte compressed public key — the
// validator's on-chain identifier.
func (k *PrivateKey) PublicKeyHex() string {
	return hex.EncodeToString(k.key.PubKey().SerializeCompressed())
}

// Sign produces a deterministic (RFC6979) secp256k1 signature over the
// SHA-256 digest of data, DER-encoded and returned as lowercase hex.
func (k *PrivateKey) Sign(data []byte) string {
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(k.key, digest[:])
	return hex.EncodeToString(sig.Serialize())
}

// VerifyHex checks a lowercase-hex DER signature produced by Sign against
// the given hex-encoded compressed public key.
func VerifyHex(publicKeyHex string, data []byte, signatureHex string) (bool, error) {
	pubRaw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("%w: public key not valid hex: %v", ErrKeyInvalid, err)
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}

	sigRaw, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("%w: signature not valid hex: %v", ErrKeyInvalid, err)
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}

	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], pub), nil
}

// SHA256Hex returns the lowercase-hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA512Hex returns the lowercase-hex SHA-512 digest of data.
func SHA512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}
