// Package poetaddr derives the deterministic content addresses used to read
// and write validator-registry and settings state on the ledger.
package poetaddr

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// settingsNamespace prefixes every settings-family address.
	settingsNamespace = "000000"

	// maxSettingParts is the number of dot-separated segments a setting key
	// is split into before hashing.
	maxSettingParts = 4

	// settingPartHashLen is how many hex characters of each segment's
	// SHA-256 digest are kept.
	settingPartHashLen = 16

	validatorRegistryName = "validator_registry"
	validatorMapName      = "validator_map"

	// namespaceHashLen is how many hex characters of SHA-256("validator_registry")
	// form the validator-registry namespace prefix.
	namespaceHashLen = 6
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SettingAddress computes the 70-hex-character address for a dotted settings
// key. The key is split on "." into at most four parts; a key with fewer
// parts is right-padded with empty-string parts, and a key with more parts
// keeps the remainder (dots included) in the fourth part. Each part's
// SHA-256 digest is truncated to its first 16 hex characters; the four
// truncated digests are concatenated after the "000000" settings namespace.
func SettingAddress(setting string) string {
	parts := strings.SplitN(setting, ".", maxSettingParts)

	var b strings.Builder
	b.Grow(len(settingsNamespace) + maxSettingParts*settingPartHashLen)
	b.WriteString(settingsNamespace)

	for _, part := range parts {
		b.WriteString(sha256Hex([]byte(part))[:settingPartHashLen])
	}
	for i := len(parts); i < maxSettingParts; i++ {
		b.WriteString(sha256Hex(nil)[:settingPartHashLen])
	}

	return b.String()
}

// RegistryNamespace returns the 6-hex-character namespace prefix shared by
// every validator-registry address: the first 6 hex characters of
// SHA-256("validator_registry").
func RegistryNamespace() string {
	return sha256Hex([]byte(validatorRegistryName))[:namespaceHashLen]
}

// RegistryEntryAddress computes the address of a single validator's
// registry entry: the registry namespace followed by the full 64-hex
// SHA-256 digest of the validator's hex-encoded public key.
func RegistryEntryAddress(signerPublicKeyHex string) string {
	return RegistryNamespace() + sha256Hex([]byte(signerPublicKeyHex))
}

// RegistryMapAddress computes the address of the validator-registry's
// top-level map entry: the registry namespace followed by the full 64-hex
// SHA-256 digest of the literal string "validator_map".
func RegistryMapAddress() string {
	return RegistryNamespace() + sha256Hex([]byte(validatorMapName))
}
