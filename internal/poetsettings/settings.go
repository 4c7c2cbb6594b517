// Package poetsettings loads the genesis bootstrap descriptor that seeds
// the on-chain sawtooth.poet.* governance settings: the attestation
// service's report-signing public key and the enclave measurement/
// basename allowlists peers use to accept a registrant's signup info.
package poetsettings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/r3e-network/poet-validator/internal/poetaddr"
)

// Setting key names read by the validator-registry transaction family and
// by every enclave-module implementation to validate a peer's signup info.
const (
	KeyReportPublicKeyPEM       = "sawtooth.poet.report_public_key_pem"
	KeyValidEnclaveMeasurements = "sawtooth.poet.valid_enclave_measurements"
	KeyValidEnclaveBasenames    = "sawtooth.poet.valid_enclave_basenames"
)

// Descriptor is the genesis-time bootstrap document an operator writes
// before the first validator enrolls. It is never submitted to the ledger
// directly; a genesis tool turns it into settings-namespace transactions
// keyed by poetaddr.SettingAddress.
type Descriptor struct {
	ReportPublicKeyPEM       string   `json:"ReportPublicKeyPEM" yaml:"ReportPublicKeyPEM"`
	ValidEnclaveMeasurements []string `json:"ValidEnclaveMeasurements,omitempty" yaml:"ValidEnclaveMeasurements,omitempty"`
	ValidEnclaveBasenames    []string `json:"ValidEnclaveBasenames,omitempty" yaml:"ValidEnclaveBasenames,omitempty"`
}

// Load reads a Descriptor from path, dispatching on its extension.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("poetsettings: read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes descriptor bytes as YAML or JSON based on filename, falling
// back to JSON-then-YAML when the extension is absent or unrecognized.
func Parse(data []byte, filename string) (*Descriptor, error) {
	var d Descriptor

	switch {
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("poetsettings: parse YAML: %w", err)
		}
	case strings.HasSuffix(filename, ".json"):
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("poetsettings: parse JSON: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &d); err != nil {
			if err := yaml.Unmarshal(data, &d); err != nil {
				return nil, fmt.Errorf("poetsettings: parse descriptor: %w", err)
			}
		}
	}

	return &d, nil
}

// Validate checks that the descriptor carries enough information to bootstrap
// enrollment verification.
func (d *Descriptor) Validate() error {
	if d.ReportPublicKeyPEM == "" {
		return fmt.Errorf("poetsettings: ReportPublicKeyPEM is required")
	}
	if len(d.ValidEnclaveMeasurements) == 0 && len(d.ValidEnclaveBasenames) == 0 {
		return fmt.Errorf("poetsettings: at least one of ValidEnclaveMeasurements or ValidEnclaveBasenames is required")
	}
	return nil
}

// SettingEntries renders the descriptor as the setting-key/value pairs a
// genesis tool writes into the settings namespace, keyed by the address
// each value will live at.
func (d *Descriptor) SettingEntries() map[string]SettingEntry {
	entries := map[string]SettingEntry{
		KeyReportPublicKeyPEM: {
			Address: poetaddr.SettingAddress(KeyReportPublicKeyPEM),
			Value:   d.ReportPublicKeyPEM,
		},
		KeyValidEnclaveMeasurements: {
			Address: poetaddr.SettingAddress(KeyValidEnclaveMeasurements),
			Value:   strings.Join(d.ValidEnclaveMeasurements, ","),
		},
		KeyValidEnclaveBasenames: {
			Address: poetaddr.SettingAddress(KeyValidEnclaveBasenames),
			Value:   strings.Join(d.ValidEnclaveBasenames, ","),
		},
	}
	return entries
}

// SettingEntry pairs a settings-namespace address with its serialized value.
type SettingEntry struct {
	Address string
	Value   string
}

// AllowsMeasurement reports whether measurement is present in the
// descriptor's allowlist. An empty allowlist is treated as "allow-all";
// cross-validator acceptance policy belongs to chain governance, not this
// loader.
func (d *Descriptor) AllowsMeasurement(measurement string) bool {
	if len(d.ValidEnclaveMeasurements) == 0 {
		return true
	}
	for _, m := range d.ValidEnclaveMeasurements {
		if m == measurement {
			return true
		}
	}
	return false
}

// AllowsBasename reports whether basename is present in the descriptor's
// allowlist.
func (d *Descriptor) AllowsBasename(basename string) bool {
	if len(d.ValidEnclaveBasenames) == 0 {
		return true
	}
	for _, b := range d.ValidEnclaveBasenames {
		if b == basename {
			return true
		}
	}
	return false
}
