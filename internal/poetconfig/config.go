// Package poetconfig loads the engine's TOML configuration file.
package poetconfig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the engine's full configuration shape — see DESIGN.md's Open
// Question decision on why a shorter legacy form is not implemented.
type Config struct {
	SPID                     string `toml:"spid"`
	IASURL                   string `toml:"ias_url"`
	RESTAPI                  string `toml:"rest_api"`
	IASReportKeyFile         string `toml:"ias_report_key_file"`
	PoetClientPrivateKeyFile string `toml:"poet_client_private_key_file"`
	IsGenesisNode            bool   `toml:"is_genesis_node"`
	GenesisBatchPath         string `toml:"genesis_batch_path"`
	ValidatorPubKey          string `toml:"validator_pub_key"`
	LogDir                   string `toml:"log_dir"`
	LibEnclavePath           string `toml:"lib_enclave_path"`
	LibPoetBridgePath        string `toml:"lib_poet_bridge_path"`
	IASSubscriptionKey       string `toml:"ias_subscription_key"`
}

// Load reads and decodes a TOML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("poetconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("poetconfig: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the fields required to run the engine (as opposed
// to optional genesis-only fields) are present.
func (c Config) Validate() error {
	if c.RESTAPI == "" {
		return fmt.Errorf("poetconfig: rest_api is required")
	}
	if c.IASURL == "" {
		return fmt.Errorf("poetconfig: ias_url is required")
	}
	if c.SPID == "" {
		return fmt.Errorf("poetconfig: spid is required")
	}
	return nil
}
