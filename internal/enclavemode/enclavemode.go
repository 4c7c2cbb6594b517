// Package enclavemode resolves the CLI's --enclave-module flag and reports
// whether the current process appears to be running inside a real TEE.
// Detection is adapted from ego.Runtime's EDG_MARBLE_* environment-marker
// check, generalized from EGo/MarbleRun specifically to TEE presence in
// general — this module never talks to EGo itself.
package enclavemode

import (
	"fmt"
	"os"
)

// Module selects which EnclaveService realization the CLI and engine wire
// up: the in-process Simulator, or a real TEE reached over enclaverpc.
type Module string

const (
	ModuleSimulator Module = "simulator"
	ModuleSGX       Module = "sgx"
)

// Parse validates a --enclave-module flag value.
func Parse(s string) (Module, error) {
	switch Module(s) {
	case ModuleSimulator, ModuleSGX:
		return Module(s), nil
	default:
		return "", fmt.Errorf("enclavemode: unknown module %q, want %q or %q", s, ModuleSimulator, ModuleSGX)
	}
}

// DetectResult is a diagnostic snapshot of the process's TEE environment.
type DetectResult struct {
	InEnclave bool
	UniqueID  string // MRENCLAVE, if the environment exposes one
	SignerID  string // MRSIGNER, if the environment exposes one
}

// Detect inspects process environment markers for signs of a real TEE
// runtime. It never fails: the zero DetectResult means "no markers found,"
// which is the expected state for --enclave-module simulator.
func Detect() DetectResult {
	marbleType := os.Getenv("EDG_MARBLE_TYPE")
	marbleUUID := os.Getenv("EDG_MARBLE_UUID")

	if marbleType == "" && marbleUUID == "" {
		return DetectResult{}
	}

	return DetectResult{
		InEnclave: true,
		UniqueID:  os.Getenv("EDG_UNIQUE_ID"),
		SignerID:  os.Getenv("EDG_SIGNER_ID"),
	}
}

// WarnIfMismatched reports a human-readable warning when the requested
// module doesn't match what Detect observed, or "" when they agree.
func WarnIfMismatched(module Module, detected DetectResult) string {
	switch module {
	case ModuleSGX:
		if !detected.InEnclave {
			return "enclave-module sgx requested but no TEE environment markers were detected; the hardware enclave connection will likely fail"
		}
	case ModuleSimulator:
		if detected.InEnclave {
			return "enclave-module simulator requested while running inside a detected TEE; hardware attestation will be bypassed"
		}
	}
	return ""
}
