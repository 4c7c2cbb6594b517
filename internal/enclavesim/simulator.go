// Package enclavesim is an in-process stand-in for the TEE. It implements
// the same EnrollmentService/ConsensusService capability set a real SGX
// enclave exposes over enclaverpc, so the engine and CLI can run against
// "--enclave-module simulator" without any hardware dependency.
//
// It is adapted from three teacher packages that modeled pieces of this
// same boundary: the sealing-key lifecycle of tee/enclave.Runtime, the
// master-seed key derivation of tee/keys.Manager, and the simulated-quote
// measurement hashing of tee/attestation.Attestor.
package enclavesim

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/r3e-network/poet-validator/internal/enclaverpc"
	"github.com/r3e-network/poet-validator/internal/poetkey"
)

// ErrNotInitialized is returned by every capability except InitEnclave and
// VerifyWaitCertificate until InitEnclave has completed once.
var ErrNotInitialized = errors.New("enclavesim: InitEnclave has not been called")

// Config configures a Simulator.
type Config struct {
	// EnclaveID seeds the simulated MRENCLAVE/basename measurements. Two
	// Simulators constructed with the same EnclaveID produce the same
	// measurement and basename, mirroring how two processes running the
	// same enclave binary share MRENCLAVE.
	EnclaveID string

	// MinWait is the floor of the randomized wait-time distribution
	// InitializeWaitCertificate samples from.
	MinWait time.Duration

	// JitterWindow is added on top of MinWait, uniformly at random.
	JitterWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnclaveID == "" {
		c.EnclaveID = "poet-enclave-simulator"
	}
	if c.MinWait <= 0 {
		c.MinWait = 3 * time.Second
	}
	if c.JitterWindow <= 0 {
		c.JitterWindow = 5 * time.Second
	}
	return c
}

// Simulator is the in-process test/simulator realization of the
// EnclaveService capability set.
type Simulator struct {
	mu sync.Mutex

	cfg Config

	initialized bool
	sealingKey  []byte
	poetKey     *poetkey.PrivateKey
	sigRevList  string
	released    map[string]bool
}

// New constructs an uninitialized Simulator. Callers MUST call InitEnclave
// before any other capability, matching the real enclave's init/set_sig_rl/
// create_signup_info ordering.
func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:      cfg.withDefaults(),
		released: make(map[string]bool),
	}
}

// InitEnclave generates the sealing key that will protect every wait
// certificate this simulator finalizes, and the PoET signing key embedded
// in signup info.
func (s *Simulator) InitEnclave(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("enclavesim: generate sealing key: %w", err)
	}
	poetKey, err := poetkey.GenerateKey()
	if err != nil {
		return fmt.Errorf("enclavesim: generate poet key: %w", err)
	}

	s.sealingKey = key
	s.poetKey = poetKey
	s.initialized = true
	return nil
}

// SetSigRevocationList records the EPID signature revocation list used to
// reject quotes from revoked platforms. The simulator only stores it;
// CreateSignupInfo does not use or embed it.
func (s *Simulator) SetSigRevocationList(ctx context.Context, list string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.sigRevList = list
	return nil
}

// signupInfo is the JSON shape of the opaque blob CreateSignupInfo mints:
// the TEE's PoET signing public key, a simulated anti-Sybil identifier
// (analogous to an EPID basename), and a proof the key belongs to this
// measurement, signed by the same key it attests to (the simulator has no
// separate platform attestation key to delegate to).
type signupInfo struct {
	PoetPublicKey string `json:"poet_public_key"`
	AntiSybilID   string `json:"anti_sybil_id"`
	ProofData     string `json:"proof_data"`
}

// CreateSignupInfo mints fresh signup info binding a new PoET key to this
// enclave's measurement.
func (s *Simulator) CreateSignupInfo(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return "", ErrNotInitialized
	}

	pubKey := s.poetKey.PublicKeyHex()
	antiSybil := s.basenameLocked()
	proof := s.poetKey.Sign([]byte(pubKey + antiSybil))

	info := signupInfo{
		PoetPublicKey: pubKey,
		AntiSybilID:   antiSybil,
		ProofData:     proof,
	}
	blob, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("enclavesim: marshal signup info: %w", err)
	}
	return string(blob), nil
}

// waitCertBody is the plaintext sealed inside every FinalizeWaitCertResult.
type waitCertBody struct {
	PrevWaitCert    string `json:"prev_wait_cert"`
	PrevWaitCertSig string `json:"prev_wait_cert_sig"`
	PrevBlockID     string `json:"prev_block_id"`
	BlockSummary    string `json:"block_summary"`
	WaitTimeNanos   uint64 `json:"wait_time_nanos"`
	DurationNanos   uint64 `json:"duration_nanos"`
}

// InitializeWaitCertificate samples a randomized wait duration for this
// block attempt. The simulator uses a uniform distribution over
// [MinWait, MinWait+JitterWindow); a real enclave derives this from a
// running estimate of the network's local mean, which is opaque to every
// layer above the enclave RPC client regardless of realization.
func (s *Simulator) InitializeWaitCertificate(ctx context.Context, req enclaverpc.InitWaitCertRequest, timeout time.Duration) (enclaverpc.InitWaitCertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return enclaverpc.InitWaitCertResult{}, ErrNotInitialized
	}

	jitter, err := randUint64(uint64(s.cfg.JitterWindow))
	if err != nil {
		return enclaverpc.InitWaitCertResult{}, fmt.Errorf("enclavesim: sample wait duration: %w", err)
	}

	return enclaverpc.InitWaitCertResult{
		DurationNanos: uint64(s.cfg.MinWait) + jitter,
	}, nil
}

// FinalizeWaitCertificate seals the wait certificate body with this
// enclave's sealing key and signs the sealed bytes with its PoET key.
func (s *Simulator) FinalizeWaitCertificate(ctx context.Context, req enclaverpc.FinalizeWaitCertRequest, timeout time.Duration) (enclaverpc.FinalizeWaitCertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return enclaverpc.FinalizeWaitCertResult{}, ErrNotInitialized
	}

	body := waitCertBody{
		PrevWaitCert:    req.PrevWaitCert,
		PrevWaitCertSig: req.PrevWaitCertSig,
		PrevBlockID:     req.PrevBlockID,
		BlockSummary:    req.BlockSummary,
		WaitTimeNanos:   req.WaitTimeNanos,
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return enclaverpc.FinalizeWaitCertResult{}, fmt.Errorf("enclavesim: marshal wait certificate: %w", err)
	}

	sealed, err := s.sealLocked(plaintext)
	if err != nil {
		return enclaverpc.FinalizeWaitCertResult{}, err
	}
	sealedHex := hex.EncodeToString(sealed)
	sig := s.poetKey.Sign(sealed)

	return enclaverpc.FinalizeWaitCertResult{
		WaitCertificate:          sealedHex,
		WaitCertificateSignature: sig,
	}, nil
}

// VerifyWaitCertificate checks the TEE signature over a (possibly remote)
// wait certificate against the claimed PoET public key. It never unseals
// the certificate — verification of TEE-internal structure is the sealing
// enclave's job, not a peer's.
func (s *Simulator) VerifyWaitCertificate(ctx context.Context, req enclaverpc.VerifyWaitCertRequest, timeout time.Duration) (bool, error) {
	sealed, err := hex.DecodeString(req.WaitCertificate)
	if err != nil {
		return false, fmt.Errorf("enclavesim: wait certificate not valid hex: %w", err)
	}
	return poetkey.VerifyHex(req.PoetPublicKey, sealed, req.WaitCertificateSignature)
}

// ReleaseWaitCertificate marks a previously finalized certificate as
// released, e.g. because a fork abandoned it.
func (s *Simulator) ReleaseWaitCertificate(ctx context.Context, waitCert string, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, ErrNotInitialized
	}
	s.released[waitCert] = true
	return true, nil
}

// Measurement returns this simulator's simulated MRENCLAVE, the value
// `poet-cli enclave measurement` prints for operators populating
// sawtooth.poet.valid_enclave_measurements.
func (s *Simulator) Measurement() string {
	h := sha256.Sum256([]byte("MRENCLAVE:" + s.cfg.EnclaveID))
	return hex.EncodeToString(h[:])
}

// Basename returns this simulator's simulated EPID basename, the value
// `poet-cli enclave basename` prints for operators populating
// sawtooth.poet.valid_enclave_basenames.
func (s *Simulator) Basename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.basenameLocked()
}

func (s *Simulator) basenameLocked() string {
	h := sha256.Sum256([]byte("BASENAME:" + s.cfg.EnclaveID))
	return hex.EncodeToString(h[:])
}

func (s *Simulator) sealLocked(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("enclavesim: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("enclavesim: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("enclavesim: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func randUint64(bound uint64) (uint64, error) {
	if bound == 0 {
		return 0, nil
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v % bound, nil
}

var (
	_ enclaverpc.EnrollmentService = (*Simulator)(nil)
	_ enclaverpc.ConsensusService  = (*Simulator)(nil)
)
