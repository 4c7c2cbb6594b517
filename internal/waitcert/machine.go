// Package waitcert implements the per-block wait-certificate state machine:
// Idle -> Waiting -> Ready -> Published, with an Aborted branch for forks
// that preempt our candidate block.
package waitcert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/r3e-network/poet-validator/internal/enclaverpc"
)

// State is one of the wait-certificate machine's states.
type State int

const (
	Idle State = iota
	Waiting
	Ready
	Published
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Ready:
		return "Ready"
	case Published:
		return "Published"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// ErrInvalidTransition is returned when a method is called from a state
// that does not permit it.
var ErrInvalidTransition = errors.New("waitcert: invalid state transition")

// Clock abstracts wall-clock reads so tests can control elapsed time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Machine drives one block attempt's wait-certificate lifecycle. It is not
// safe for concurrent use; the engine owns one Machine per in-flight block
// attempt, serialized by the single-threaded driver loop.
type Machine struct {
	consensus enclaverpc.ConsensusService
	clock     Clock
	timeout   time.Duration

	state State

	validatorID   string
	poetPublicKey string

	prevWaitCert    string
	prevWaitCertSig string

	deadline time.Time

	sealedCert    string
	sealedCertSig string
}

// Config configures a new Machine.
type Config struct {
	Consensus     enclaverpc.ConsensusService
	Clock         Clock
	Timeout       time.Duration
	ValidatorID   string
	PoetPublicKey string
}

// New creates an Idle Machine.
func New(cfg Config) *Machine {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = enclaverpc.DefaultTimeout
	}
	return &Machine{
		consensus:     cfg.Consensus,
		clock:         clock,
		timeout:       timeout,
		validatorID:   cfg.ValidatorID,
		poetPublicKey: cfg.PoetPublicKey,
		state:         Idle,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// BeginBlock transitions Idle -> Waiting: it calls
// initialize_wait_certificate and records the returned duration and
// deadline. retryOnce retries a ReceiveError once with a fresh correlation
// before the block attempt aborts.
func (m *Machine) BeginBlock(ctx context.Context, prevWaitCert, prevWaitCertSig string) error {
	if m.state != Idle {
		return fmt.Errorf("%w: BeginBlock from %s", ErrInvalidTransition, m.state)
	}

	m.prevWaitCert = prevWaitCert
	m.prevWaitCertSig = prevWaitCertSig

	req := enclaverpc.InitWaitCertRequest{
		PrevWaitCert:    prevWaitCert,
		PrevWaitCertSig: prevWaitCertSig,
		ValidatorID:     m.validatorID,
		PoetPublicKey:   m.poetPublicKey,
	}

	result, err := retryOnce(func() (enclaverpc.InitWaitCertResult, error) {
		return m.consensus.InitializeWaitCertificate(ctx, req, m.timeout)
	})
	if err != nil {
		m.state = Aborted
		return fmt.Errorf("waitcert: initialize wait certificate: %w", err)
	}

	m.deadline = m.clock.Now().Add(time.Duration(result.DurationNanos))
	m.state = Waiting
	return nil
}

// Ready transitions Waiting -> Ready once the monotonic clock has reached
// the deadline recorded by BeginBlock. It returns false (no transition) if
// the deadline has not yet elapsed.
func (m *Machine) Ready() (bool, error) {
	if m.state != Waiting {
		return false, fmt.Errorf("%w: Ready from %s", ErrInvalidTransition, m.state)
	}
	if m.clock.Now().Before(m.deadline) {
		return false, nil
	}
	m.state = Ready
	return true, nil
}

// Abort transitions Waiting or Ready -> Aborted: a competing peer published a valid
// block for this height before our deadline. Any provisionally sealed
// certificate is released back to the TEE.
func (m *Machine) Abort(ctx context.Context) error {
	if m.state != Waiting && m.state != Ready {
		return fmt.Errorf("%w: Abort from %s", ErrInvalidTransition, m.state)
	}

	if m.sealedCert != "" {
		if _, err := m.consensus.ReleaseWaitCertificate(ctx, m.sealedCert, m.timeout); err != nil {
			m.state = Aborted
			return fmt.Errorf("waitcert: release wait certificate: %w", err)
		}
	}

	m.state = Aborted
	return nil
}

// Finalize transitions Ready -> Published: it calls
// finalize_wait_certificate with the concrete block summary and attaches
// the returned sealed certificate to the candidate block.
func (m *Machine) Finalize(ctx context.Context, prevBlockID, blockSummary string, waitTime time.Duration) (FinalizeResult, error) {
	if m.state != Ready {
		return FinalizeResult{}, fmt.Errorf("%w: Finalize from %s", ErrInvalidTransition, m.state)
	}

	req := enclaverpc.FinalizeWaitCertRequest{
		PrevWaitCert:    m.prevWaitCert,
		PrevWaitCertSig: m.prevWaitCertSig,
		PrevBlockID:     prevBlockID,
		BlockSummary:    blockSummary,
		WaitTimeNanos:   uint64(waitTime.Nanoseconds()),
	}

	result, err := retryOnce(func() (enclaverpc.FinalizeWaitCertResult, error) {
		return m.consensus.FinalizeWaitCertificate(ctx, req, m.timeout)
	})
	if err != nil {
		m.state = Aborted
		return FinalizeResult{}, fmt.Errorf("waitcert: finalize wait certificate: %w", err)
	}

	m.sealedCert = result.WaitCertificate
	m.sealedCertSig = result.WaitCertificateSignature
	m.state = Published

	return FinalizeResult{
		WaitCertificate:          result.WaitCertificate,
		WaitCertificateSignature: result.WaitCertificateSignature,
	}, nil
}

// FinalizeResult is the sealed certificate returned by Finalize.
type FinalizeResult struct {
	WaitCertificate          string
	WaitCertificateSignature string
}

// VerifyPeerCertificate invokes verify_wait_certificate for a candidate
// block received from a peer. It does not mutate m's own state — spec §4.4
// treats peer verification as stateless from this validator's perspective.
func VerifyPeerCertificate(ctx context.Context, consensus enclaverpc.ConsensusService, waitCert, waitCertSig, poetPublicKey string, timeout time.Duration) (bool, error) {
	ok, err := consensus.VerifyWaitCertificate(ctx, enclaverpc.VerifyWaitCertRequest{
		WaitCertificate:          waitCert,
		WaitCertificateSignature: waitCertSig,
		PoetPublicKey:            poetPublicKey,
	}, timeout)
	if err != nil {
		return false, fmt.Errorf("waitcert: verify wait certificate: %w", err)
	}
	return ok, nil
}

// TieBreak resolves two candidate blocks whose wait durations produced an
// identical finalized timestamp: the greater of (headerSignature,
// validatorID) lexicographically wins. It returns true if candidate a wins
// over candidate b.
func TieBreak(aHeaderSig, aValidatorID, bHeaderSig, bValidatorID string) bool {
	if aHeaderSig != bHeaderSig {
		return aHeaderSig > bHeaderSig
	}
	return aValidatorID > bValidatorID
}

// retryOnce applies spec §7's ReceiveError retry policy: on a
// *enclaverpc.ReceiveError the call is retried exactly once with a fresh
// correlation (a new call to fn, which itself generates a new correlation
// ID per RPC); a second failure of any kind propagates.
func retryOnce[T any](fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}

	var receiveErr *enclaverpc.ReceiveError
	if !errors.As(err, &receiveErr) {
		return result, err
	}

	return fn()
}
