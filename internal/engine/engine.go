// Package engine wires the enclave RPC client, the wait-certificate state
// machine, and the enrollment builder into the driver-facing glue: a
// single-threaded dispatcher that reacts to block_new, block_valid,
// block_invalid, block_commit, and peer_message events with no invariants
// of its own beyond routing to the wait-certificate machine and the
// enclave RPC client.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/poet-validator/internal/enclaverpc"
	"github.com/r3e-network/poet-validator/internal/engine/events"
	"github.com/r3e-network/poet-validator/internal/engine/metrics"
	"github.com/r3e-network/poet-validator/internal/waitcert"
)

// BlockNew is the "begin block N" driver event: a new chain tip has
// appeared and this validator may begin a wait-certificate attempt against
// it.
type BlockNew struct {
	BlockID         string
	PrevWaitCert    string
	PrevWaitCertSig string
}

// BlockValid is delivered once a candidate block (ours or a peer's) has
// passed structural validation; its wait certificate has already been
// checked by VerifyCandidate.
type BlockValid struct {
	BlockID     string
	ValidatorID string
}

// BlockInvalid is delivered when a candidate block's wait certificate
// failed verification.
type BlockInvalid struct {
	BlockID string
	Reason  string
}

// BlockCommit is delivered once a block has been committed to the chain.
type BlockCommit struct {
	BlockID string
	Height  uint64
}

// PeerMessage carries an opaque peer-to-peer payload the driver routes
// through the engine; this glue does not interpret its contents.
type PeerMessage struct {
	From    string
	Type    string
	Payload []byte
}

// CandidateBlock is a block a peer has proposed, carrying the wait
// certificate a receiving validator must verify before accepting it.
type CandidateBlock struct {
	BlockID                  string
	ValidatorID              string
	HeaderSignature          string
	WaitCertificate          string
	WaitCertificateSignature string
	PoetPublicKey            string
}

// Engine drives one validator's wait-certificate attempts and peer
// verification. It owns at most one in-flight waitcert.Machine at a time:
// one attempt per height, driven by a single-threaded caller.
type Engine struct {
	consensus     enclaverpc.ConsensusService
	validatorID   string
	poetPublicKey string
	rpcTimeout    time.Duration

	logger  events.EventLogger
	metrics *metrics.Collector

	current *waitcert.Machine
	clock   waitcert.Clock
}

// Config configures a new Engine.
type Config struct {
	Consensus     enclaverpc.ConsensusService
	ValidatorID   string
	PoetPublicKey string
	RPCTimeout    time.Duration
	Logger        events.EventLogger
	Metrics       *metrics.Collector
	Clock         waitcert.Clock
}

// New constructs an Engine with no in-flight attempt.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = events.NoOpLogger{}
	}
	timeout := cfg.RPCTimeout
	if timeout == 0 {
		timeout = enclaverpc.DefaultTimeout
	}
	return &Engine{
		consensus:     cfg.Consensus,
		validatorID:   cfg.ValidatorID,
		poetPublicKey: cfg.PoetPublicKey,
		rpcTimeout:    timeout,
		logger:        logger,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
	}
}

// HandleBlockNew begins a fresh wait-certificate attempt for the announced
// chain tip, abandoning (aborting) any still-open prior attempt first — the
// Idle -> Waiting transition driven by "begin block N."
func (e *Engine) HandleBlockNew(ctx context.Context, ev BlockNew) error {
	events.NewEvent(events.EventBlockNew).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).
		LogTo(e.logger)

	if e.current != nil && e.current.State() != waitcert.Published && e.current.State() != waitcert.Aborted {
		if err := e.current.Abort(ctx); err != nil {
			events.NewEvent(events.EventWaitCertAborted).
				Component("engine").ValidatorID(e.validatorID).ErrorFrom(err).
				LogTo(e.logger)
		}
	}

	m := waitcert.New(waitcert.Config{
		Consensus:     e.consensus,
		Clock:         e.clock,
		Timeout:       e.rpcTimeout,
		ValidatorID:   e.validatorID,
		PoetPublicKey: e.poetPublicKey,
	})

	start := time.Now()
	err := m.BeginBlock(ctx, ev.PrevWaitCert, ev.PrevWaitCertSig)
	if e.metrics != nil {
		e.metrics.RecordEnclaveRPC("initialize_wait_certificate", time.Since(start), err)
	}
	if err != nil {
		events.NewEvent(events.EventWaitCertAborted).
			Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).ErrorFrom(err).
			LogTo(e.logger)
		return fmt.Errorf("engine: begin block %s: %w", ev.BlockID, err)
	}

	e.current = m
	if e.metrics != nil {
		e.metrics.RecordWaitCertBegun(e.validatorID)
	}
	events.NewEvent(events.EventWaitCertBegin).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).
		LogTo(e.logger)
	return nil
}

// PollReady checks whether the in-flight attempt's deadline has elapsed,
// transitioning Waiting -> Ready. Callers (the driver's timer loop) poll
// this on whatever cadence the transport/driver pairing provides; the
// state machine itself exposes no blocking wait.
func (e *Engine) PollReady() (bool, error) {
	if e.current == nil {
		return false, nil
	}
	ready, err := e.current.Ready()
	if err != nil {
		return false, err
	}
	if ready {
		events.NewEvent(events.EventWaitCertReady).
			Component("engine").ValidatorID(e.validatorID).
			LogTo(e.logger)
	}
	return ready, nil
}

// Finalize seals the in-flight attempt's wait certificate for the given
// block summary, transitioning Ready -> Published.
func (e *Engine) Finalize(ctx context.Context, prevBlockID, blockSummary string, waitTime time.Duration) (waitcert.FinalizeResult, error) {
	if e.current == nil {
		return waitcert.FinalizeResult{}, fmt.Errorf("engine: no in-flight wait-certificate attempt to finalize")
	}

	start := time.Now()
	result, err := e.current.Finalize(ctx, prevBlockID, blockSummary, waitTime)
	if e.metrics != nil {
		e.metrics.RecordEnclaveRPC("finalize_wait_certificate", time.Since(start), err)
	}
	if err != nil {
		events.NewEvent(events.EventEnclaveRPCFailed).
			Component("engine").ValidatorID(e.validatorID).ErrorFrom(err).
			LogTo(e.logger)
		return waitcert.FinalizeResult{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordWaitCertFinalized(e.validatorID)
	}
	events.NewEvent(events.EventWaitCertFinalized).
		Component("engine").ValidatorID(e.validatorID).
		LogTo(e.logger)
	return result, nil
}

// HandleBlockValid reacts to a candidate block (ours or a peer's) passing
// structural and wait-certificate validation. A peer's valid block for our
// in-flight height is the competing-fork case spec.md §4.4 describes: it
// aborts our own attempt (releasing any provisionally sealed certificate)
// since the height has already been won. Our own block reaching Published
// needs no further action here; HandleBlockCommit clears it once committed.
func (e *Engine) HandleBlockValid(ctx context.Context, ev BlockValid) error {
	events.NewEvent(events.EventBlockValid).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).
		Metadata("reported_by", ev.ValidatorID).
		LogTo(e.logger)

	if e.current == nil || ev.ValidatorID == e.validatorID {
		return nil
	}
	if e.current.State() != waitcert.Waiting && e.current.State() != waitcert.Ready {
		return nil
	}

	if err := e.current.Abort(ctx); err != nil {
		events.NewEvent(events.EventWaitCertAborted).
			Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).ErrorFrom(err).
			LogTo(e.logger)
		return fmt.Errorf("engine: abort for competing valid block %s: %w", ev.BlockID, err)
	}

	if e.metrics != nil {
		e.metrics.RecordWaitCertAborted(e.validatorID)
	}
	events.NewEvent(events.EventWaitCertAborted).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).
		Metadata("reason", "peer_valid_block").Metadata("peer_validator", ev.ValidatorID).
		LogTo(e.logger)
	return nil
}

// HandlePeerMessage observes an opaque peer-to-peer payload the driver
// routes through the engine. Per spec.md §4.7 this glue adds no invariant
// beyond dispatching to C4/C5: the protocol messages that actually drive
// state (candidate blocks, wait certificates) arrive through their own
// typed methods (VerifyCandidate, HandleBlockNew/Valid/Invalid/Commit), so
// an unrecognized peer message is only logged for observability.
func (e *Engine) HandlePeerMessage(ev PeerMessage) {
	events.NewEvent(events.EventPeerMessage).
		Component("engine").Metadata("from", ev.From).Metadata("type", ev.Type).
		Message(fmt.Sprintf("%d byte peer message", len(ev.Payload))).
		LogTo(e.logger)
}

// HandleBlockInvalid aborts the in-flight attempt when the driver reports
// our own candidate was rejected.
func (e *Engine) HandleBlockInvalid(ctx context.Context, ev BlockInvalid) error {
	events.NewEvent(events.EventBlockInvalid).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).Message(ev.Reason).
		LogTo(e.logger)

	if e.current == nil {
		return nil
	}
	if err := e.current.Abort(ctx); err != nil {
		return fmt.Errorf("engine: abort block %s: %w", ev.BlockID, err)
	}
	if e.metrics != nil {
		e.metrics.RecordWaitCertAborted(e.validatorID)
	}
	events.NewEvent(events.EventWaitCertAborted).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).Message(ev.Reason).
		LogTo(e.logger)
	return nil
}

// HandleBlockCommit clears the current attempt if it has reached Published,
// whichever validator's block was committed. An attempt in any other state
// is left in place until the next HandleBlockNew replaces it.
func (e *Engine) HandleBlockCommit(ev BlockCommit) {
	events.NewEvent(events.EventBlockCommit).
		Component("engine").ValidatorID(e.validatorID).BlockID(ev.BlockID).
		Metadata("height", fmt.Sprintf("%d", ev.Height)).
		LogTo(e.logger)

	if e.current != nil && e.current.State() == waitcert.Published {
		e.current = nil
	}
}

// VerifyCandidate invokes verify_wait_certificate for a peer's candidate
// block: a false or error result means the block MUST be rejected.
func (e *Engine) VerifyCandidate(ctx context.Context, candidate CandidateBlock) (bool, error) {
	start := time.Now()
	ok, err := waitcert.VerifyPeerCertificate(ctx, e.consensus, candidate.WaitCertificate, candidate.WaitCertificateSignature, candidate.PoetPublicKey, e.rpcTimeout)
	if e.metrics != nil {
		e.metrics.RecordEnclaveRPC("verify_wait_certificate", time.Since(start), err)
		e.metrics.RecordWaitCertVerified(ok, err)
	}

	eventType := events.EventWaitCertVerified
	builder := events.NewEvent(eventType).Component("engine").BlockID(candidate.BlockID).
		Metadata("peer_validator", candidate.ValidatorID)
	if err != nil {
		builder.ErrorFrom(err)
	} else if !ok {
		builder.Severity(events.SeverityWarning).Message("wait certificate rejected")
	}
	builder.LogTo(e.logger)

	if err != nil {
		return false, err
	}
	return ok, nil
}

// ResolveTie applies the tie-break rule between two candidates whose
// finalized timestamps collide.
func ResolveTie(a, b CandidateBlock) CandidateBlock {
	if waitcert.TieBreak(a.HeaderSignature, a.ValidatorID, b.HeaderSignature, b.ValidatorID) {
		return a
	}
	return b
}

// State returns the in-flight attempt's state, or waitcert.Idle if there is
// none.
func (e *Engine) State() waitcert.State {
	if e.current == nil {
		return waitcert.Idle
	}
	return e.current.State()
}
