package enclaverpc

import (
	"context"
	"time"
)

// DefaultTimeout is the per-call enclave RPC timeout the CLI, the engine
// and the wait-certificate machine use when none is configured. The
// EnrollmentService/ConsensusService methods themselves always take an
// explicit timeout.
const DefaultTimeout = 10 * time.Second

// EnrollmentService is the CLI-side capability set exercised during
// registration: init, set the signature revocation list, and mint fresh
// signup info. Kept distinct from ConsensusService per the decided
// two-vocabulary split (see DESIGN.md).
type EnrollmentService interface {
	InitEnclave(ctx context.Context, timeout time.Duration) error
	SetSigRevocationList(ctx context.Context, list string, timeout time.Duration) error
	CreateSignupInfo(ctx context.Context, timeout time.Duration) (signupInfo string, err error)
}

// ConsensusService is the engine-side capability set exercised once per
// block: initialize and finalize a wait certificate, verify a peer's, and
// release one abandoned to a fork.
type ConsensusService interface {
	InitializeWaitCertificate(ctx context.Context, req InitWaitCertRequest, timeout time.Duration) (InitWaitCertResult, error)
	FinalizeWaitCertificate(ctx context.Context, req FinalizeWaitCertRequest, timeout time.Duration) (FinalizeWaitCertResult, error)
	VerifyWaitCertificate(ctx context.Context, req VerifyWaitCertRequest, timeout time.Duration) (bool, error)
	ReleaseWaitCertificate(ctx context.Context, waitCert string, timeout time.Duration) (bool, error)
}

type emptyRequest struct{}

type emptyResult struct{}

// InitWaitCertRequest is the input to initialize_wait_certificate.
type InitWaitCertRequest struct {
	PrevWaitCert    string `json:"prev_wait_cert"`
	PrevWaitCertSig string `json:"prev_wait_cert_sig"`
	ValidatorID     string `json:"validator_id"`
	PoetPublicKey   string `json:"poet_pub_key"`
}

// InitWaitCertResult carries the randomized wait duration, in
// nanoseconds, the TEE assigns this attempt.
type InitWaitCertResult struct {
	DurationNanos uint64 `json:"duration_nanos"`
}

// FinalizeWaitCertRequest is the input to finalize_wait_certificate.
type FinalizeWaitCertRequest struct {
	PrevWaitCert    string `json:"prev_wait_cert"`
	PrevWaitCertSig string `json:"prev_wait_cert_sig"`
	PrevBlockID     string `json:"prev_block_id"`
	BlockSummary    string `json:"block_summary"`
	WaitTimeNanos   uint64 `json:"wait_time_nanos"`
}

// FinalizeWaitCertResult is the sealed wait certificate and its
// accompanying TEE signature.
type FinalizeWaitCertResult struct {
	WaitCertificate          string `json:"wait_certificate"`
	WaitCertificateSignature string `json:"wait_certificate_signature"`
}

// VerifyWaitCertRequest is the input to verify_wait_certificate.
type VerifyWaitCertRequest struct {
	WaitCertificate          string `json:"wait_certificate"`
	WaitCertificateSignature string `json:"wait_certificate_signature"`
	PoetPublicKey            string `json:"poet_pub_key"`
}

type boolResult struct {
	Released bool `json:"released,omitempty"`
	Verified bool `json:"verified,omitempty"`
}

// ClientAdapter implements both EnrollmentService and ConsensusService on
// top of one multiplexed Client — the two capability sets share an
// underlying transport and signing key.
type ClientAdapter struct {
	*Client
}

// NewClientAdapter builds a ClientAdapter over an existing Client.
func NewClientAdapter(c *Client) *ClientAdapter {
	return &ClientAdapter{Client: c}
}

func (a *ClientAdapter) InitEnclave(ctx context.Context, timeout time.Duration) error {
	_, err := rpc[emptyRequest, emptyResult](ctx, a.Client, emptyRequest{}, TypeInitEnclave, TypeInitEnclaveResponse, timeout)
	return err
}

func (a *ClientAdapter) SetSigRevocationList(ctx context.Context, list string, timeout time.Duration) error {
	req := struct {
		SigRevocationList string `json:"sig_revocation_list"`
	}{SigRevocationList: list}
	_, err := rpc[any, emptyResult](ctx, a.Client, req, TypeSetSigRevocationList, TypeSetSigRevocationListResp, timeout)
	return err
}

func (a *ClientAdapter) CreateSignupInfo(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := rpc[emptyRequest, struct {
		SignupInfo string `json:"signup_info"`
	}](ctx, a.Client, emptyRequest{}, TypeCreateSignupInfo, TypeCreateSignupInfoResponse, timeout)
	if err != nil {
		return "", err
	}
	return result.SignupInfo, nil
}

func (a *ClientAdapter) InitializeWaitCertificate(ctx context.Context, req InitWaitCertRequest, timeout time.Duration) (InitWaitCertResult, error) {
	return rpc[InitWaitCertRequest, InitWaitCertResult](ctx, a.Client, req, TypeInitWaitCert, TypeInitWaitCertResponse, timeout)
}

func (a *ClientAdapter) FinalizeWaitCertificate(ctx context.Context, req FinalizeWaitCertRequest, timeout time.Duration) (FinalizeWaitCertResult, error) {
	return rpc[FinalizeWaitCertRequest, FinalizeWaitCertResult](ctx, a.Client, req, TypeFinalizeWaitCert, TypeFinalizeWaitCertResponse, timeout)
}

func (a *ClientAdapter) VerifyWaitCertificate(ctx context.Context, req VerifyWaitCertRequest, timeout time.Duration) (bool, error) {
	result, err := rpc[VerifyWaitCertRequest, boolResult](ctx, a.Client, req, TypeVerifyWaitCert, TypeVerifyWaitCertResponse, timeout)
	if err != nil {
		return false, err
	}
	return result.Verified, nil
}

func (a *ClientAdapter) ReleaseWaitCertificate(ctx context.Context, waitCert string, timeout time.Duration) (bool, error) {
	req := struct {
		WaitCertificate string `json:"wait_certificate"`
	}{WaitCertificate: waitCert}
	result, err := rpc[any, boolResult](ctx, a.Client, req, TypeReleaseWaitCert, TypeReleaseWaitCertResponse, timeout)
	if err != nil {
		return false, err
	}
	return result.Released, nil
}

var (
	_ EnrollmentService = (*ClientAdapter)(nil)
	_ ConsensusService  = (*ClientAdapter)(nil)
)
