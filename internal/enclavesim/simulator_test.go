package enclavesim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/r3e-network/poet-validator/internal/enclaverpc"
)

func mustInit(t *testing.T, s *Simulator) {
	t.Helper()
	if err := s.InitEnclave(context.Background(), time.Second); err != nil {
		t.Fatalf("InitEnclave() error = %v", err)
	}
}

func TestCapabilitiesRequireInit(t *testing.T) {
	s := New(Config{})
	if _, err := s.CreateSignupInfo(context.Background(), time.Second); err != ErrNotInitialized {
		t.Fatalf("CreateSignupInfo() error = %v, want ErrNotInitialized", err)
	}
}

func TestCreateSignupInfoRoundTrip(t *testing.T) {
	s := New(Config{EnclaveID: "test-enclave"})
	mustInit(t, s)

	blob, err := s.CreateSignupInfo(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("CreateSignupInfo() error = %v", err)
	}

	var info signupInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		t.Fatalf("signup info is not valid JSON: %v", err)
	}
	if info.PoetPublicKey == "" {
		t.Error("PoetPublicKey is empty")
	}
	if info.AntiSybilID != s.Basename() {
		t.Errorf("AntiSybilID = %q, want %q", info.AntiSybilID, s.Basename())
	}
}

func TestMeasurementStableAcrossInstances(t *testing.T) {
	a := New(Config{EnclaveID: "shared"})
	b := New(Config{EnclaveID: "shared"})

	if a.Measurement() != b.Measurement() {
		t.Error("two simulators with the same EnclaveID should share a measurement")
	}
	if a.Basename() != b.Basename() {
		t.Error("two simulators with the same EnclaveID should share a basename")
	}

	c := New(Config{EnclaveID: "different"})
	if a.Measurement() == c.Measurement() {
		t.Error("simulators with different EnclaveIDs should diverge")
	}
}

func TestInitializeWaitCertificateWithinBounds(t *testing.T) {
	s := New(Config{MinWait: 2 * time.Second, JitterWindow: 3 * time.Second})
	mustInit(t, s)

	result, err := s.InitializeWaitCertificate(context.Background(), enclaverpc.InitWaitCertRequest{}, time.Second)
	if err != nil {
		t.Fatalf("InitializeWaitCertificate() error = %v", err)
	}

	min := uint64(2 * time.Second)
	max := uint64(5 * time.Second)
	if result.DurationNanos < min || result.DurationNanos >= max {
		t.Errorf("DurationNanos = %d, want in [%d, %d)", result.DurationNanos, min, max)
	}
}

func TestFinalizeAndVerifyWaitCertificate(t *testing.T) {
	s := New(Config{EnclaveID: "test"})
	mustInit(t, s)

	finalizeReq := enclaverpc.FinalizeWaitCertRequest{
		PrevWaitCert:    "prev-cert",
		PrevWaitCertSig: "prev-sig",
		PrevBlockID:     "0000",
		BlockSummary:    "deadbeef",
		WaitTimeNanos:   1234,
	}
	result, err := s.FinalizeWaitCertificate(context.Background(), finalizeReq, time.Second)
	if err != nil {
		t.Fatalf("FinalizeWaitCertificate() error = %v", err)
	}
	if result.WaitCertificate == "" || result.WaitCertificateSignature == "" {
		t.Fatal("expected non-empty wait certificate and signature")
	}

	blob, err := s.CreateSignupInfo(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("CreateSignupInfo() error = %v", err)
	}
	var info signupInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		t.Fatalf("unmarshal signup info: %v", err)
	}

	verifyReq := enclaverpc.VerifyWaitCertRequest{
		WaitCertificate:          result.WaitCertificate,
		WaitCertificateSignature: result.WaitCertificateSignature,
		PoetPublicKey:            info.PoetPublicKey,
	}
	ok, err := s.VerifyWaitCertificate(context.Background(), verifyReq, time.Second)
	if err != nil {
		t.Fatalf("VerifyWaitCertificate() error = %v", err)
	}
	if !ok {
		t.Error("expected wait certificate to verify against its own PoET key")
	}

	badReq := verifyReq
	badReq.WaitCertificateSignature = result.WaitCertificateSignature[:len(result.WaitCertificateSignature)-2] + "00"
	ok, err = s.VerifyWaitCertificate(context.Background(), badReq, time.Second)
	if err == nil && ok {
		t.Error("expected tampered signature to fail verification")
	}
}

func TestReleaseWaitCertificate(t *testing.T) {
	s := New(Config{})
	mustInit(t, s)

	released, err := s.ReleaseWaitCertificate(context.Background(), "some-cert", time.Second)
	if err != nil {
		t.Fatalf("ReleaseWaitCertificate() error = %v", err)
	}
	if !released {
		t.Error("expected ReleaseWaitCertificate to report released=true")
	}
}

func TestSetSigRevocationListRequiresInit(t *testing.T) {
	s := New(Config{})
	if err := s.SetSigRevocationList(context.Background(), "list", time.Second); err != ErrNotInitialized {
		t.Fatalf("error = %v, want ErrNotInitialized", err)
	}

	mustInit(t, s)
	if err := s.SetSigRevocationList(context.Background(), "list", time.Second); err != nil {
		t.Fatalf("SetSigRevocationList() error = %v", err)
	}
}
