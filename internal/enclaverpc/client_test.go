package enclaverpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/poet-validator/internal/transport"
)

// fakeEnclave is a minimal test double that replies to whatever frame
// handler the test installs, standing in for the TEE-side message service.
type fakeEnclave struct {
	ln      *transport.Listener
	handler func(req transport.Frame) transport.Frame
}

func startFakeEnclave(t *testing.T, handler func(req transport.Frame) transport.Frame) (*fakeEnclave, *transport.Conn) {
	t.Helper()

	ln, err := transport.Listen("127.0.0.1:0", transport.Config{ReadTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("transport.Listen() error = %v", err)
	}

	fe := &fakeEnclave{ln: ln, handler: handler}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req, err := conn.RecvFrame()
			if err != nil {
				return
			}
			resp := fe.handler(req)
			if err := conn.SendFrame(resp); err != nil {
				return
			}
		}
	}()

	clientConn, err := transport.Dial(context.Background(), ln.Addr().String(), transport.Config{ReadTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("transport.Dial() error = %v", err)
	}
	t.Cleanup(func() {
		clientConn.Close()
		ln.Close()
	})

	return fe, clientConn
}

func okEnvelope(t *testing.T, result interface{}) json.RawMessage {
	t.Helper()
	resultBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	env, err := json.Marshal(struct {
		Status Status          `json:"status"`
		Result json.RawMessage `json:"result"`
	}{Status: StatusOK, Result: resultBytes})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return env
}

func TestClientAdapter_CreateSignupInfo(t *testing.T) {
	_, conn := startFakeEnclave(t, func(req transport.Frame) transport.Frame {
		if req.Type != TypeCreateSignupInfo {
			t.Fatalf("unexpected request type %q", req.Type)
		}
		return transport.Frame{
			Type:          TypeCreateSignupInfoResponse,
			CorrelationID: req.CorrelationID,
			Payload: okEnvelope(t, struct {
				SignupInfo string `json:"signup_info"`
			}{SignupInfo: "deadbeef"}),
		}
	})

	adapter := NewClientAdapter(NewClient(conn))
	info, err := adapter.CreateSignupInfo(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("CreateSignupInfo() error = %v", err)
	}
	if info != "deadbeef" {
		t.Fatalf("CreateSignupInfo() = %q, want deadbeef", info)
	}
}

func TestClientAdapter_InitializeWaitCertificate(t *testing.T) {
	_, conn := startFakeEnclave(t, func(req transport.Frame) transport.Frame {
		return transport.Frame{
			Type:          TypeInitWaitCertResponse,
			CorrelationID: req.CorrelationID,
			Payload:       okEnvelope(t, InitWaitCertResult{DurationNanos: 42}),
		}
	})

	adapter := NewClientAdapter(NewClient(conn))
	result, err := adapter.InitializeWaitCertificate(context.Background(), InitWaitCertRequest{
		PrevWaitCert:    "prev",
		PrevWaitCertSig: "sig",
		ValidatorID:     "v1",
		PoetPublicKey:   "pub",
	}, time.Second)
	if err != nil {
		t.Fatalf("InitializeWaitCertificate() error = %v", err)
	}
	if result.DurationNanos != 42 {
		t.Fatalf("DurationNanos = %d, want 42", result.DurationNanos)
	}
}

func TestClientAdapter_RPCTypeMismatch(t *testing.T) {
	_, conn := startFakeEnclave(t, func(req transport.Frame) transport.Frame {
		// Always answers with the wrong response type.
		return transport.Frame{
			Type:          "BAR_RESPONSE",
			CorrelationID: req.CorrelationID,
			Payload:       okEnvelope(t, struct{}{}),
		}
	})

	adapter := NewClientAdapter(NewClient(conn))
	_, err := adapter.InitializeWaitCertificate(context.Background(), InitWaitCertRequest{}, time.Second)
	require.Error(t, err)
	var recvErr *ReceiveError
	require.True(t, asReceiveError(err, &recvErr), "error = %v, want *ReceiveError", err)
	require.Contains(t, recvErr.Reason, "BAR_RESPONSE")
}

func TestClientAdapter_NonOKStatus(t *testing.T) {
	_, conn := startFakeEnclave(t, func(req transport.Frame) transport.Frame {
		env, _ := json.Marshal(struct {
			Status Status `json:"status"`
		}{Status: StatusError})
		return transport.Frame{Type: TypeVerifyWaitCertResponse, CorrelationID: req.CorrelationID, Payload: env}
	})

	adapter := NewClientAdapter(NewClient(conn))
	_, err := adapter.VerifyWaitCertificate(context.Background(), VerifyWaitCertRequest{}, time.Second)
	if err == nil {
		t.Fatal("expected error for non-OK status")
	}
}

func TestClientAdapter_Timeout(t *testing.T) {
	_, conn := startFakeEnclave(t, func(req transport.Frame) transport.Frame {
		time.Sleep(500 * time.Millisecond)
		return transport.Frame{Type: TypeInitWaitCertResponse, CorrelationID: req.CorrelationID, Payload: okEnvelope(t, InitWaitCertResult{})}
	})

	adapter := NewClientAdapter(NewClient(conn))
	_, err := adapter.InitializeWaitCertificate(context.Background(), InitWaitCertRequest{}, 50*time.Millisecond)
	require.Error(t, err)
	var recvErr *ReceiveError
	require.True(t, asReceiveError(err, &recvErr), "error = %v, want *ReceiveError", err)
	require.Equal(t, "timeout", recvErr.Reason)
}

func asReceiveError(err error, target **ReceiveError) bool {
	if re, ok := err.(*ReceiveError); ok {
		*target = re
		return true
	}
	return false
}
