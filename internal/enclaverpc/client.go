// Package enclaverpc implements the correlated, typed request/response
// protocol the engine and CLI use to talk to the TEE-side enclave service,
// over the length-delimited transport in internal/transport.
package enclaverpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/poet-validator/internal/transport"
)

// Status is the enumerated outcome every response frame carries.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Message type tags, paired request/response.
const (
	TypeInitEnclave              = "INIT_ENCLAVE"
	TypeInitEnclaveResponse      = "INIT_ENCLAVE_RESPONSE"
	TypeSetSigRevocationList     = "SET_SIG_REVOCATION_LIST"
	TypeSetSigRevocationListResp = "SET_SIG_REVOCATION_LIST_RESPONSE"
	TypeCreateSignupInfo         = "CREATE_SIGNUP_INFO"
	TypeCreateSignupInfoResponse = "CREATE_SIGNUP_INFO_RESPONSE"
	TypeInitWaitCert             = "INITIALIZE_WAIT_CERTIFICATE"
	TypeInitWaitCertResponse     = "INITIALIZE_WAIT_CERTIFICATE_RESPONSE"
	TypeFinalizeWaitCert         = "FINALIZE_WAIT_CERTIFICATE"
	TypeFinalizeWaitCertResponse = "FINALIZE_WAIT_CERTIFICATE_RESPONSE"
	TypeVerifyWaitCert           = "VERIFY_WAIT_CERTIFICATE"
	TypeVerifyWaitCertResponse   = "VERIFY_WAIT_CERTIFICATE_RESPONSE"
	TypeReleaseWaitCert          = "RELEASE_WAIT_CERTIFICATE"
	TypeReleaseWaitCertResponse  = "RELEASE_WAIT_CERTIFICATE_RESPONSE"
)

// ReceiveError covers timeouts, unexpected response types, and non-OK
// statuses observed while awaiting a correlated response.
type ReceiveError struct {
	CorrelationID string
	Reason        string
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("enclaverpc: receive %s: %s", e.CorrelationID, e.Reason)
}

// SendError covers a transport-level failure to dispatch the request.
type SendError struct {
	CorrelationID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("enclaverpc: send %s: %v", e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// generateCorrelationID returns a 16-character ASCII correlation token
// drawn from a uniform random source (a uuid v4's hex form, trimmed).
func generateCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// pendingCall is the rendezvous point a background reader delivers a
// matching frame to.
type pendingCall struct {
	respType string
	ch       chan transport.Frame
}

// Client multiplexes correlated RPCs over one transport.Conn. Per the
// spec's concurrency model, calls from one Client are serialized: a single
// request/response round trip completes before the next is issued.
type Client struct {
	conn *transport.Conn

	// callMu is held for the whole of one rpc round trip.
	callMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingCall
	readOnce sync.Once
	readErr  error
}

// NewClient wraps an established transport connection. The caller retains
// ownership of conn's lifetime (Close it when done).
func NewClient(conn *transport.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]*pendingCall),
	}
	return c
}

func (c *Client) startReaderOnce() {
	c.readOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.RecvFrame()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for _, p := range c.pending {
				close(p.ch)
			}
			c.pending = make(map[string]*pendingCall)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		p, ok := c.pending[frame.CorrelationID]
		if ok {
			delete(c.pending, frame.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			// Late response for an abandoned (timed-out) correlation; discard.
			continue
		}
		p.ch <- frame
	}
}

// rpc performs one blocking, typed request/response round trip: it sends
// req (JSON-encoded) tagged reqType, and awaits a response tagged respType
// within timeout, unmarshaling its payload into an O.
func rpc[I any, O any](ctx context.Context, c *Client, req I, reqType, respType string, timeout time.Duration) (O, error) {
	var zero O

	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.startReaderOnce()

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("enclaverpc: marshal request: %w", err)
	}

	corrID := generateCorrelationID()
	call := &pendingCall{respType: respType, ch: make(chan transport.Frame, 1)}

	c.mu.Lock()
	c.pending[corrID] = call
	c.mu.Unlock()

	frame := transport.Frame{Type: reqType, CorrelationID: corrID, Payload: payload}
	if err := c.conn.SendFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return zero, &SendError{CorrelationID: corrID, Err: err}
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return zero, &ReceiveError{CorrelationID: corrID, Reason: "timeout"}

	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return zero, &ReceiveError{CorrelationID: corrID, Reason: "timeout"}

	case resp, ok := <-call.ch:
		if !ok {
			return zero, &ReceiveError{CorrelationID: corrID, Reason: "transport closed"}
		}
		if resp.Type != respType {
			return zero, &ReceiveError{CorrelationID: corrID, Reason: fmt.Sprintf("unexpected message type %q", resp.Type)}
		}

		var envelope struct {
			Status Status          `json:"status"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(resp.Payload, &envelope); err != nil {
			return zero, &ReceiveError{CorrelationID: corrID, Reason: fmt.Sprintf("malformed response: %v", err)}
		}
		if envelope.Status != StatusOK {
			return zero, &ReceiveError{CorrelationID: corrID, Reason: fmt.Sprintf("failed with status %s", envelope.Status)}
		}

		var out O
		if len(envelope.Result) > 0 {
			if err := json.Unmarshal(envelope.Result, &out); err != nil {
				return zero, &ReceiveError{CorrelationID: corrID, Reason: fmt.Sprintf("malformed result: %v", err)}
			}
		}
		return out, nil
	}
}

// Close releases the underlying transport connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
