// Package iasclient posts TEE-produced quotes to the Intel Attestation
// Service and folds the resulting verification report into a signup-info
// blob. It makes no policy decision about the report's contents — that
// lives on-chain in the sawtooth.poet.* governance settings.
package iasclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/r3e-network/poet-validator/internal/httputil"
)

const (
	reportPath          = "/attestation/v4/report"
	subscriptionKeyHdr  = "Ocp-Apim-Subscription-Key"
	signatureHeaderName = "X-IASReport-Signature"
)

// AttestationError wraps a non-2xx response or a malformed report from the
// attestation service.
type AttestationError struct {
	StatusCode int
	Reason     string
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("iasclient: attestation failed (status %d): %s", e.StatusCode, e.Reason)
}

// Client posts quotes to the Intel Attestation Service.
type Client struct {
	rest *httputil.RESTClient
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	SubscriptionKey string
}

// New builds a Client. The subscription key is attached to every request
// via the Ocp-Apim-Subscription-Key header, matching IAS's own convention.
func New(cfg Config) *Client {
	return &Client{
		rest: httputil.NewRESTClient(httputil.RESTClientConfig{
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{subscriptionKeyHdr: cfg.SubscriptionKey},
		}),
	}
}

// QuoteRequest is the TEE-produced quote submitted for verification.
type QuoteRequest struct {
	ISVEnclaveQuote string `json:"isvEnclaveQuote"`
}

// Report is the signup-info blob produced by SubmitQuote: the attestation
// verification report body and its detached signature header value,
// carried side by side in one JSON envelope — see DESIGN.md's Open Question
// decision on the envelope format.
type Report struct {
	AVR       json.RawMessage `json:"avr"`
	Signature string          `json:"signature"`
}

// Marshal serializes a Report into the opaque signup_info_str blob
// embedded in the enrollment payload.
func (r Report) Marshal() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("iasclient: marshal report: %w", err)
	}
	return string(b), nil
}

// SubmitQuote posts a quote to the attestation service and returns its
// verification report as a signup-info-ready Report.
func (c *Client) SubmitQuote(ctx context.Context, quote string) (Report, error) {
	resp, err := c.rest.Post(ctx, reportPath, QuoteRequest{ISVEnclaveQuote: quote})
	if err != nil {
		return Report{}, fmt.Errorf("iasclient: submit quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 4<<10)
		return Report{}, &AttestationError{StatusCode: resp.StatusCode, Reason: string(body)}
	}

	avr, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, fmt.Errorf("iasclient: read report body: %w", err)
	}
	if !json.Valid(avr) {
		return Report{}, &AttestationError{StatusCode: resp.StatusCode, Reason: "malformed attestation verification report"}
	}

	sig := resp.Header.Get(signatureHeaderName)
	if sig == "" {
		return Report{}, &AttestationError{StatusCode: resp.StatusCode, Reason: "missing " + signatureHeaderName + " header"}
	}

	return Report{AVR: json.RawMessage(avr), Signature: sig}, nil
}
