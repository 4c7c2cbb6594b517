// Package enrollment builds and submits the validator-registry enrollment
// transaction batch: payload, transaction header, transaction, batch,
// batch list, POSTed as a byte-identical, deterministic artifact.
package enrollment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/r3e-network/poet-validator/internal/httputil"
	"github.com/r3e-network/poet-validator/internal/poetaddr"
	"github.com/r3e-network/poet-validator/internal/poetkey"
)

const (
	familyName          = "validator_registry"
	familyVersion       = "1.0"
	registerVerb        = "register"
	validatorNamePrefix = "validator-"
	nameIdentifierLen   = 8
	nonceSize           = 32
	batchesPath         = "/batches"
)

// settingsReferenced are the on-chain governance settings the enrollment
// transaction reads to validate the enclosed signup info.
var settingsReferenced = []string{
	"sawtooth.poet.report_public_key_pem",
	"sawtooth.poet.valid_enclave_measurements",
	"sawtooth.poet.valid_enclave_basenames",
}

// Payload is the (verb, name, id, signup_info_str) tuple committed on-chain.
type Payload struct {
	Verb          string `json:"verb"`
	Name          string `json:"name"`
	ID            string `json:"id"`
	SignupInfoStr string `json:"signup_info_str"`
}

// TransactionHeader mirrors the Sawtooth transaction header wire fields.
type TransactionHeader struct {
	FamilyName      string   `json:"family_name"`
	FamilyVersion   string   `json:"family_version"`
	Inputs          []string `json:"inputs"`
	Outputs         []string `json:"outputs"`
	PayloadSHA512   string   `json:"payload_sha512"`
	Nonce           string   `json:"nonce"`
	SignerPublicKey string   `json:"signer_public_key"`
	BatcherPublicKey string  `json:"batcher_public_key"`
}

// Transaction is the signed envelope around one Payload.
type Transaction struct {
	HeaderBytes     []byte `json:"header_bytes"`
	HeaderSignature string `json:"header_signature"`
	PayloadBytes    []byte `json:"payload_bytes"`
}

// BatchHeader lists the transaction IDs a batch commits atomically.
type BatchHeader struct {
	SignerPublicKey string   `json:"signer_public_key"`
	TransactionIDs  []string `json:"transaction_ids"`
}

// Batch is the signed envelope around one or more Transactions.
type Batch struct {
	HeaderBytes     []byte        `json:"header_bytes"`
	HeaderSignature string        `json:"header_signature"`
	Transactions    []Transaction `json:"transactions"`
}

// BatchList is the top-level artifact submitted to the ledger.
type BatchList struct {
	Batches []Batch `json:"batches"`
}

// Build assembles a deterministic BatchList from a loaded key, a signup
// info blob, and a block ID used as the nonce source. Given identical
// inputs, Build's serialized output is byte-identical across calls — no
// timestamps or random fields are introduced.
func Build(key *poetkey.PrivateKey, blockID []byte, signupInfo string) (BatchList, error) {
	if len(blockID) < nonceSize {
		return BatchList{}, fmt.Errorf("enrollment: block_id must be at least %d bytes, got %d", nonceSize, len(blockID))
	}
	nonceBytes := blockID[:nonceSize]
	if !utf8.Valid(nonceBytes) {
		return BatchList{}, fmt.Errorf("enrollment: block_id prefix is not valid UTF-8")
	}
	nonce := string(nonceBytes)

	publicKeyHex := key.PublicKeyHex()

	payload := Payload{
		Verb:          registerVerb,
		Name:          validatorNamePrefix + publicKeyHex[:nameIdentifierLen],
		ID:            publicKeyHex,
		SignupInfoStr: signupInfo,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return BatchList{}, fmt.Errorf("enrollment: marshal payload: %w", err)
	}
	payloadHex := hex.EncodeToString(payloadJSON)

	entryAddr := poetaddr.RegistryEntryAddress(publicKeyHex)
	mapAddr := poetaddr.RegistryMapAddress()

	inputs := []string{entryAddr, mapAddr}
	for _, setting := range settingsReferenced {
		inputs = append(inputs, poetaddr.SettingAddress(setting))
	}
	outputs := []string{entryAddr, mapAddr}

	header := TransactionHeader{
		FamilyName:       familyName,
		FamilyVersion:    familyVersion,
		Inputs:           inputs,
		Outputs:          outputs,
		PayloadSHA512:    poetkey.SHA512Hex([]byte(payloadHex)),
		Nonce:            nonce,
		SignerPublicKey:  publicKeyHex,
		BatcherPublicKey: publicKeyHex,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return BatchList{}, fmt.Errorf("enrollment: marshal transaction header: %w", err)
	}
	headerSig := key.Sign(headerBytes)

	transaction := Transaction{
		HeaderBytes:     headerBytes,
		HeaderSignature: headerSig,
		PayloadBytes:    []byte(payloadHex),
	}

	batchHeader := BatchHeader{
		SignerPublicKey: publicKeyHex,
		TransactionIDs:  []string{transaction.HeaderSignature},
	}
	batchHeaderBytes, err := json.Marshal(batchHeader)
	if err != nil {
		return BatchList{}, fmt.Errorf("enrollment: marshal batch header: %w", err)
	}
	batchSig := key.Sign(batchHeaderBytes)

	batch := Batch{
		HeaderBytes:     batchHeaderBytes,
		HeaderSignature: batchSig,
		Transactions:    []Transaction{transaction},
	}

	return BatchList{Batches: []Batch{batch}}, nil
}

// Encode serializes a BatchList with this repository's structured-binary
// wire encoding (JSON — see DESIGN.md's Open Question decision).
func Encode(list BatchList) ([]byte, error) {
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("enrollment: marshal batch list: %w", err)
	}
	return b, nil
}

// Submit POSTs an encoded batch list to <restAPI>/batches with
// Content-Type: application/octet-stream, returning the response body.
func Submit(ctx context.Context, client *httputil.RESTClient, list BatchList) (string, error) {
	body, err := Encode(list)
	if err != nil {
		return "", err
	}

	resp, err := client.Post(ctx, batchesPath, body)
	if err != nil {
		return "", fmt.Errorf("enrollment: submit batch list: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return "", fmt.Errorf("enrollment: read submission response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("enrollment: submission failed with status %d: %s", resp.StatusCode, respBody)
	}

	return string(respBody), nil
}
