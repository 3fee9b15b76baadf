// Package attest wraps the external attestation service that issues and
// revokes tamper-evident agreement records.
package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"escrowflow/agreement"
)

// ErrRejected signals the attestation service refused the call (malformed
// snapshot, unknown record, already revoked).
var ErrRejected = errors.New("attest: service rejected request")

// HTTPGateway is the live adapter for the attestation service.
type HTTPGateway struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{BaseURL: baseURL, HTTP: &http.Client{}}
}

// Issue submits the agreement snapshot and returns the record id assigned by
// the service.
func (g *HTTPGateway) Issue(ctx context.Context, snapshot agreement.Snapshot) (string, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("attest: marshal snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/records", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("attest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("attest: issue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: issue returned %d", ErrRejected, resp.StatusCode)
	}

	var out struct {
		RecordID string `json:"record_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("attest: decode issue response: %w", err)
	}
	if out.RecordID == "" {
		return "", fmt.Errorf("%w: empty record id", ErrRejected)
	}
	return out.RecordID, nil
}

// Revoke withdraws a previously issued record.
func (g *HTTPGateway) Revoke(ctx context.Context, recordID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.BaseURL+"/records/"+recordID, nil)
	if err != nil {
		return fmt.Errorf("attest: build request: %w", err)
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("attest: revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: revoke returned %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
