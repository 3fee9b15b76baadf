// Package arbitration wraps the external binary-outcome arbitrator. Opening
// a dispute returns the arbitrator-assigned dispute id; the ruling arrives
// later through the dispute callback router.
package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrRejected signals the arbitrator refused to open the dispute.
var ErrRejected = errors.New("arbitration: service rejected request")

// HTTPGateway is the live adapter for the arbitration service.
type HTTPGateway struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{BaseURL: baseURL, HTTP: &http.Client{}}
}

// Open registers a dispute with the arbitrator and returns its dispute id.
func (g *HTTPGateway) Open(ctx context.Context, evidenceRef string, outcomes int, fee int64) (string, error) {
	payload := map[string]any{
		"evidence_ref": evidenceRef,
		"outcomes":     outcomes,
		"fee":          fee,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("arbitration: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/disputes", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("arbitration: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("arbitration: open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: open returned %d", ErrRejected, resp.StatusCode)
	}

	var out struct {
		DisputeID string `json:"dispute_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("arbitration: decode open response: %w", err)
	}
	if out.DisputeID == "" {
		return "", fmt.Errorf("%w: empty dispute id", ErrRejected)
	}
	return out.DisputeID, nil
}
