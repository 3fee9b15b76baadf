// Package funds adapts the external treasury's transfer primitive. A failed
// transfer never partially debits the source, so the engine can treat any
// error as a clean abort.
package funds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrTransferFailed signals the treasury declined or could not complete the
// transfer.
var ErrTransferFailed = errors.New("funds: transfer failed")

// HTTPTransferer is the live adapter for the treasury service. The escrow
// account is a fixed address configured at bootstrap.
type HTTPTransferer struct {
	BaseURL       string
	EscrowAccount string
	HTTP          *http.Client
}

func NewHTTPTransferer(baseURL, escrowAccount string) *HTTPTransferer {
	return &HTTPTransferer{BaseURL: baseURL, EscrowAccount: escrowAccount, HTTP: &http.Client{}}
}

// TransferFrom moves amount from payer into the escrow account.
func (t *HTTPTransferer) TransferFrom(ctx context.Context, payer string, amount int64) error {
	return t.post(ctx, payer, t.EscrowAccount, amount)
}

// Transfer moves amount from the escrow account to payee.
func (t *HTTPTransferer) Transfer(ctx context.Context, payee string, amount int64) error {
	return t.post(ctx, t.EscrowAccount, payee, amount)
}

func (t *HTTPTransferer) post(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("funds: amount must be positive")
	}

	body, err := json.Marshal(map[string]any{
		"from":   from,
		"to":     to,
		"amount": amount,
	})
	if err != nil {
		return fmt.Errorf("funds: marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("funds: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("funds: transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: treasury returned %d", ErrTransferFailed, resp.StatusCode)
	}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("funds: decode transfer response: %w", err)
	}
	if !out.OK {
		return ErrTransferFailed
	}
	return nil
}
