// Package registry is the client for the external estate/unit registry. The
// engine only needs the ownership predicate consumed by the create and
// attest guards; estate bookkeeping itself lives in the registry service.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPClient is the live adapter for the registry service.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: &http.Client{}}
}

// IsAuthorizedOwner reports whether caller is a registered owner of the
// estate or unit.
func (c *HTTPClient) IsAuthorizedOwner(ctx context.Context, estateID, caller string) (bool, error) {
	endpoint := fmt.Sprintf("%s/estates/%s/owners/%s", c.BaseURL, url.PathEscape(estateID), url.PathEscape(caller))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("registry: build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry: ownership lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("registry: lookup returned %d", resp.StatusCode)
	}

	var out struct {
		Authorized bool `json:"authorized"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("registry: decode lookup response: %w", err)
	}
	return out.Authorized, nil
}
