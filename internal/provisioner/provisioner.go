// Package provisioner holds the client for the external database
// provisioner service, which hands out per-project database credentials.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/stevedore/internal/model"
)

const requestTimeout = 30 * time.Second

// Client provisions shared-database credentials for a project. It is
// invoked from inside a state machine step, so implementations must be
// safe for concurrent use.
type Client interface {
	ProvisionDatabase(ctx context.Context, projectName string) (model.DatabaseCredentials, error)
}

// Compile-time interface satisfaction check.
var _ Client = (*HTTPClient)(nil)

// HTTPClient talks JSON over HTTP to the provisioner service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a provisioner client for the service at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type provisionRequest struct {
	ProjectName string `json:"project_name"`
}

// ProvisionDatabase requests database credentials for the project.
// Provisioning is idempotent on the provisioner side: repeating the request
// for the same project returns the same credentials.
func (c *HTTPClient) ProvisionDatabase(ctx context.Context, projectName string) (model.DatabaseCredentials, error) {
	body, err := json.Marshal(provisionRequest{ProjectName: projectName})
	if err != nil {
		return model.DatabaseCredentials{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/databases", bytes.NewReader(body))
	if err != nil {
		return model.DatabaseCredentials{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return model.DatabaseCredentials{}, fmt.Errorf("provision database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.DatabaseCredentials{}, fmt.Errorf("provisioner returned status %d", resp.StatusCode)
	}

	var creds model.DatabaseCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return model.DatabaseCredentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
