package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker reports whether a provider API answers at all. Any response
// below 500 counts as reachable: unauthenticated probes get 401 or 404.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker creates a checker probing url with a GET request.
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Name returns the check name used in readiness responses.
func (c *HTTPChecker) Name() string {
	return c.name
}

// HealthCheck issues the probe request.
func (c *HTTPChecker) HealthCheck(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("%s url not configured", c.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", c.name, resp.StatusCode)
	}
	return nil
}
