package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/dispatch-worker/internal/pkg/httpretry"
)

// HTTPChecker asks the billing service over HTTP:
//
//	GET {base}/internal/tenants/{id}/dispatch-allowance?count=N
//	-> {"allowed": bool, "reason": "monthly_limit_exceeded"}
type HTTPChecker struct {
	baseURL string
	token   string
	client  httpretry.HTTPDoer
}

// NewHTTPChecker creates a checker with retries on 429/5xx.
func NewHTTPChecker(baseURL, token string, timeout time.Duration, maxRetries int) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries, httpretry.WithBackoff(100*time.Millisecond, 2*time.Second)),
	}
}

type allowanceResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// AssertCanDispatch implements Checker.
func (c *HTTPChecker) AssertCanDispatch(ctx context.Context, tenantID string, count int) error {
	if count < 1 {
		count = 1
	}
	endpoint := fmt.Sprintf("%s/internal/tenants/%s/dispatch-allowance?count=%s",
		c.baseURL, url.PathEscape(tenantID), strconv.Itoa(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("quota service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out allowanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return fmt.Errorf("decode quota response: %w", err)
	}
	if out.Allowed {
		return nil
	}
	reason := out.Reason
	if reason == "" {
		reason = ReasonTenantBlocked
	}
	return &DeniedError{TenantID: tenantID, Reason: reason}
}
