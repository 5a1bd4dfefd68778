package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/taskmill/corerunner/core"
)

// webhookBody is the JSON object posted for a delivery attempt.
type webhookBody struct {
	ExecutionID string               `json:"execution_id"`
	TaskID      int64                `json:"task_id"`
	Status      core.ExecutionStatus `json:"status"`
	Output      any                  `json:"output,omitempty"`
	Error       *core.ExecutionError `json:"error,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMS  *int64               `json:"duration_ms,omitempty"`
}

// deliverWebhook expands dst's URL/headers against tctx, posts the
// Execution's outcome, and retries per dst.RetryPolicy.
func deliverWebhook(ctx context.Context, dst *core.WebhookDestination, job *core.Job, exec *core.Execution, tctx *templateContext) error {
	url, err := tctx.expand(dst.URL)
	if err != nil {
		return err
	}

	body := webhookBody{
		ExecutionID: exec.UUID.String(),
		TaskID:      job.TaskID,
		Status:      exec.Status,
		Output:      exec.Output,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		DurationMS:  exec.DurationMS,
	}
	if exec.Error != nil {
		sanitized := exec.Error.Sanitize()
		body.Error = &sanitized
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("delivery: marshal webhook body: %w", err)
	}

	method := dst.Method
	if method == "" {
		method = http.MethodPost
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = maxAttempts(dst.RetryPolicy)
	if dst.RetryPolicy.InitialDelay > 0 {
		client.RetryWaitMin = dst.RetryPolicy.InitialDelay
	}
	if dst.RetryPolicy.MaxDelay > 0 {
		client.RetryWaitMax = dst.RetryPolicy.MaxDelay
	}
	client.CheckRetry = checkRetry
	// DefaultBackoff honors Retry-After; the result is capped at RetryWaitMax.
	client.Backoff = func(lo, hi time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if d := retryablehttp.DefaultBackoff(lo, hi, attemptNum, resp); d < hi {
			return d
		}
		return hi
	}
	if dst.Timeout > 0 {
		client.HTTPClient.Timeout = dst.Timeout
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("delivery: build webhook request: %w", err)
	}

	contentType := dst.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range dst.Headers {
		expanded, err := tctx.expand(v)
		if err != nil {
			return err
		}
		req.Header.Set(k, expanded)
	}
	applyAuth(req.Header, dst.Auth)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: webhook request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delivery: webhook returned %s", resp.Status)
	}
	return nil
}

// checkRetry retries on network errors, 5xx, 408, and 429 only; any
// other 4xx is terminal.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode >= 500:
		return true, nil
	default:
		return false, nil
	}
}

func maxAttempts(p core.RetryPolicy) int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts - 1 // RetryMax counts retries, not the initial attempt
}

func applyAuth(h http.Header, auth *core.WebhookAuth) {
	if auth == nil {
		return
	}
	switch {
	case auth.Bearer != nil:
		h.Set("Authorization", "Bearer "+auth.Bearer.Token)
	case auth.Basic != nil:
		token := base64.StdEncoding.EncodeToString([]byte(auth.Basic.User + ":" + auth.Basic.Pass))
		h.Set("Authorization", "Basic "+token)
	case auth.APIKey != nil:
		h.Set(auth.APIKey.Header, auth.APIKey.Key)
	}
}
