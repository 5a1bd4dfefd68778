package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taskmill/corerunner/core"
)

// TestDeliverWebhookRetriesThenSucceeds covers retry-then-success: two
// 500s then a 200, with the body carrying execution_id and output.
func TestDeliverWebhookRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	var lastBody webhookBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job, exec := testExecJob()
	dst := &core.WebhookDestination{
		URL:    srv.URL + "/{execution_id}",
		Method: http.MethodPost,
		RetryPolicy: core.RetryPolicy{
			MaxAttempts:       3,
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		Timeout: 2 * time.Second,
	}
	tctx := newTemplateContext(nil, job, exec)

	err := deliverWebhook(context.Background(), dst, job, exec, tctx)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, exec.UUID.String(), lastBody.ExecutionID)
	require.Equal(t, map[string]any{"sum": float64(15)}, lastBody.Output)
}

func TestDeliverWebhookDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	job, exec := testExecJob()
	dst := &core.WebhookDestination{
		URL:         srv.URL,
		RetryPolicy: core.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		Timeout:     2 * time.Second,
	}
	tctx := newTemplateContext(nil, job, exec)

	err := deliverWebhook(context.Background(), dst, job, exec, tctx)
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDeliverWebhookAppliesBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job, exec := testExecJob()
	dst := &core.WebhookDestination{
		URL:     srv.URL,
		Timeout: 2 * time.Second,
		Auth:    &core.WebhookAuth{Bearer: &core.BearerAuth{Token: "s3cr3t"}},
	}
	tctx := newTemplateContext(nil, job, exec)

	require.NoError(t, deliverWebhook(context.Background(), dst, job, exec, tctx))
	require.Equal(t, "Bearer s3cr3t", gotAuth)
}

func TestDeliverWebhookMissingTemplateVarFails(t *testing.T) {
	job, exec := testExecJob()
	dst := &core.WebhookDestination{URL: "https://example.test/{nonexistent}"}
	tctx := newTemplateContext(nil, job, exec)

	err := deliverWebhook(context.Background(), dst, job, exec, tctx)
	require.Error(t, err)
	var te *TemplateError
	require.ErrorAs(t, err, &te)
}
