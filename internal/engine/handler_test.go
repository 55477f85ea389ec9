package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

func newTestServer(t *testing.T, requirePolicy bool) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t, requirePolicy)
	h := NewHandler(f.pipeline, f.resolver, f.store.Policies(), f.balances, f.recorder, nil, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return f, srv
}

func do(t *testing.T, method, url, tenant string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func paymentBody(invoice, amount string) map[string]any {
	return map[string]any{
		"operation_type":       "payment",
		"business_identifiers": []string{invoice},
		"discriminator":        "2025-01-15",
		"payload": map[string]any{
			"payer_account": "acc-payer",
			"payee_account": "acc-payee",
			"amount":        amount,
			"currency":      "EUR",
			"payment_date":  "2025-01-15",
		},
	}
}

func TestHandler_SubmitCommand(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-1", "10"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
	assert.Equal(t, false, body["replayed"])
	id := body["local_record_id"]

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-1", "10"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["replayed"])
	assert.Equal(t, id, body["local_record_id"])
}

func TestHandler_SubmitErrors(t *testing.T) {
	f, srv := newTestServer(t, false)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/commands", "", paymentBody("INV-1", "10"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["error"])

	bad := paymentBody("INV-1", "10")
	bad["unexpected"] = 1
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/commands", "T", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-1", "-5"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.ledger.Freeze("acc-payer")
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-2", "10"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "rejected", body["error"])
}

func TestHandler_OutcomeUnknownIsUnavailable(t *testing.T) {
	f, srv := newTestServer(t, false)
	f.ledger.FailNext(10, netErr)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-1", "10"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, body["message"], "connection reset", "internal details stay internal")
}

func TestHandler_Policies(t *testing.T) {
	f, srv := newTestServer(t, true)
	f.savePolicy(t, "T", domain.OpPayment, domain.Parameters{"max_amount": 100.0})
	f.savePolicy(t, "T", domain.OpPayment, domain.Parameters{"max_amount": 200.0})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/policies/ledger.payment", "T", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Policy-Stale"))
	params, ok := body["parameters"].(map[string]any)
	require.True(t, ok, "body: %v", body)
	assert.Equal(t, 200.0, params["max_amount"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/policies/ledger.payment", "OTHER", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/policies/ledger.payment/history", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "T")
	hresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer hresp.Body.Close()
	require.Equal(t, http.StatusOK, hresp.StatusCode)

	var versions []domain.PolicyVersion
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&versions))
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.False(t, versions[0].IsCurrent)
	assert.True(t, versions[1].IsCurrent)
}

func TestHandler_BalanceAndCorrelation(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/commands", "T", paymentBody("INV-1", "10"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["local_record_id"].(string)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/balances/acc-payee?min_version=1", "T", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["version"])
	assert.Equal(t, "10", body["amount"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/balances/acc-payee?min_version=-1", "T", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	for _, q := range []string{"0", "51", "many"} {
		resp, _ = do(t, http.MethodGet, srv.URL+"/v1/balances/acc-payee?max_attempts="+q, "T", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/balances/acc-payee?min_version=1&max_attempts=3", "T", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/correlations/"+id, "T", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["local_record_id"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/correlations/"+id, "OTHER", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_Health(t *testing.T) {
	_, srv := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_ContinuesIncomingTrace(t *testing.T) {
	// Без endpoint провайдер остается noop, но пропагатор W3C ставится.
	shutdown, err := infra.InitTracing(context.Background(), infra.TracingConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, srv := newTestServer(t, false)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", resp.Header.Get("X-Trace-ID"))
}
