package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parashield-protocol/parashield/internal/config"
)

const (
	testAssetAddr  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	testTargetAddr = "0x1111111111111111111111111111111111111111"
	testHolderAddr = "0x2222222222222222222222222222222222222222"
	testProvider   = "0x3333333333333333333333333333333333333333"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8080",
		Env:            "development",
		LogLevel:       "error",
		PollInterval:   config.DefaultPollInterval,
		CooldownPeriod: config.DefaultCooldownPeriod,
		ListenerOrigin: config.DefaultListenerOrigin,
		RateLimitRPS:   1000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started background workers
	w = doJSON(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Deep health reports the expiry timer as not yet running
	w = doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decodeBody(t, w)["status"])
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodGet, "/api", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Parashield", decodeBody(t, w)["name"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "parashield_")
}

// seedMarket provisions a funded pool and exploit pricing through the
// admin API, the way an operator would bootstrap a new asset.
func seedMarket(t *testing.T, srv *Server) {
	t.Helper()

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/pools", map[string]interface{}{
		"asset":              testAssetAddr,
		"minCapitalRatioPct": 100,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPost, "/v1/pools/"+testAssetAddr+"/deposits", map[string]interface{}{
		"provider": testProvider,
		"amount":   "1000000",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPut, "/v1/admin/risk-parameters", map[string]interface{}{
		"kind":        "exploit",
		"subject":     testTargetAddr,
		"baseRateBps": 500,
		"factors": map[string]interface{}{
			"tvlFactorPct":        100,
			"complexityFactorPct": 100,
			"auditDiscountPct":    100,
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, testConfig())
	seedMarket(t, srv)

	// Quote before buying
	quoteURL := fmt.Sprintf("/v1/premium/quote?asset=%s&amount=100000&duration=8760h&kind=exploit&target=%s",
		testAssetAddr, testTargetAddr)
	w := doJSON(t, srv, http.MethodGet, quoteURL, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeBody(t, w)["premium"])

	// Purchase
	w = doJSON(t, srv, http.MethodPost, "/v1/policies", map[string]interface{}{
		"holder":       testHolderAddr,
		"asset":        testAssetAddr,
		"amount":       "100000",
		"durationSecs": int64((365 * 24 * time.Hour).Seconds()),
		"kind":         "exploit",
		"target":       testTargetAddr,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	policy, ok := decodeBody(t, w)["policy"].(map[string]interface{})
	require.True(t, ok)
	policyID := int(policy["id"].(float64))
	assert.Equal(t, "active", policy["status"])

	// Read back
	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/policies/%d", policyID), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Holder listing
	w = doJSON(t, srv, http.MethodGet, "/v1/holders/"+testHolderAddr+"/policies", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Pool shows reserved cover
	w = doJSON(t, srv, http.MethodGet, "/v1/pools/"+testAssetAddr, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Cancel with refund
	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/policies/%d/cancel", policyID), map[string]interface{}{
		"holder": testHolderAddr,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeBody(t, w)["refund"])
}

func TestPurchaseRejectsBadAddress(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodPost, "/v1/policies", map[string]interface{}{
		"holder":       "not-an-address",
		"asset":        testAssetAddr,
		"amount":       "100000",
		"durationSecs": 3600,
		"kind":         "exploit",
		"target":       testTargetAddr,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalIngestUnknownOrigin(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodPost, "/v1/signals", map[string]interface{}{
		"origin": "rogue-feed",
		"signal": map[string]interface{}{
			"id":         "sig_test",
			"kind":       "exploit",
			"target":     testTargetAddr,
			"observedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSignalIngestRequiresListenerKey(t *testing.T) {
	cfg := testConfig()
	cfg.ListenerSecret = "listener-key"
	srv := newTestServer(t, cfg)

	body := map[string]interface{}{
		"origin": config.DefaultListenerOrigin,
		"signal": map[string]interface{}{
			"id":         "sig_test",
			"kind":       "exploit",
			"target":     testTargetAddr,
			"observedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	w := doJSON(t, srv, http.MethodPost, "/v1/signals", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/signals", body, map[string]string{
		"X-Listener-Key": "listener-key",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "operator-secret"
	srv := newTestServer(t, cfg)

	body := map[string]interface{}{
		"asset":              testAssetAddr,
		"minCapitalRatioPct": 100,
	}

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/pools", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/admin/pools", body, map[string]string{
		"X-Admin-Secret": "wrong",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/admin/pools", body, map[string]string{
		"X-Admin-Secret": "operator-secret",
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestAdminDisabledInProductionWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.ListenerSecret = "lk"
	cfg.AdminSecret = ""
	srv := newTestServer(t, cfg)

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/pools", map[string]interface{}{
		"asset": testAssetAddr,
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := doJSON(t, srv, http.MethodGet, "/api", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doJSON(t, srv, http.MethodGet, "/api", nil, map[string]string{
		"X-Request-ID": "req-abc123",
	})
	assert.Equal(t, "req-abc123", w.Header().Get("X-Request-ID"))
}
