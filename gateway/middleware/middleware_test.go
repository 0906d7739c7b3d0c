package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"bazaar/core/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testAddress(b byte) types.Address {
	return types.BytesToAddress([]byte{b, b, b, b})
}

// counterValue sums the samples of a gathered counter family whose labels
// include want.
func counterValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.Metric {
			if labelsMatch(m, want) && m.Counter != nil {
				total += m.Counter.GetValue()
			}
		}
	}
	return total
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, pair := range m.GetLabel() {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	caller := testAddress(7)
	token, err := IssueToken(testSecret, "marketctl", "marketd", caller, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "marketctl", Audience: "marketd"}, nil)

	var seen types.Address
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := CallerFromContext(r.Context())
		if !ok {
			t.Fatalf("expected caller in context")
		}
		seen = got
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if seen != caller {
		t.Fatalf("caller mismatch: got %s want %s", seen, caller)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "marketctl", Audience: "marketd"}, nil)
	handler := auth.Middleware()(okHandler())
	now := time.Now()
	caller := testAddress(9)

	wrongSecret, _ := IssueToken(strings.Repeat("x", 32), "marketctl", "marketd", caller, time.Hour, now)
	wrongAudience, _ := IssueToken(testSecret, "marketctl", "explorer", caller, time.Hour, now)
	expired, _ := IssueToken(testSecret, "marketctl", "marketd", caller, time.Minute, now.Add(-time.Hour))

	cases := map[string]string{
		"missing":        "",
		"not bearer":     "Basic abc",
		"wrong secret":   "Bearer " + wrongSecret,
		"wrong audience": "Bearer " + wrongAudience,
		"expired":        "Bearer " + expired,
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())
	throttled := map[string]string{"reason": "rate_limit"}
	before := counterValue(t, "bazaar_http_throttles_total", throttled)

	req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if got := counterValue(t, "bazaar_http_throttles_total", throttled) - before; got != 1 {
		t.Fatalf("expected one recorded throttle, got %v", got)
	}
}

func TestRateLimiterSeparatesCallers(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	for _, b := range []byte{1, 2} {
		req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
		req = req.WithContext(WithCaller(req.Context(), testAddress(b)))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("caller %d: expected 200, got %d", b, res.Code)
		}
	}
}

func TestRateLimiterPrunesIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a")
	now = now.Add(2 * visitorIdleTTL)
	limiter.obtainLimiter("b")
	if _, ok := limiter.visitors["a"]; ok {
		t.Fatalf("expected idle visitor to be pruned")
	}
}

func TestObservabilityRecordsStatus(t *testing.T) {
	var route string
	obs := NewObservability(ObservabilityConfig{RouteName: func(r *http.Request) string {
		route = "/v1/test"
		return route
	}}, nil)
	handler := obs.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/x", nil))
	if res.Code != http.StatusTeapot {
		t.Fatalf("expected status passthrough, got %d", res.Code)
	}
	if route != "/v1/test" {
		t.Fatalf("expected route hook to run")
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://shop.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/listings", nil)
	req.Header.Set("Origin", "https://shop.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin, got %q", got)
	}
}
