package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var caller = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := CallerFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(addr.Hex()))
	})
}

func TestAuthenticatorBindsSubjectAsCaller(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "vault", Audience: "vaultd"}, nil)
	handler := auth.Middleware("vault:write")(echoCaller())

	cases := []struct {
		name   string
		claims jwt.MapClaims
		status int
	}{
		{"valid", jwt.MapClaims{"sub": caller.Hex(), "iss": "vault", "aud": "vaultd", "scope": "vault:read vault:write", "exp": time.Now().Add(time.Hour).Unix()}, http.StatusOK},
		{"missing scope", jwt.MapClaims{"sub": caller.Hex(), "iss": "vault", "aud": "vaultd", "scope": "vault:read"}, http.StatusForbidden},
		{"wrong issuer", jwt.MapClaims{"sub": caller.Hex(), "iss": "other", "aud": "vaultd", "scope": "vault:write"}, http.StatusUnauthorized},
		{"wrong audience", jwt.MapClaims{"sub": caller.Hex(), "iss": "vault", "aud": []interface{}{"x"}, "scope": "vault:write"}, http.StatusUnauthorized},
		{"expired", jwt.MapClaims{"sub": caller.Hex(), "iss": "vault", "aud": "vaultd", "scope": "vault:write", "exp": time.Now().Add(-time.Hour).Unix()}, http.StatusUnauthorized},
		{"subject not an address", jwt.MapClaims{"sub": "alice", "iss": "vault", "aud": "vaultd", "scope": "vault:write"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, tc.claims))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				require.Equal(t, caller.Hex(), rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatorDisabledUsesHeader(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}, nil).Middleware()(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Vault-Caller", caller.Hex())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, caller.Hex(), rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"mint": {RequestsPerMinute: 60, Burst: 2}}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := limiter.Middleware("mint")(ok)

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, send("10.0.0.1:1001"))
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002"))
	require.Equal(t, http.StatusOK, send("10.0.0.2:1000"))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, send("10.0.0.1:1003"))

	unlimited := limiter.Middleware("other")(ok)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
