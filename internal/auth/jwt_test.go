package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erauner12/memory-api/internal/store"
)

const secret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

// echoHandler captures the principal the middleware installed.
func echoHandler(got *store.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			http.Error(w, "no principal", http.StatusInternalServerError)
			return
		}
		*got = p
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	cfg := Cfg{
		HS256Secret:  secret,
		AgentAPIKeys: map[string]string{"agent-key": "client-a"},
	}

	valid := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	expired := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	noSub := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantUser   string
		wantClient string
		wantAgent  bool
	}{
		{
			name:       "valid bearer token",
			headers:    map[string]string{"Authorization": "Bearer " + valid},
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name:       "known api key",
			headers:    map[string]string{"X-Api-Key": "agent-key"},
			wantStatus: http.StatusOK,
			wantClient: "client-a",
			wantAgent:  true,
		},
		{
			name:       "unknown api key",
			headers:    map[string]string{"X-Api-Key": "nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired token",
			headers:    map[string]string{"Authorization": "Bearer " + expired},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token without sub",
			headers:    map[string]string{"Authorization": "Bearer " + noSub},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			headers:    map[string]string{"Authorization": "Bearer nonsense"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			headers:    nil,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "debug header ignored outside dev mode",
			headers:    map[string]string{"X-Debug-Sub": "mallory"},
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got store.Principal
			h := Middleware(cfg)(echoHandler(&got))
			req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			if got.UserID != tc.wantUser || got.ClientID != tc.wantClient || got.Agent != tc.wantAgent {
				t.Errorf("principal = %+v", got)
			}
		})
	}
}

func TestMiddlewareDevMode(t *testing.T) {
	cfg := Cfg{DevMode: true}
	var got store.Principal
	h := Middleware(cfg)(echoHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Debug-Sub", "local-dev")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got.UserID != "local-dev" || got.Agent {
		t.Errorf("principal = %+v", got)
	}
}

func TestMiddlewareRejectsWrongAlgorithm(t *testing.T) {
	cfg := Cfg{HS256Secret: secret}
	// alg=none style tokens must never pass the HMAC check.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with alg=none token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}
