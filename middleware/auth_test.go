package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func validClaims(username string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Username: username,
	}
}

func echoUsername() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(Username(r.Context())))
	})
}

func TestIdentity_JWT(t *testing.T) {
	good := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("alice"))

	subjectOnly := validClaims("")
	subjectOnly.Subject = "bob"
	subjectToken := signToken(t, jwt.SigningMethodHS256, testSecret, subjectOnly)

	expired := validClaims("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	expiredToken := signToken(t, jwt.SigningMethodHS256, testSecret, expired)

	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("alice"))
	noName := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims(""))

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantUser   string
	}{
		{
			name:       "bearer header",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+good) },
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name:       "query parameter",
			setup:      func(r *http.Request) { r.URL.RawQuery = "token=" + good },
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name:       "cookie",
			setup:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: good}) },
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name:       "subject fallback",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+subjectToken) },
			wantStatus: http.StatusOK,
			wantUser:   "bob",
		},
		{
			name:       "missing token",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed header",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Token "+good) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expiredToken) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong key",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongKey) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no username",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noName) },
			wantStatus: http.StatusUnauthorized,
		},
	}

	handler := Identity(JWTProvider{Secret: testSecret})(echoUsername())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/chat/", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rr.Body.String() != tt.wantUser {
				t.Errorf("username = %q, want %q", rr.Body.String(), tt.wantUser)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]string
				if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
					t.Errorf("unauthorized body = %q", rr.Body.String())
				}
			}
		})
	}
}

func TestIdentity_RejectsNoneAlgorithm(t *testing.T) {
	token := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims("mallory"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	Identity(JWTProvider{Secret: testSecret})(echoUsername()).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestIdentity_Header(t *testing.T) {
	handler := Identity(HeaderProvider{Header: "X-Forwarded-User"})(echoUsername())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-User", " carol ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "carol" {
		t.Errorf("got %d %q, want 200 carol", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status without header = %d, want 401", rr.Code)
	}
}

func TestUsername_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := Username(req.Context()); got != "" {
		t.Errorf("Username() = %q, want empty", got)
	}
}
