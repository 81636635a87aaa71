package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims UserClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func validClaims(role string) UserClaims {
	return UserClaims{
		TenantID: "t1",
		UserID:   "u1",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuth(t *testing.T) {
	expired := validClaims(RoleDriver)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noTenant := validClaims(RoleDriver)
	noTenant.TenantID = ""

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + signToken(t, testSecret, validClaims(RoleDriver)), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", validClaims(RoleDriver)), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, expired), http.StatusUnauthorized},
		{"missing tenant", "Bearer " + signToken(t, testSecret, noTenant), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got UserClaims
			h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = GetUserFromContext(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && (got.TenantID != "t1" || got.DriverKey().DriverID != "u1") {
				t.Errorf("claims = %+v", got)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := Auth(testSecret)(RequireRole(RoleDispatcher, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	for role, want := range map[string]int{
		RoleDispatcher: http.StatusOK,
		RoleAdmin:      http.StatusOK,
		RoleDriver:     http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/dispatch/drivers", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims(role)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %s: status = %d, want %d", role, rec.Code, want)
		}
	}
}
