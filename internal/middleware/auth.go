package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/models"
	"dispatch-backend/pkg/utils"
)

type contextKey string

const UserContextKey contextKey = "user"

// Roles carried in the role claim
const (
	RoleDriver     = "driver"
	RoleDispatcher = "dispatcher"
	RoleAdmin      = "admin"
)

// UserClaims identifies the caller. Every request is scoped to TenantID.
type UserClaims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// DriverKey treats the caller as a driver of their tenant
func (c UserClaims) DriverKey() models.DriverKey {
	return models.DriverKey{TenantID: c.TenantID, DriverID: c.UserID}
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(secret, tokenString string) (UserClaims, error) {
	var claims UserClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return UserClaims{}, err
	}
	if !token.Valid {
		return UserClaims{}, errors.New("invalid token")
	}
	if claims.TenantID == "" || claims.UserID == "" || claims.Role == "" {
		return UserClaims{}, errors.New("token is missing tenant_id, user_id or role")
	}
	return claims, nil
}

// Auth validates the bearer token and adds the caller's claims to the context
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenString == "" {
				logrus.WithField("path", r.URL.Path).Debug("❌ Missing or malformed authorization header")
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			claims, err := ParseToken(secret, tokenString)
			if err != nil {
				logrus.WithError(err).WithField("path", r.URL.Path).Info("❌ Invalid token")
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows only the listed roles (must be used after Auth)
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userClaims, ok := GetUserFromContext(r)
			if !ok {
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if !slices.Contains(roles, userClaims.Role) {
				logrus.WithFields(logrus.Fields{
					"required": roles,
					"role":     userClaims.Role,
					"user_id":  userClaims.UserID,
				}).Info("❌ Insufficient permissions")
				utils.RespondError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) (UserClaims, bool) {
	userClaims, ok := r.Context().Value(UserContextKey).(UserClaims)
	return userClaims, ok
}
