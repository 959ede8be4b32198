// Package auth authenticates operators (HS256 JWT) and the RAG service
// (static API key) on the HTTP surface.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimUserID  = "user_id"
	claimRole    = "role"

	// ServicePrincipal is the principal set for requests authenticated with
	// the RAG API key.
	ServicePrincipal = "service:ai"

	contextKeyService = "auth.service"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// ServiceKeyFunc returns the current service API key, or "" when none is set.
type ServiceKeyFunc func(ctx context.Context) (string, error)

// ServiceKeySkipper skips JWT validation for requests whose bearer token
// equals the service key, marking them as ServicePrincipal. Only paths
// accepted by allow are eligible.
func ServiceKeySkipper(key ServiceKeyFunc, allow func(path string) bool) middleware.Skipper {
	return func(c echo.Context) bool {
		if allow != nil && !allow(c.Path()) {
			return false
		}
		bearer, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || bearer == "" {
			return false
		}
		expected, err := key(c.Request().Context())
		if err != nil || expected == "" {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(bearer)), []byte(expected)) != 1 {
			return false
		}
		c.Set(contextKeyService, true)
		return true
	}
}

// Skippers combines skippers; a request is skipped when any of them matches.
func Skippers(skippers ...middleware.Skipper) middleware.Skipper {
	return func(c echo.Context) bool {
		for _, s := range skippers {
			if s != nil && s(c) {
				return true
			}
		}
		return false
	}
}

// IsService reports whether the request was authenticated with the service key.
func IsService(c echo.Context) bool {
	v, _ := c.Get(contextKeyService).(bool)
	return v
}

// UserIDFromContext extracts the user id from JWT claims.
func UserIDFromContext(c echo.Context) (string, error) {
	if IsService(c) {
		return ServicePrincipal, nil
	}
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if userID := claimString(claims, claimUserID); userID != "" {
		return userID, nil
	}
	if userID := claimString(claims, claimSubject); userID != "" {
		return userID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
}

// RoleFromContext returns the operator role claim ("" when absent).
func RoleFromContext(c echo.Context) string {
	claims, err := claimsFromContext(c)
	if err != nil {
		return ""
	}
	return claimString(claims, claimRole)
}

// GenerateToken creates a signed JWT for the user.
func GenerateToken(userID, secret string, expiresIn time.Duration) (string, time.Time, error) {
	return GenerateOperatorToken(userID, "", secret, expiresIn)
}

// GenerateOperatorToken creates a signed JWT carrying an optional role.
func GenerateOperatorToken(userID, role, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: userID,
		claimUserID:  userID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if role != "" {
		claims[claimRole] = role
	}
	return sign(claims, secret, expiresAt)
}

// RefreshTokenFromContext issues a new token for the authenticated user that
// keeps the lifetime of the current one. fallback applies when the current
// token carries no usable iat/exp pair.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	userID := claimString(claims, claimUserID)
	if userID == "" {
		userID = claimString(claims, claimSubject)
	}
	if userID == "" {
		return "", time.Time{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	lifetime := fallback
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil && exp.After(iat.Time) {
		lifetime = exp.Sub(iat.Time)
	}
	return GenerateOperatorToken(userID, claimString(claims, claimRole), secret, lifetime)
}

func sign(claims jwt.MapClaims, secret string, expiresAt time.Time) (string, time.Time, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
