package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/pkg/stakingdto"
)

const (
	adminRole   = "admin"
	gatewayRole = "gateway"
	playerRole  = "player"

	ctxRole    = "caller_role"
	ctxSubject = "caller_subject"
)

// Claims are carried by operator, gateway and player tokens. A player token's subject is
// the player's address.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for role valid for ttl.
func IssueToken(secret, role, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is required")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IssueAdminToken signs an HS256 operator token valid for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("ADMIN_JWT_SECRET is required")
	}
	return IssueToken(secret, adminRole, subject, ttl)
}

func deny(c *gin.Context, status int, msg string) {
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	c.AbortWithStatusJSON(status, stakingdto.Envelope{Error: &stakingdto.Error{Code: code, Message: msg}})
}

func parseBearer(c *gin.Context, secret string) (Claims, bool) {
	var claims Claims
	raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		deny(c, http.StatusUnauthorized, "bearer token required")
		return claims, false
	}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		deny(c, http.StatusUnauthorized, "invalid token")
		return claims, false
	}
	return claims, true
}

// AdminAuth requires a bearer HS256 token with the admin role. With no secret configured
// every admin route is refused.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			deny(c, http.StatusUnauthorized, "admin access disabled")
			return
		}
		claims, valid := parseBearer(c, secret)
		if !valid {
			return
		}
		if claims.Role != adminRole {
			deny(c, http.StatusUnauthorized, "admin role required")
			return
		}
		c.Set(ctxRole, claims.Role)
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}

// CallerAuth authenticates session actions when a gateway secret is configured. Without
// one the routes are open and the deployment must sit behind a trusted gateway.
func CallerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		claims, valid := parseBearer(c, secret)
		if !valid {
			return
		}
		switch claims.Role {
		case adminRole, gatewayRole:
		case playerRole:
			if _, err := ledger.ParseAddress(claims.Subject); err != nil {
				deny(c, http.StatusUnauthorized, "player token subject must be an address")
				return
			}
		default:
			deny(c, http.StatusUnauthorized, "unknown role")
			return
		}
		c.Set(ctxRole, claims.Role)
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}

// requireHost refuses player tokens on routes that steer the whole session.
func requireHost(c *gin.Context) {
	if c.GetString(ctxRole) == playerRole {
		deny(c, http.StatusForbidden, "gateway role required")
		return
	}
	c.Next()
}

// actsFor reports whether the caller may act as actor. Unauthenticated deployments and
// gateway tokens may act for anyone.
func actsFor(c *gin.Context, actor string) bool {
	if c.GetString(ctxRole) != playerRole {
		return true
	}
	a, err := ledger.ParseAddress(actor)
	if err != nil {
		return false
	}
	sub, err := ledger.ParseAddress(c.GetString(ctxSubject))
	return err == nil && a == sub
}
