package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/suPer8Hu/ai-chatroom/internal/common"
)

// AdminKey holds the privileged flag decided by AdminRequired.
const AdminKey = "admin"

var ErrNotAdmin = errors.New("token does not grant admin")

type AdminClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 admin token valid for ttl.
func IssueAdminToken(secret string, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates raw and reports whether it carries the admin claim.
func ParseAdminToken(secret, raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !claims.Admin {
		return nil, ErrNotAdmin
	}
	return claims, nil
}

// AdminRequired accepts a Bearer token (or a token query parameter, for
// websocket upgrades from browsers) and aborts with 40101 otherwise.
func AdminRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "admin api disabled")
			return
		}
		raw := bearer(c)
		if raw == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		if _, err := ParseAdminToken(secret, raw); err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(AdminKey, true)
		c.Next()
	}
}

// IsAdmin reports the flag set by AdminRequired.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(AdminKey)
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(c.Query("token"))
}
