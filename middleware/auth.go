package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Context keys set by Auth.
const (
	ParticipantIDKey = "participant_id"
	RoleKey          = "role"
)

// RoleAdmin marks tokens allowed to create rooms and drive rounds.
const RoleAdmin = "admin"

var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Claims are the token fields this service reads. Tokens are issued by an
// external identity provider; the subject is the participant identity.
type Claims struct {
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies HMAC-signed bearer tokens and stores the subject and role
// in the gin context. An empty issuer accepts any issuer.
func Auth(secret, issuer string) gin.HandlerFunc {
	if secret == "" {
		panic("middleware: JWT secret cannot be empty")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw, err := extractToken(c)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		claims := &Claims{}
		_, err = parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		if claims.Subject == "" {
			abortUnauthorized(c, fmt.Errorf("token has no subject"))
			return
		}

		c.Set(ParticipantIDKey, claims.Subject)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RequireAdmin rejects requests whose token lacks the admin role. It must
// run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "admin role required"})
			return
		}
		c.Next()
	}
}

// ParticipantID returns the authenticated subject.
func ParticipantID(c *gin.Context) string {
	return c.GetString(ParticipantIDKey)
}

func extractToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket upgrades.
		if q := c.Query("token"); q != "" {
			return q, nil
		}
		return "", ErrMissingAuthHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", jwt.ErrTokenMalformed
	}
	return token, nil
}

func abortUnauthorized(c *gin.Context, err error) {
	logrus.WithError(err).WithField("path", c.FullPath()).Debug("rejected token")
	msg := "invalid or expired token"
	if errors.Is(err, ErrMissingAuthHeader) {
		msg = "authorization required"
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": msg})
}
