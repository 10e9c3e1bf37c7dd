package middleware

import (
	"context"
	"errors"
	"strings"

	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/contextkey"
	"dataport/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDHeader     = "X-User-Id"
	userIDContextKey = "user_id"
)

// SubjectAuthConfig controls how the data subject is identified.
type SubjectAuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens; the subject is the "sub" claim.
	JWTSecret string
	// TrustUserIDHeader accepts X-User-Id from an authenticating gateway
	// when no secret is configured.
	TrustUserIDHeader bool
}

// SubjectAuth resolves the calling data subject and rejects anonymous calls.
func SubjectAuth(cfg SubjectAuthConfig) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)
	return func(c *gin.Context) {
		subject, err := resolveSubject(c, cfg, secret)
		if err != nil {
			code := appErr.Unauthorized
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = appErr.TokenExpired
			} else if !errors.Is(err, errMissingCredentials) {
				code = appErr.TokenInvalid
			}
			response.AbortWithErrorCode(c, code, "")
			return
		}
		c.Set(userIDContextKey, subject)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, subject))
		c.Next()
	}
}

// SubjectFromContext returns the subject stored by SubjectAuth.
func SubjectFromContext(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

var errMissingCredentials = errors.New("missing credentials")

func resolveSubject(c *gin.Context, cfg SubjectAuthConfig, secret []byte) (string, error) {
	if len(secret) > 0 {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return "", errMissingCredentials
		}
		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(token *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return "", err
		}
		if claims.Subject == "" {
			return "", jwt.ErrTokenInvalidClaims
		}
		return claims.Subject, nil
	}
	if cfg.TrustUserIDHeader {
		if subject := strings.TrimSpace(c.GetHeader(userIDHeader)); subject != "" {
			return subject, nil
		}
	}
	return "", errMissingCredentials
}
