package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"acs/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "acs"

// JwtAuth guards the north-bound API: one admin account, HS256 tokens.
type JwtAuth struct {
	jwtSecret     []byte
	adminUsername string
	adminPassHash []byte
	expiry        time.Duration
}

// Auth creates a new JwtAuth with the provided configuration.
func Auth(cfg *config.Config) *JwtAuth {
	return &JwtAuth{
		jwtSecret:     []byte(cfg.JWTSecret),
		adminUsername: cfg.AdminUser,
		adminPassHash: []byte(cfg.AdminHash),
		expiry:        time.Duration(cfg.SessionDurationHours) * time.Hour,
	}
}

// LoginRequest represents the login payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler checks the admin credentials and issues a JWT.
func (jwtAuth *JwtAuth) LoginHandler(context *gin.Context) {
	var req LoginRequest
	if err := context.ShouldBindJSON(&req); err != nil {
		respondError(context, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username != jwtAuth.adminUsername {
		respondError(context, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword(jwtAuth.adminPassHash, []byte(req.Password)); err != nil {
		respondError(context, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokenString, expiresAt, err := jwtAuth.issue(req.Username, time.Now())
	if err != nil {
		respondError(context, http.StatusInternalServerError, "failed to sign token")
		return
	}

	context.JSON(http.StatusOK, gin.H{"token": tokenString, "expires_at": expiresAt})
}

func (jwtAuth *JwtAuth) issue(username string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(jwtAuth.expiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(jwtAuth.jwtSecret)
	return signed, expiresAt, err
}

// JWTMiddleware validates the bearer token and stores the subject as "username".
func (jwtAuth *JwtAuth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return jwtAuth.jwtSecret, nil
		})
		if err != nil || !token.Valid || !claims.VerifyIssuer(tokenIssuer, true) {
			respondError(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		c.Set("username", claims.Subject)
		c.Next()
	}
}

// SecurityHeaders returns a middleware that sets security headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
