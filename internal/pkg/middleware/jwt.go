package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/patronbox/internal/pkg/usercontext"
)

// RoleAdmin is the role claim value that unlocks admin operations.
const RoleAdmin = "admin"

// Claims are the JWT claims issued by the identity provider in front of the
// API. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses tokenString and returns its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("token secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Sign issues a token for userID valid for ttl. Used by tooling and tests.
func (v *TokenVerifier) Sign(userID, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWTAuth authenticates "Authorization: Bearer" tokens and stores the caller
// in the user context. Missing or invalid tokens get a JSON 401.
func JWTAuth(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := extractBearerToken(c)
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		claims, err := v.Verify(raw)
		if err != nil {
			log.Debugf("[Auth] Rejected token: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     claims.Subject,
			Email:      claims.Email,
			IsLoggedIn: true,
			IsAdmin:    claims.Role == RoleAdmin,
		})
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
