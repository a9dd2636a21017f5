package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AdminSubjectKey  = "adminSubject"
	AdminTokenIssuer = "opmsync"
)

// RequireAdminToken accepts an HS256 bearer token signed with ADMIN_JWT_SECRET.
// Without a configured secret every request is refused.
func (m *Middleware) RequireAdminToken() fiber.Handler {
	secret := []byte(m.Config.AdminJWTSecret)

	return func(c *fiber.Ctx) error {
		log := m.log.TraceFromContext(c.UserContext()).Function("RequireAdminToken")

		if len(secret) == 0 {
			log.Warn("admin endpoint called but ADMIN_JWT_SECRET is not set")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Run triggering is disabled",
			})
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			log.Info("missing authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header required",
			})
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
			log.Info("invalid authorization header format")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		claims, err := ParseAdminToken(secret, token)
		if err != nil {
			log.Info("token validation failed", "error", err.Error())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(AdminSubjectKey, claims.Subject)
		log.Info("admin authenticated", "subject", claims.Subject)
		return c.Next()
	}
}

func ParseAdminToken(secret []byte, token string) (*jwt.RegisteredClaims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(AdminTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// SignAdminToken issues a token accepted by RequireAdminToken.
func SignAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    AdminTokenIssuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func GetAdminSubject(c *fiber.Ctx) string {
	subject, _ := c.Locals(AdminSubjectKey).(string)
	return subject
}
