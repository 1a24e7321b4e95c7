package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/utils"
)

// UserIDLocal is the fiber local the identity middleware stores the caller's participant id under.
// The stored value is always a copy: it outlives the request as a hub key and push sender.
const UserIDLocal = "user_id"

// Identity resolves the caller's participant id. Without a secret the x-user-id header is
// trusted as is; with a secret a bearer token is required and its subject becomes the identity.
func Identity(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := fiberutils.CopyString(strings.TrimSpace(c.Get(dto.IdentityHeader)))

		if secret == "" {
			if header == "" {
				return utils.SendError(c, fiber.StatusUnauthorized, "x-user-id header missing")
			}
			c.Locals(UserIDLocal, header)
			return c.Next()
		}

		subject, err := SubjectFromAuthorization(c.Get("Authorization"), secret)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}
		if header != "" && header != subject {
			return utils.SendError(c, fiber.StatusForbidden, "x-user-id does not match token subject")
		}

		c.Locals(UserIDLocal, subject)
		return c.Next()
	}
}

// WebsocketIdentity guards the push socket: with a secret configured the token subject must match
// the :userId path parameter.
func WebsocketIdentity(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := fiberutils.CopyString(strings.TrimSpace(c.Params("userId")))
		if userID == "" {
			return utils.SendError(c, fiber.StatusBadRequest, "user id missing")
		}

		if secret != "" {
			subject, err := SubjectFromAuthorization(c.Get("Authorization"), secret)
			if err != nil {
				return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
			}
			if subject != userID {
				return utils.SendError(c, fiber.StatusForbidden, "token subject does not match user id")
			}
		}

		c.Locals(UserIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the identity stored by Identity or WebsocketIdentity.
func UserID(c *fiber.Ctx) string {
	if value, ok := c.Locals(UserIDLocal).(string); ok {
		return value
	}
	return ""
}

// SubjectFromAuthorization validates an HMAC-signed bearer token and returns its participant id.
func SubjectFromAuthorization(authorization, secret string) (string, error) {
	if authorization == "" {
		return "", fmt.Errorf("authorization header missing")
	}

	const bearer = "Bearer "
	if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", fmt.Errorf("invalid authorization header")
	}

	tokenString := strings.TrimSpace(authorization[len(bearer):])
	if tokenString == "" {
		return "", fmt.Errorf("invalid token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	subject := extractUserIDFromClaims(claims)
	if subject == "" {
		return "", fmt.Errorf("token subject missing")
	}
	return subject, nil
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	keys := []string{"sub", "user_id", "id"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized := normalizeUserID(value); normalized != "" {
				return normalized
			}
		}
	}
	return ""
}

func normalizeUserID(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return ""
		}
		return fmt.Sprintf("%d", int64(v))
	default:
		return ""
	}
}
