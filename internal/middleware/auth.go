package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"

	"github.com/NahuelNGomez/steam-analyzer-sub000/utils/response"
)

type contextKey string

const OperatorContextKey contextKey = "operator"

// OperatorRole is the role claim a token needs to use control routes.
const OperatorRole = "operator"

// OperatorAuth guards the routes that change what a doctor does. Tokens are
// HMAC-signed JWTs passed as a bearer token.
type OperatorAuth struct {
	secret []byte
}

func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secret: []byte(secret)}
}

func (m *OperatorAuth) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			response.Fail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		operator, err := m.validateToken(raw)
		if err != nil {
			response.Fail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if operator == "" {
			response.Fail(w, http.StatusForbidden, "operator role required")
			return
		}

		ctx := context.WithValue(r.Context(), OperatorContextKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken returns the token subject, or "" when the token is valid but
// does not carry the operator role.
func (m *OperatorAuth) validateToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrInvalidKey
	}
	if role, _ := claims["role"].(string); role != OperatorRole {
		return "", nil
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject = "unknown"
	}
	return subject, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return raw, raw != ""
}

func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(OperatorContextKey).(string)
	return operator
}
