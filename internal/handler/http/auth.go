package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims identifies the caller. Subject is the user or partner id the caller
// acts as.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Actor struct {
	ID   string
	Role string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type ctxKeyActor struct{}

func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor{}).(Actor)
	return actor, ok
}

func JWTMiddleware(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			tokenStr := strings.TrimPrefix(auth, "Bearer ")

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil || !token.Valid || claims.Subject == "" {
				log.Warn().Err(err).Msg("Rejected request with invalid token")
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			role := claims.Role
			if role == "" {
				role = RoleUser
			}
			ctx := ContextWithActor(r.Context(), Actor{ID: claims.Subject, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
