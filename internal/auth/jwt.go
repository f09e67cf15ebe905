package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/store"
)

type ctxKey string

const ctxPrincipal ctxKey = "principal"

// Cfg holds authentication configuration.
type Cfg struct {
	HS256Secret string // HMAC secret for HS256 user tokens
	// AgentAPIKeys maps an X-Api-Key value to the agent client id it
	// authenticates. Agent callers bypass membership checks in the store.
	AgentAPIKeys map[string]string
	DevMode      bool // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// Middleware authenticates every request and installs a store.Principal in
// the context. Three modes:
// 1. Agent: X-Api-Key header mapped to a client id.
// 2. User: Bearer token with JWT validation (sub claim is the user id).
// 3. Development: X-Debug-Sub header (ONLY when DevMode=true).
func Middleware(cfg Cfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-Api-Key"); key != "" {
				clientID, ok := cfg.AgentAPIKeys[key]
				if !ok {
					log.Warn().Msg("unknown agent api key")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				ctx := WithPrincipal(r.Context(), store.Principal{ClientID: clientID, Agent: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})
				if err != nil || !t.Valid {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				if s, ok := claims["sub"].(string); ok {
					sub = s
				}
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithPrincipal(r.Context(), store.Principal{UserID: sub})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithPrincipal installs the caller identity in the context.
func WithPrincipal(ctx context.Context, p store.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

// PrincipalFrom extracts the authenticated caller. ok is false when the
// middleware did not run.
func PrincipalFrom(ctx context.Context) (store.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(store.Principal)
	return p, ok
}
