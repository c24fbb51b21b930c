package authapi

import (
	"context"
	"errors"
	"net/http"

	"messenger/cmd/internal/auth/session"
)

type identityKey struct{}

// IdentityFrom returns the identity the bearer middleware attached to ctx.
func IdentityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(session.Identity)
	return id, ok
}

func mustIdentity(ctx context.Context) session.Identity {
	id, _ := IdentityFrom(ctx)
	return id
}

// requireAuth validates the bearer access token. An expired token answers
// ACCESS_TOKEN_EXPIRED so the client refreshes; every other credential failure
// carries its own code (INVALID_TOKEN, SESSION_INACTIVE, ...) and means re-login.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			writeError(w, http.StatusUnauthorized, session.CodeInvalidToken, "missing bearer token")
			return
		}

		id, err := h.sessions.ValidateAccessToken(r.Context(), tok, clientIP(r, h.cfg.TrustProxy))
		if err != nil {
			code := session.CodeOf(err)
			if code == "" {
				h.log.Error("auth.bearer.fail", "err", err)
				writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
				return
			}
			msg := "invalid credentials"
			if errors.Is(err, session.ErrAccessTokenExpired) {
				msg = "access token expired"
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, code, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}
