package auth

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"Freshka/pkg/kit"
)

type tokenResp struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenHandler exchanges valid Basic credentials for an admin bearer token.
func (g *Guard) TokenHandler(ttl time.Duration, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if g.tokens == nil {
			kit.RouteNotFound(w, r)
			return
		}
		if !g.CheckBasic(r) {
			Challenge(w)
			return
		}

		user, _, _ := r.BasicAuth()
		tok, err := g.tokens.New(user, RoleAdmin, ttl)
		if err != nil {
			log.Error("token issue", zap.Error(err))
			kit.WriteError(w, r, http.StatusInternalServerError, "Internal server error", err.Error())
			return
		}

		kit.WriteJSON(w, http.StatusOK, tokenResp{
			AccessToken: tok,
			TokenType:   "Bearer",
			ExpiresIn:   int64(ttl.Seconds()),
		})
	}
}
