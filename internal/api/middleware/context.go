package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

type contextKey string

const agentMACKey contextKey = "agent_mac"

func SetAgentMAC(ctx context.Context, mac string) context.Context {
	return context.WithValue(ctx, agentMACKey, mac)
}

func GetAgentMAC(r *http.Request) (string, bool) {
	mac, ok := r.Context().Value(agentMACKey).(string)
	return mac, ok
}

// AgentMAC validates the {mac} URL parameter and stores its canonical form in
// the request context.
func AgentMAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mac, err := models.NormalizeMAC(chi.URLParam(r, "mac"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_MAC", "mac must be a hardware address", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetAgentMAC(r.Context(), mac)))
	})
}
