package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"shopperspoint/internal/janitor"
	"shopperspoint/internal/observability"
)

// CleanupHandler exposes the janitor sweeps over HTTP for deployments
// where no resident process hosts the daily timer. A shared cron secret
// gates the endpoint.
type CleanupHandler struct {
	janitor    *janitor.Janitor
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(j *janitor.Janitor, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		janitor:    j,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result := h.janitor.RunSweeps(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
