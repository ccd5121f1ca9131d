package api

import (
	"net/http"
	"strings"
	"time"
)

const defaultUsageWindow = 30 * 24 * time.Hour

// handleUsage totals the caller's usage since the RFC 3339 "since" query
// parameter, or over the last 30 days.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "usage reporting is unavailable"})
		return
	}

	userID := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if userID == "" {
		userID = "anonymous"
	}

	since := time.Now().UTC().Add(-defaultUsageWindow)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = parsed.UTC()
	}

	summary, err := s.usage.SummarizeUsage(r.Context(), userID, since)
	if err != nil {
		s.logger.Printf("usage summary failed user_id=%s err=%v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
