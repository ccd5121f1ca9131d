package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/ratelimit"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitCost      = "X-RateLimit-Cost"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// withRateLimit charges mutating /v1/ requests against a per-user, per-route
// bucket. Uploads cost more the larger their declared Content-Length. Limiter
// errors let the request through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		subject := s.rateLimitSubject(r)
		cost := ratelimit.CostForBytes(r.ContentLength, s.bytesPerToken)
		decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
		if err != nil {
			s.logger.Printf("rate limiter unavailable subject=%s cost=%d err=%v", subject, cost, err)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set(HeaderRateLimitLimit, strconv.FormatInt(decision.Limit, 10))
		h.Set(HeaderRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		h.Set(HeaderRateLimitCost, strconv.FormatInt(decision.Cost, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}

func (s *Server) rateLimitSubject(r *http.Request) string {
	user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if user == "" {
		user = "anonymous"
	}
	return user + ":" + routeLabel(r.URL.Path)
}
