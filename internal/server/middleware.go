package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// boundaryGuard wraps every request with a short per-request id,
// refuses work outright when descriptor usage is already critical
// (when enabled), recovers handler panics into structured JSON errors,
// and logs descriptor growth across the request.
func (s *Server) boundaryGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()[:8]
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		var beforeTotal int
		if s.guard.Enabled {
			snap := s.svc.Snapshot()
			beforeTotal = snap.Total

			if snap.LimitKnown {
				used := float64(snap.Total)
				limit := float64(snap.SoftLimit)

				if used > limit*s.guard.RejectRatio {
					s.logger.Error("descriptor usage critical, refusing request",
						"request_id", reqID,
						"path", r.URL.Path,
						"fd_count", snap.Total,
						"soft_limit", snap.SoftLimit,
					)
					writeJSON(rec, http.StatusServiceUnavailable, errorResponse{
						Detail: "Server is experiencing high load. Please try again later.",
						Type:   "resource_exhaustion",
					})
					return
				}
				if used > limit*s.svc.Policy().AlertRatio {
					s.logger.Warn("high descriptor usage before request",
						"request_id", reqID,
						"path", r.URL.Path,
						"fd_count", snap.Total,
						"soft_limit", snap.SoftLimit,
					)
				}
			}
		}

		defer func() {
			if p := recover(); p != nil {
				msg := fmt.Sprint(p)
				if isFDExhaustion(msg) {
					s.logger.Error("file descriptor limit reached in handler",
						"request_id", reqID,
						"path", r.URL.Path,
						"error", msg,
					)
					writeJSON(rec, http.StatusInternalServerError, errorResponse{
						Detail: "Server encountered a resource limit. Please try again later.",
						Type:   "file_descriptor_limit",
					})
					return
				}

				s.logger.Error("unhandled error in request",
					"request_id", reqID,
					"path", r.URL.Path,
					"error", msg,
				)
				writeJSON(rec, http.StatusInternalServerError, errorResponse{
					Detail: "Internal server error",
				})
			}
		}()

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if s.guard.Enabled {
			if after := s.svc.Snapshot(); after.Total > beforeTotal {
				s.logger.Debug("descriptor growth across request",
					"request_id", reqID,
					"path", r.URL.Path,
					"delta", after.Total-beforeTotal,
				)
			}
		}
	})
}

// isFDExhaustion reports whether a failure message looks like
// descriptor exhaustion (EMFILE/ENFILE surface as these strings).
func isFDExhaustion(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too many open files") ||
		strings.Contains(lower, "file table overflow")
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
