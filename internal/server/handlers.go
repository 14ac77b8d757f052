package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ushineko/fdleakd/internal/account"
	"github.com/ushineko/fdleakd/internal/version"
)

// snapshotResponse is the JSON body for GET /. Limit fields are null
// when the platform exposes no descriptor ceiling.
type snapshotResponse struct {
	FDCount          int      `json:"fd_count"`
	FDLimitSoft      *uint64  `json:"fd_limit_soft"`
	FDLimitHard      *uint64  `json:"fd_limit_hard"`
	OpenFiles        int      `json:"open_files"`
	OpenConnections  int      `json:"open_connections"`
	PctOfLimit       *float64 `json:"pct_of_limit"`
	LeakedFilesCount int      `json:"leaked_files_count"`
}

type leakResponse struct {
	Message     string `json:"message"`
	TotalLeaked int    `json:"total_leaked"`
}

type cleanupResponse struct {
	Message        string   `json:"message"`
	CurrentFDCount int      `json:"current_fd_count"`
	PctOfLimit     *float64 `json:"pct_of_limit"`
}

// errorResponse is the JSON body for refused or failed requests. Type
// distinguishes resource exhaustion from generic failures.
type errorResponse struct {
	Detail string `json:"detail"`
	Type   string `json:"type,omitempty"`
}

func snapshotToResponse(snap account.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		FDCount:          snap.Total,
		OpenFiles:        snap.Files,
		OpenConnections:  snap.Conns,
		LeakedFilesCount: snap.Leaked,
	}
	if snap.LimitKnown {
		soft, hard, pct := snap.SoftLimit, snap.HardLimit, snap.PctOfLimit
		resp.FDLimitSoft = &soft
		resp.FDLimitHard = &hard
		resp.PctOfLimit = &pct
	}
	return resp
}

// handleSnapshot serves the current resource snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	if s.activity != nil {
		s.activity.ObserveFDs(snap.Total)
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

// handleLeak creates count unclosed handles, optionally scheduling a
// deferred cleanup of them after cleanup_after seconds.
func (s *Server) handleLeak(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
		return
	}
	cleanupAfter, err := queryInt(r, "cleanup_after", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
		return
	}
	if count < 0 || cleanupAfter < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "count and cleanup_after must be non-negative"})
		return
	}

	created, err := s.svc.RequestLeak(count)
	if err != nil {
		if errors.Is(err, account.ErrResourceExhausted) {
			if s.activity != nil {
				s.activity.RecordRejection()
			}
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Detail: err.Error(),
				Type:   "resource_exhaustion",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}

	if s.activity != nil {
		s.activity.RecordLeak(count, created)
	}

	if cleanupAfter > 0 {
		s.svc.ScheduleCleanup(created, time.Duration(cleanupAfter)*time.Second)
	}

	writeJSON(w, http.StatusOK, leakResponse{
		Message:     fmt.Sprintf("Created %d leaked file descriptors", created),
		TotalLeaked: s.svc.Leaked(),
	})
}

// handleCleanup closes and clears the entire registry.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	closed := s.svc.RequestCleanup(-1)
	if s.activity != nil {
		s.activity.RecordCleanup(closed)
	}

	snap := s.svc.Snapshot()
	resp := cleanupResponse{
		Message:        fmt.Sprintf("Cleaned up %d leaked file descriptors", closed),
		CurrentFDCount: snap.Total,
	}
	if snap.LimitKnown {
		pct := snap.PctOfLimit
		resp.PctOfLimit = &pct
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleError fails on purpose so clients can exercise the boundary
// guard's generic-error path.
func (s *Server) handleError(http.ResponseWriter, *http.Request) {
	panic("deliberate failure: integer divide by zero")
}

// healthzResponse is the heartbeat body served at GET /healthz.
type healthzResponse struct {
	Status            string         `json:"status"`
	Service           string         `json:"service"`
	Version           string         `json:"version"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	ConnectionsTotal  int64          `json:"connections_total"`
	ConnectionsActive int64          `json:"connections_active"`
	FDCount           int            `json:"fd_count"`
	FDLimitSoft       *uint64        `json:"fd_limit_soft"`
	LeakedFilesCount  int            `json:"leaked_files_count"`
	SamplingDegraded  bool           `json:"sampling_degraded"`
	Activity          *activityBlock `json:"activity,omitempty"`
}

type activityBlock struct {
	Requests       int64 `json:"requests"`
	LeaksRequested int64 `json:"leaks_requested"`
	LeaksCreated   int64 `json:"leaks_created"`
	Rejections     int64 `json:"rejections"`
	CleanupsClosed int64 `json:"cleanups_closed"`
	PeakFDs        int64 `json:"peak_fds"`
}

// handleHealthz serves the liveness heartbeat.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()

	resp := healthzResponse{
		Status:            "ok",
		Service:           "fdleakd",
		Version:           version.Short(),
		UptimeSeconds:     int64(s.Uptime().Seconds()),
		ConnectionsTotal:  s.ConnectionsTotal(),
		ConnectionsActive: s.ConnectionsActive(),
		FDCount:           snap.Total,
		LeakedFilesCount:  snap.Leaked,
		SamplingDegraded:  snap.Degraded,
	}
	if snap.LimitKnown {
		soft := snap.SoftLimit
		resp.FDLimitSoft = &soft
	}
	if s.activity != nil {
		totals := s.activity.Snapshot()
		resp.Activity = &activityBlock{
			Requests:       totals.Requests,
			LeaksRequested: totals.LeaksRequested,
			LeaksCreated:   totals.LeaksCreated,
			Rejections:     totals.Rejections,
			CleanupsClosed: totals.CleanupsClosed,
			PeakFDs:        totals.PeakFDs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, raw)
	}
	return n, nil
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:gosec // best-effort response
}
