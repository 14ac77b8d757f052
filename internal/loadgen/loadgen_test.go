package loadgen

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedServer answers /leak with a scripted status sequence and
// serves a fixed snapshot at /.
func scriptedServer(t *testing.T, statuses []int) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var leakCalls atomic.Int64
	var cleanups atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fd_count":42,"fd_limit_soft":100,"open_files":42,"open_connections":0,"pct_of_limit":0.42,"leaked_files_count":30}`))
	})
	mux.HandleFunc("POST /leak", func(w http.ResponseWriter, r *http.Request) {
		n := leakCalls.Add(1)
		idx := int(n) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		w.WriteHeader(statuses[idx])
	})
	mux.HandleFunc("POST /cleanup", func(w http.ResponseWriter, r *http.Request) {
		cleanups.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &cleanups
}

func TestRun_CountsOutcomes(t *testing.T) {
	srv, _ := scriptedServer(t, []int{
		http.StatusOK,
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
	})

	var out bytes.Buffer
	res, err := Run(context.Background(), Options{
		Target:            srv.URL,
		Batch:             2,
		MaxRequests:       4,
		GatewayErrorLimit: 10,
		Interval:          time.Millisecond,
		Logger:            testLogger(),
		Out:               &out,
	})

	require.NoError(t, err)
	assert.Equal(t, 4, res.Requests)
	assert.Equal(t, 2, res.OK)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.OtherErrors)
	assert.Zero(t, res.GatewayErrors)
	assert.Contains(t, out.String(), "initial descriptor usage")
	assert.Contains(t, out.String(), "FDs 42/100")
}

func TestRun_StopsAtGatewayErrorLimit(t *testing.T) {
	srv, _ := scriptedServer(t, []int{
		http.StatusOK,
		http.StatusBadGateway,
		http.StatusBadGateway,
		http.StatusBadGateway,
	})

	var out bytes.Buffer
	res, err := Run(context.Background(), Options{
		Target:            srv.URL,
		MaxRequests:       100,
		GatewayErrorLimit: 2,
		Interval:          time.Millisecond,
		Logger:            testLogger(),
		Out:               &out,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.GatewayErrors)
	assert.Equal(t, 3, res.Requests, "run stops once the limit is hit")
	assert.Contains(t, out.String(), "stopping")
}

func TestRun_FinalCleanup(t *testing.T) {
	srv, cleanups := scriptedServer(t, []int{http.StatusOK})

	var out bytes.Buffer
	_, err := Run(context.Background(), Options{
		Target:      srv.URL,
		MaxRequests: 2,
		Interval:    time.Millisecond,
		Cleanup:     true,
		Logger:      testLogger(),
		Out:         &out,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), cleanups.Load())
}

func TestRun_MissingTarget(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestRun_ContextCancellation(t *testing.T) {
	srv, _ := scriptedServer(t, []int{http.StatusOK})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Options{
		Target: srv.URL,
		Logger: testLogger(),
		Out:    &bytes.Buffer{},
	})
	assert.Error(t, err)
}

func TestRun_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, Options{
		Target: "http://127.0.0.1:1", // nothing listens here
		Logger: testLogger(),
		Out:    &bytes.Buffer{},
	})
	assert.Error(t, err)
}

func TestFormatStatus(t *testing.T) {
	soft := uint64(100)
	assert.Equal(t, "FDs 50/100 (50%), leaked 10",
		formatStatus(status{FDCount: 50, FDLimitSoft: &soft, LeakedFilesCount: 10}))
	assert.Equal(t, "FDs 50 (limit unknown), leaked 0",
		formatStatus(status{FDCount: 50}))
}
