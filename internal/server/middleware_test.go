package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/fdleakd/internal/account"
	"github.com/ushineko/fdleakd/internal/leak"
	"github.com/ushineko/fdleakd/internal/sampler"
)

type staticSampler struct {
	usage sampler.Usage
}

func (s staticSampler) Sample() sampler.Usage { return s.usage }

func guardedServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := leak.New(logger)
	t.Cleanup(func() { reg.CleanupAll() })

	svc := account.New(account.Config{
		Limits:   account.LimitsFunc(func() (uint64, uint64, bool) { return 100, 200, true }),
		Sampler:  staticSampler{usage: sampler.Usage{Total: 10, Files: 10}},
		Registry: reg,
		Logger:   logger,
	})

	return New(&Config{
		Logger:  logger,
		Service: svc,
	})
}

func runGuarded(t *testing.T, s *Server, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	s.boundaryGuard(h).ServeHTTP(rec, req)
	return rec
}

func TestBoundaryGuard_RemapsDescriptorExhaustion(t *testing.T) {
	s := guardedServer(t)

	rec := runGuarded(t, s, func(http.ResponseWriter, *http.Request) {
		panic("open /tmp/x: too many open files")
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "file_descriptor_limit", body["type"])
}

func TestBoundaryGuard_GenericPanic(t *testing.T) {
	s := guardedServer(t)

	rec := runGuarded(t, s, func(http.ResponseWriter, *http.Request) {
		panic("something else entirely")
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["detail"])
	assert.NotContains(t, body, "type")
}

func TestBoundaryGuard_PanicWithError(t *testing.T) {
	s := guardedServer(t)

	// Panics that carry an error value (not a string) still match on
	// their message.
	rec := runGuarded(t, s, func(http.ResponseWriter, *http.Request) {
		panic(os.ErrDeadlineExceeded)
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIsFDExhaustion(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"accept tcp: too many open files", true},
		{"open: Too Many Open Files", true},
		{"file table overflow", true},
		{"connection refused", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isFDExhaustion(tt.msg), "msg=%q", tt.msg)
	}
}
