package sampler

import (
	"log/slog"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStrategy is a scripted chain entry for exercising fallback order.
type fakeStrategy struct {
	label string
	usage Usage
	ok    bool
	calls *int
}

func (f fakeStrategy) name() string { return f.label }

func (f fakeStrategy) trySample() (Usage, bool) {
	if f.calls != nil {
		*f.calls++
	}
	return f.usage, f.ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSample_FirstSuccessWins(t *testing.T) {
	var firstCalls, secondCalls int
	s := &Sampler{
		logger: testLogger(),
		strategies: []strategy{
			fakeStrategy{label: "first", usage: Usage{Total: 12, Files: 9, Conns: 3}, ok: true, calls: &firstCalls},
			fakeStrategy{label: "second", usage: Usage{Total: 99}, ok: true, calls: &secondCalls},
		},
	}

	u := s.Sample()

	assert.Equal(t, Usage{Total: 12, Files: 9, Conns: 3}, u)
	assert.Equal(t, 1, firstCalls)
	assert.Zero(t, secondCalls, "later strategies must not run after a success")
}

func TestSample_FallsThroughFailures(t *testing.T) {
	s := &Sampler{
		logger: testLogger(),
		strategies: []strategy{
			fakeStrategy{label: "broken"},
			fakeStrategy{label: "also-broken"},
			fakeStrategy{label: "works", usage: Usage{Total: 7, Files: 7}, ok: true},
		},
	}

	u := s.Sample()
	assert.Equal(t, 7, u.Total)
	assert.False(t, u.Degraded)
}

func TestSample_AllStrategiesFail(t *testing.T) {
	s := &Sampler{
		logger: testLogger(),
		strategies: []strategy{
			fakeStrategy{label: "broken"},
			fakeStrategy{label: "also-broken"},
		},
	}

	u := s.Sample()

	assert.Positive(t, u.Total, "degraded sampling must never report zero")
	assert.Equal(t, fallbackEstimate, u.Total)
	assert.True(t, u.Degraded)
}

func TestSample_EmptyChain(t *testing.T) {
	s := &Sampler{logger: testLogger()}

	u := s.Sample()
	assert.Equal(t, fallbackEstimate, u.Total)
	assert.True(t, u.Degraded)
}

func TestSample_RealPlatform(t *testing.T) {
	s := New(testLogger())

	u := s.Sample()

	assert.Positive(t, u.Total)
	assert.Equal(t, u.Total, u.Files+u.Conns, "split counts must sum to total")
}

func TestSample_SeesNewDescriptors(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a descriptor-table directory")
	}

	s := New(testLogger())
	before := s.Sample()

	// Hold some extra descriptors open and re-sample.
	const extra = 5
	files := make([]*os.File, 0, extra)
	for i := 0; i < extra; i++ {
		f, err := os.CreateTemp(t.TempDir(), "sampler-test-*")
		require.NoError(t, err)
		files = append(files, f)
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	after := s.Sample()
	assert.GreaterOrEqual(t, after.Total, before.Total+extra)
}

func TestProcClassify_Linux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only strategy")
	}

	u := New(testLogger()).Sample()

	// Stdin/stdout/stderr alone guarantee a few plain files.
	assert.GreaterOrEqual(t, u.Files, 1)
	assert.Equal(t, u.Total, u.Files+u.Conns)
}
