package history_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/fdleakd/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCollector_Counters(t *testing.T) {
	c := history.NewCollector()

	c.RecordRequest()
	c.RecordRequest()
	c.RecordLeak(10, 7)
	c.RecordRejection()
	c.RecordCleanup(5)

	totals := c.Snapshot()
	assert.Equal(t, int64(2), totals.Requests)
	assert.Equal(t, int64(10), totals.LeaksRequested)
	assert.Equal(t, int64(7), totals.LeaksCreated)
	assert.Equal(t, int64(1), totals.Rejections)
	assert.Equal(t, int64(5), totals.CleanupsClosed)
}

func TestCollector_PeakFDs(t *testing.T) {
	c := history.NewCollector()

	c.ObserveFDs(10)
	c.ObserveFDs(50)
	c.ObserveFDs(30) // lower observation must not move the peak

	assert.Equal(t, int64(50), c.Snapshot().PeakFDs)
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := history.NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordRequest()
				c.ObserveFDs(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	totals := c.Snapshot()
	assert.Equal(t, int64(1000), totals.Requests)
	assert.Equal(t, int64(999), totals.PeakFDs)
}

func TestDB_FlushAndReadBack(t *testing.T) {
	c := history.NewCollector()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(dbPath, c, testLogger(), time.Hour)
	require.NoError(t, err)

	db.SetSampleSource(func() history.Sample {
		return history.Sample{
			Total:      42,
			Files:      40,
			Conns:      2,
			Leaked:     12,
			SoftLimit:  100,
			LimitKnown: true,
		}
	})

	c.RecordRequest()
	c.RecordLeak(12, 12)

	require.NoError(t, db.Flush())

	samples := db.RecentSamples(10)
	require.Len(t, samples, 1)
	assert.Equal(t, 42, samples[0].Total)
	assert.Equal(t, 12, samples[0].Leaked)
	assert.Equal(t, int64(100), samples[0].SoftLimit)
	assert.False(t, samples[0].Degraded)
	assert.WithinDuration(t, time.Now(), samples[0].SampledAt, time.Minute)

	require.NoError(t, db.Close())
}

func TestDB_UnknownLimitStoredAsNull(t *testing.T) {
	c := history.NewCollector()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(dbPath, c, testLogger(), time.Hour)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // test cleanup

	db.SetSampleSource(func() history.Sample {
		return history.Sample{Total: 50, Files: 50, Degraded: true}
	})

	require.NoError(t, db.Flush())

	samples := db.RecentSamples(1)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(-1), samples[0].SoftLimit)
	assert.True(t, samples[0].Degraded)
}

func TestDB_FlushWithoutSampleSource(t *testing.T) {
	c := history.NewCollector()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(dbPath, c, testLogger(), time.Hour)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // test cleanup

	c.RecordRequest()

	// Counter-only flush must not fail when no sample source is wired.
	require.NoError(t, db.Flush())
	assert.Empty(t, db.RecentSamples(10))
}

func TestDB_RepeatedFlushWritesDeltasOnce(t *testing.T) {
	c := history.NewCollector()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(dbPath, c, testLogger(), time.Hour)
	require.NoError(t, err)

	c.RecordLeak(5, 5)
	require.NoError(t, db.Flush())

	// Nothing new happened; the second flush must not duplicate the
	// activity rows. Close (which flushes again) must also be safe.
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// Reopen and confirm a single 5-leak delta was persisted in total.
	db2, err := history.Open(dbPath, history.NewCollector(), testLogger(), time.Hour)
	require.NoError(t, err)
	defer db2.Close() //nolint:errcheck // test cleanup

	totals := db2.ActivityTotals()
	assert.Equal(t, int64(5), totals.LeaksRequested)
	assert.Equal(t, int64(5), totals.LeaksCreated)
}

func TestDB_StartAndClose(t *testing.T) {
	c := history.NewCollector()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(dbPath, c, testLogger(), 10*time.Millisecond)
	require.NoError(t, err)

	db.SetSampleSource(func() history.Sample {
		return history.Sample{Total: 1, Files: 1}
	})

	db.Start()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, db.Close())

	db2, err := history.Open(dbPath, c, testLogger(), time.Hour)
	require.NoError(t, err)
	defer db2.Close() //nolint:errcheck // test cleanup
	assert.NotEmpty(t, db2.RecentSamples(10), "flush loop should have recorded samples")
}
