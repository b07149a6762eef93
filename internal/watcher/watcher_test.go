// internal/watcher/watcher_test.go
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/config"
)

// The inotify tracker in hpcloud/tail is a package-global goroutine that
// never exits; everything else must shut down cleanly.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/hpcloud/tail/watch.(*InotifyTracker).run"),
		goleak.IgnoreAnyFunction("gopkg.in/fsnotify%2ev1.(*Watcher).readEvents"),
		goleak.IgnoreAnyFunction("github.com/hpcloud/tail.(*Tail).tailFileSync"),
	)
}

type testHarness struct {
	Watcher *Watcher
	LogFile string
	Reports chan schemas.ReportedError

	logMutex sync.Mutex
}

func setupWatcher(t *testing.T, cooldown time.Duration) *testHarness {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "app.log")

	f, err := os.Create(logFile)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reports := make(chan schemas.ReportedError, 10)
	w, err := New(zaptest.NewLogger(t), config.WatcherConfig{
		LogPath:  logFile,
		Cooldown: cooldown,
		Source:   "test-watcher",
	}, reports)
	require.NoError(t, err)

	return &testHarness{Watcher: w, LogFile: logFile, Reports: reports}
}

// startWatcher starts tailing and ties shutdown to test cleanup: cancel,
// then wait for the monitor goroutine so nothing logs after the test ends.
func startWatcher(t *testing.T, h *testHarness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Watcher.Start(ctx))
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.Watcher.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for watcher shutdown")
		}
	})
	time.Sleep(100 * time.Millisecond)
}

func (h *testHarness) writeToLog(t *testing.T, content string) {
	t.Helper()
	h.logMutex.Lock()
	defer h.logMutex.Unlock()

	f, err := os.OpenFile(h.LogFile, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
}

func receiveReport(t *testing.T, h *testHarness) schemas.ReportedError {
	t.Helper()
	select {
	case r := <-h.Reports:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error report")
		return schemas.ReportedError{}
	}
}

func TestNewRequiresLogPath(t *testing.T) {
	t.Parallel()
	_, err := New(zaptest.NewLogger(t), config.WatcherConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_path")
}

func TestWatcherStopsOnCancel(t *testing.T) {
	h := setupWatcher(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.Watcher.Start(ctx))
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case <-h.Watcher.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor goroutine did not exit after cancel")
	}
}

func TestWatcherReportsPythonTraceback(t *testing.T) {
	h := setupWatcher(t, 0)
	startWatcher(t, h)

	h.writeToLog(t, "Traceback (most recent call last):\n"+
		"  File \"app/main.py\", line 3, in <module>\n"+
		"    import requests\n"+
		"ModuleNotFoundError: No module named 'requests'\n")

	report := receiveReport(t, h)
	assert.Equal(t, "ModuleNotFoundError: No module named 'requests'", report.Message)
	assert.Contains(t, report.StackTrace, "File \"app/main.py\", line 3")
	assert.Equal(t, "test-watcher", report.Source)
	assert.NotEmpty(t, report.ID)
}

func TestWatcherReportsGoPanic(t *testing.T) {
	h := setupWatcher(t, 0)
	startWatcher(t, h)

	h.writeToLog(t, "panic: runtime error: index out of range [3] with length 2\n"+
		"\ngoroutine 1 [running]:\nmain.worker()\n\t/app/worker.go:15 +0x20\n")

	report := receiveReport(t, h)
	assert.Contains(t, report.Message, "panic: runtime error")
	assert.Contains(t, report.StackTrace, "worker.go:15")
}

func TestWatcherSeparatesBlocksOnNewEntry(t *testing.T) {
	h := setupWatcher(t, 0)
	startWatcher(t, h)

	h.writeToLog(t, "ERROR failed to bind port 8080\n")
	h.writeToLog(t, "INFO retrying in 5s\n")
	h.writeToLog(t, "ERROR failed to bind port 8080 again\n")

	first := receiveReport(t, h)
	second := receiveReport(t, h)
	assert.Contains(t, first.Message, "failed to bind port 8080")
	assert.NotContains(t, first.StackTrace, "again")
	assert.Contains(t, second.Message, "again")
}

func TestWatcherCooldownSuppressesStorm(t *testing.T) {
	h := setupWatcher(t, time.Hour)
	startWatcher(t, h)

	for i := 0; i < 3; i++ {
		h.writeToLog(t, "ERROR database connection refused\n")
		h.writeToLog(t, "INFO marker\n")
	}

	receiveReport(t, h)
	select {
	case r := <-h.Reports:
		t.Fatalf("expected cooldown to suppress reports, got %q", r.Message)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherIgnoresInfoLines(t *testing.T) {
	h := setupWatcher(t, 0)
	startWatcher(t, h)

	h.writeToLog(t, "INFO everything is fine\nDEBUG detail detail\n")

	select {
	case r := <-h.Reports:
		t.Fatalf("expected no report for info lines, got %q", r.Message)
	case <-time.After(400 * time.Millisecond):
	}
}
