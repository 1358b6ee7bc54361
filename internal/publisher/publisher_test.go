package publisher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experimenter/internal/engine"
	"experimenter/internal/metrics"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	res   engine.SweepResult
	err   error
	ran   chan struct{}
}

func (f *fakeSweeper) Sweep(ctx context.Context) (engine.SweepResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return f.res, f.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeSweeper{}, "every now and then", nil, nil)
	require.Error(t, err)
	_, err = New(nil, "* * * * *", nil, nil)
	require.Error(t, err)
}

func TestRunOnceRecordsMetrics(t *testing.T) {
	m := metrics.New()
	s := &fakeSweeper{res: engine.SweepResult{Pushed: 2, Completed: 1}}
	p, err := New(s, "*/5 * * * * *", nil, m)
	require.NoError(t, err)

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total())

	s.err = errors.New("database is locked")
	_, err = p.RunOnce(context.Background())
	require.Error(t, err)

	assert.Equal(t, 2, s.calls)
	expected := `
# HELP experimenter_publisher_sweep_errors_total Publisher sweeps that failed.
# TYPE experimenter_publisher_sweep_errors_total counter
experimenter_publisher_sweep_errors_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "experimenter_publisher_sweep_errors_total"))
}

func TestStartRunsOnSchedule(t *testing.T) {
	s := &fakeSweeper{ran: make(chan struct{}, 1)}
	p, err := New(s, "* * * * * *", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	require.ErrorIs(t, p.Start(ctx), ErrRunning)

	select {
	case <-s.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run")
	}
	p.Stop()
	p.Stop()
}

func TestStopReleasesWatcherWithoutCancel(t *testing.T) {
	p, err := New(&fakeSweeper{}, "@every 1h", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Start(context.Background()))
		p.mu.Lock()
		watched := p.watched
		p.mu.Unlock()
		p.Stop()
		select {
		case <-watched:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: watcher still waiting on a context nobody cancels", i)
		}
	}
}

func TestCancelledRunDoesNotStopNextRun(t *testing.T) {
	p, err := New(&fakeSweeper{}, "@every 1h", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	p.mu.Lock()
	first := p.watched
	p.mu.Unlock()
	p.Stop()
	<-first

	require.NoError(t, p.Start(context.Background()))
	cancel()
	time.Sleep(50 * time.Millisecond)
	require.ErrorIs(t, p.Start(context.Background()), ErrRunning)
	p.Stop()
}
