package daemon

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/orchestrator"
	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/store"
)

type countingAdapter struct {
	mu        sync.Mutex
	downloads int
}

func (a *countingAdapter) ID() provider.ID              { return provider.ID("fake") }
func (a *countingAdapter) Init(context.Context) error   { return nil }
func (a *countingAdapter) SignIn(context.Context) error { return nil }
func (a *countingAdapter) SignOut(context.Context) error {
	return nil
}

func (a *countingAdapter) UploadPendingChange(ctx context.Context, item *queue.Item) (string, error) {
	return "ext", nil
}

func (a *countingAdapter) DownloadChanges(ctx context.Context) (provider.DownloadResult, error) {
	a.mu.Lock()
	a.downloads++
	a.mu.Unlock()
	return provider.DownloadResult{}, nil
}

func (a *countingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloads
}

type fakeSignal struct {
	mu        sync.Mutex
	ch        chan bus.Message
	published []bus.Message
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{ch: make(chan bus.Message, 10)}
}

func (f *fakeSignal) Publish(ctx context.Context, msg bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeSignal) Subscribe() <-chan bus.Message { return f.ch }
func (f *fakeSignal) Close() error                  { close(f.ch); return nil }

func setupDaemon(t *testing.T, cadence time.Duration) (*Daemon, *countingAdapter, *fakeSignal) {
	t.Helper()

	st := store.NewMemory([]string{"notes"})
	q := queue.NewMemory()
	adapter := &countingAdapter{}
	b := bus.New(log.New(io.Discard, "", 0))
	orch := orchestrator.New(st, q, adapter, b, log.New(io.Discard, "", 0))

	signal := newFakeSignal()
	d, err := New(orch, signal, &Config{
		Cadence:        cadence,
		QueueRetention: time.Hour,
		Logger:         log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, adapter, signal
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartRunsImmediateCycle(t *testing.T) {
	d, adapter, signal := setupDaemon(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return adapter.count() >= 1 })

	// The completed cycle announces itself to other consumers.
	waitFor(t, 5*time.Second, func() bool {
		signal.mu.Lock()
		defer signal.mu.Unlock()
		return len(signal.published) >= 1
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestCadenceRunsRepeatedCycles(t *testing.T) {
	d, adapter, _ := setupDaemon(t, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return adapter.count() >= 3 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestSignalRefreshesWithoutSyncing(t *testing.T) {
	d, adapter, signal := setupDaemon(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return adapter.count() == 1 })

	signal.ch <- bus.Message{Type: bus.SignalRecordsChanged, TS: 1}
	time.Sleep(100 * time.Millisecond)

	// A signal invalidates caches; it must not have started a cycle.
	if got := adapter.count(); got != 1 {
		t.Errorf("downloads = %d after signal, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestTriggerNowRunsCycle(t *testing.T) {
	d, adapter, _ := setupDaemon(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return adapter.count() >= 1 })
	before := adapter.count()

	d.TriggerNow()
	waitFor(t, 5*time.Second, func() bool { return adapter.count() > before })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}
