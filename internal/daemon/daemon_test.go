package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

// fakeSyncer counts cycles and can hold them open.
type fakeSyncer struct {
	calls atomic.Int32
	// block, when set, holds every cycle until closed.
	block chan struct{}
}

func (f *fakeSyncer) RunWithRetry(ctx context.Context) syncer.CycleResult {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return syncer.CycleResult{Outcome: syncer.OutcomeSynced}
}

type fakeCompactor struct {
	cutoffs chan time.Time
}

func (f *fakeCompactor) Compact(_ context.Context, before time.Time) (int64, error) {
	select {
	case f.cutoffs <- before:
	default:
	}
	return 3, nil
}

type fakeSubscriber struct {
	changes chan schema.RemoteChange
}

func (f *fakeSubscriber) Subscribe(context.Context) (<-chan schema.RemoteChange, error) {
	return f.changes, nil
}

// startDaemon runs d until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.CompactInterval = 0
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		syncer  Syncer
		config  *Config
		wantErr bool
	}{
		{"valid", &fakeSyncer{}, nil, false},
		{"nil syncer", nil, nil, true},
		{"zero interval", &fakeSyncer{}, &Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.syncer, nil, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d == nil {
				t.Fatal("New() returned nil daemon")
			}
		})
	}
}

func TestRun_InitialCycle(t *testing.T) {
	s := &fakeSyncer{}
	d, err := New(s, nil, nil, testConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })
	if d.Runs() != 1 {
		t.Errorf("Runs() = %d, want 1", d.Runs())
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	s := &fakeSyncer{}
	d, err := New(s, nil, nil, testConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })

	if err := d.Run(context.Background()); err == nil {
		t.Error("second Run() should fail while the daemon is running")
	}
}

func TestNotify_CoalescesWhileRunning(t *testing.T) {
	s := &fakeSyncer{block: make(chan struct{})}
	d, err := New(s, nil, nil, testConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })

	for range 5 {
		d.Notify(TriggerForeground)
	}
	close(s.block)

	waitFor(t, "follow-up cycle", func() bool { return s.calls.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := s.calls.Load(); got != 2 {
		t.Errorf("cycles = %d, want 2 (five triggers coalesced into one follow-up)", got)
	}
}

func TestOffline_DefersAutomaticSync(t *testing.T) {
	s := &fakeSyncer{}
	cfg := testConfig(t)
	cfg.Interval = 10 * time.Millisecond
	cfg.StartOffline = true
	d, err := New(s, nil, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	// The start request is manual and runs even offline.
	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })

	d.Notify(TriggerForeground)
	time.Sleep(80 * time.Millisecond)
	if got := s.calls.Load(); got != 1 {
		t.Fatalf("cycles while offline = %d, want 1", got)
	}
	if d.Online() {
		t.Fatal("Online() = true, want false")
	}

	d.Notify(TriggerOnline)
	waitFor(t, "cycle after reconnect", func() bool { return s.calls.Load() >= 2 })
	if !d.Online() {
		t.Error("Online() = false after TriggerOnline")
	}

	// Interval cycles resume while online.
	waitFor(t, "interval cycle", func() bool { return s.calls.Load() >= 3 })

	d.Notify(TriggerOffline)
	if d.Online() {
		t.Error("Online() = true after TriggerOffline")
	}
}

func TestCompactLoop(t *testing.T) {
	s := &fakeSyncer{}
	c := &fakeCompactor{cutoffs: make(chan time.Time, 1)}
	cfg := testConfig(t)
	cfg.CompactInterval = 10 * time.Millisecond
	cfg.Retention = time.Hour
	d, err := New(s, c, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	select {
	case before := <-c.cutoffs:
		age := time.Since(before)
		if age < time.Hour || age > time.Hour+time.Minute {
			t.Errorf("compaction cutoff is %s old, want about 1h", age)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("compaction never ran")
	}
}

func TestSubscription_TriggersSync(t *testing.T) {
	s := &fakeSyncer{}
	sub := &fakeSubscriber{changes: make(chan schema.RemoteChange, 1)}
	d, err := New(s, nil, sub, testConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })

	sub.changes <- schema.RemoteChange{Entity: &schema.Entity{ID: "m1", Kind: schema.KindMember}, ServerTimestamp: 7}
	waitFor(t, "subscription cycle", func() bool { return s.calls.Load() == 2 })
}

func TestTriggerDir(t *testing.T) {
	s := &fakeSyncer{}
	cfg := testConfig(t)
	cfg.StartOffline = true
	cfg.TriggerDir = filepath.Join(t.TempDir(), "triggers")
	d, err := New(s, nil, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial cycle", func() bool { return s.calls.Load() == 1 })

	online := filepath.Join(cfg.TriggerDir, "online")
	if err := os.WriteFile(online, nil, 0o644); err != nil {
		t.Fatalf("failed to write trigger file: %v", err)
	}
	waitFor(t, "online trigger", func() bool { return d.Online() && s.calls.Load() == 2 })
	waitFor(t, "trigger file consumed", func() bool {
		_, err := os.Stat(online)
		return os.IsNotExist(err)
	})

	if err := os.WriteFile(filepath.Join(cfg.TriggerDir, "offline"), nil, 0o644); err != nil {
		t.Fatalf("failed to write trigger file: %v", err)
	}
	waitFor(t, "offline trigger", func() bool { return !d.Online() })
}
