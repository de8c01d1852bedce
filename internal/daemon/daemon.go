package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// Syncer runs sync cycles. syncer.Coordinator implements it.
type Syncer interface {
	RunWithRetry(ctx context.Context) syncer.CycleResult
}

// Compactor trims settled journal rows. *store.Store implements it.
type Compactor interface {
	Compact(ctx context.Context, before time.Time) (int64, error)
}

// Subscriber streams realtime remote changes. remote.Store implements it.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan schema.RemoteChange, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to sync while online.
	Interval time.Duration

	// CompactInterval is how often to compact the journal. Zero disables
	// compaction.
	CompactInterval time.Duration

	// Retention is how long settled journal rows are kept.
	Retention time.Duration

	// TriggerDir is watched for trigger files. Empty disables the watcher.
	TriggerDir string

	// ResubscribeDelay is the wait before reopening a lost subscription.
	ResubscribeDelay time.Duration

	// StartOffline starts the daemon believing the device is offline.
	StartOffline bool

	// Logger for daemon activity
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		CompactInterval:  time.Hour,
		Retention:        7 * 24 * time.Hour,
		ResubscribeDelay: 30 * time.Second,
		Logger:           zap.NewNop(),
	}
}

// Daemon schedules sync cycles in the background.
//
// Triggers never queue: while a cycle runs, any number of triggers collapse
// into a single follow-up run.
type Daemon struct {
	syncer    Syncer
	compactor Compactor
	sub       Subscriber
	config    *Config
	logger    *zap.Logger

	// wake holds at most one pending run request.
	wake    chan Trigger
	online  atomic.Bool
	running atomic.Bool
	runs    atomic.Int64
}

// New creates a daemon. compactor and sub may be nil.
func New(s Syncer, compactor Compactor, sub Subscriber, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = DefaultConfig().ResubscribeDelay
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	d := &Daemon{
		syncer:    s,
		compactor: compactor,
		sub:       sub,
		config:    config,
		logger:    config.Logger,
		wake:      make(chan Trigger, 1),
	}
	d.online.Store(!config.StartOffline)
	return d, nil
}

// Notify delivers a trigger. It never blocks.
func (d *Daemon) Notify(t Trigger) {
	switch t {
	case TriggerOffline:
		if d.online.Swap(false) {
			d.logger.Info("connectivity lost, deferring sync")
		}
		return
	case TriggerOnline:
		if !d.online.Swap(true) {
			d.logger.Info("connectivity regained")
		}
	}

	select {
	case d.wake <- t:
	default:
		d.logger.Debug("sync already requested, coalescing", zap.Stringer("trigger", t))
	}
}

// Online reports the last known connectivity state.
func (d *Daemon) Online() bool {
	return d.online.Load()
}

// Runs returns how many cycles the daemon has started.
func (d *Daemon) Runs() int64 {
	return d.runs.Load()
}

// Run blocks until ctx is cancelled or an error occurs.
//
// An initial cycle is requested on start.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already running")
	}
	defer d.running.Store(false)

	var watcher *TriggerWatcher
	if d.config.TriggerDir != "" {
		var err error
		if watcher, err = NewTriggerWatcher(); err != nil {
			return err
		}
		if err := watcher.Start(d.config.TriggerDir); err != nil {
			_ = watcher.Stop()
			return err
		}
		defer watcher.Stop()
	}

	d.logger.Info("daemon started",
		zap.Duration("interval", d.config.Interval),
		zap.Bool("online", d.Online()),
		zap.String("trigger_dir", d.config.TriggerDir))
	d.Notify(TriggerManual)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runLoop(gctx) })
	g.Go(func() error { return d.tickLoop(gctx) })
	if d.compactor != nil && d.config.CompactInterval > 0 {
		g.Go(func() error { return d.compactLoop(gctx) })
	}
	if watcher != nil {
		g.Go(func() error { return d.watchLoop(gctx, watcher) })
	}
	if d.sub != nil {
		g.Go(func() error { return d.subscribeLoop(gctx) })
	}

	err := g.Wait()
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLoop is the only goroutine that runs cycles.
func (d *Daemon) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-d.wake:
			if !d.Online() && t != TriggerManual {
				d.logger.Debug("offline, skipping sync", zap.Stringer("trigger", t))
				continue
			}
			d.runs.Add(1)
			res := d.syncer.RunWithRetry(ctx)
			d.report(t, res)
		}
	}
}

func (d *Daemon) report(t Trigger, res syncer.CycleResult) {
	fields := []zap.Field{
		zap.Stringer("trigger", t),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
	}
	switch {
	case res.Err == nil:
		d.logger.Debug("background sync finished", fields...)
	case errors.Is(res.Err, syncerr.ErrSyncDisabled), errors.Is(res.Err, context.Canceled):
		d.logger.Debug("background sync not run", append(fields, zap.Error(res.Err))...)
	case syncerr.IsFatal(res.Err):
		d.logger.Error("background sync failed", append(fields, zap.Error(res.Err))...)
	default:
		d.logger.Warn("background sync failed", append(fields, zap.Error(res.Err), zap.Bool("degraded", res.Degraded))...)
	}
}

func (d *Daemon) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !d.Online() {
				continue
			}
			d.Notify(TriggerInterval)
		}
	}
}

func (d *Daemon) compactLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.compactor.Compact(ctx, time.Now().Add(-d.config.Retention))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Warn("journal compaction failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("journal compacted", zap.Int64("rows", n))
			}
		}
	}
}

func (d *Daemon) watchLoop(ctx context.Context, watcher *TriggerWatcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			d.logger.Debug("trigger file", zap.Stringer("trigger", t))
			d.Notify(t)
		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("trigger watcher error", zap.Error(err))
		}
	}
}

// subscribeLoop turns realtime remote changes into triggers. Subscriptions
// are best-effort: failures are logged and retried after a delay.
func (d *Daemon) subscribeLoop(ctx context.Context) error {
	for {
		changes, err := d.sub.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("remote subscription failed", zap.Error(err))
		} else if !d.relay(ctx, changes) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.config.ResubscribeDelay):
		}
	}
}

// relay notifies a trigger per change until the subscription closes
// (true) or ctx is done (false).
func (d *Daemon) relay(ctx context.Context, changes <-chan schema.RemoteChange) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-changes:
			if !ok {
				d.logger.Warn("remote subscription closed")
				return true
			}
			d.Notify(TriggerSubscription)
		}
	}
}
