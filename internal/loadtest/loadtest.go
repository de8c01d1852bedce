// Package loadtest simulates a fleet of devices syncing through one shared
// in-memory remote store.
//
// Every device has its own Local Store on disk and its own coordinator. The
// devices write concurrently (new ledger lines plus edits to one contested
// attendance record), sync periodically while writing, and are then synced
// round-robin until the fleet settles. The run reports cycle latencies and
// whether every device ended up with the same records.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MinhajShafin/MessKhata/internal/remote/memremote"
	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

// SharedAttendanceID is the attendance record every device edits.
const SharedAttendanceID = "loadtest-attendance"

// Device is one simulated phone.
type Device struct {
	ID          string
	Store       *store.Store
	Coordinator syncer.Coordinator
}

// Fleet is a set of devices sharing one cloud.
type Fleet struct {
	Cloud   *memremote.Cloud
	Devices []*Device
	Members []string
	logger  *zap.Logger
}

// LatencyStats captures cycle latencies from a run.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalCycles int
	Errors      int
	Durations   []time.Duration
}

// Workload describes what each device does during Run.
type Workload struct {
	// WritesPerDevice is the number of local writes each device makes.
	WritesPerDevice int
	// SyncEvery runs a sync cycle after this many writes (0 = only at the end).
	SyncEvery int
	// AttendanceRatio is the share of writes that edit the shared attendance
	// record instead of adding a ledger line.
	AttendanceRatio float64
	// MaxRounds bounds the settle phase (0 = 10).
	MaxRounds int
	// Seed makes the workload reproducible.
	Seed int64
}

// Report summarises a Run.
type Report struct {
	Stats       *LatencyStats
	Writes      int
	LedgerLines int
	// Expected is the sum of every ledger amount written by any device.
	Expected decimal.Decimal
	// Billed is the ledger total device 0 holds after settling.
	Billed    decimal.Decimal
	Rounds    int
	Conflicts int
	Converged bool
	// Divergent lists record ids whose content differs between devices.
	Divergent []string
	Duration  time.Duration
}

// NewFleet creates numDevices devices with stores under dir. Device 0 seeds
// one member per device plus the shared attendance record, and every device
// pulls the seed before NewFleet returns.
func NewFleet(ctx context.Context, dir string, numDevices int, logger *zap.Logger) (*Fleet, error) {
	if numDevices < 1 {
		return nil, fmt.Errorf("need at least one device (got %d)", numDevices)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fleet{Cloud: memremote.NewCloud(), logger: logger}
	for i := 0; i < numDevices; i++ {
		id := fmt.Sprintf("device-%d", i)
		st, err := store.Open(filepath.Join(dir, id+".db"), store.Options{
			DeviceID: id,
			// Contested edits are retried until they land.
			MaxAttempts: 1000,
			Logger:      logger.Named(id),
		})
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open store for %s: %w", id, err)
		}
		if err := st.InitSchema(ctx); err != nil {
			_ = st.Close()
			_ = f.Close()
			return nil, fmt.Errorf("failed to initialize store for %s: %w", id, err)
		}
		coord := syncer.New(st, f.Cloud.Device(id), syncer.Options{
			DeviceID: id,
			Logger:   logger.Named(id),
		})
		f.Devices = append(f.Devices, &Device{ID: id, Store: st, Coordinator: coord})
	}

	seed := f.Devices[0]
	for i := range f.Devices {
		m := &schema.Entity{
			ID:     fmt.Sprintf("member-%d", i),
			Kind:   schema.KindMember,
			Fields: map[string]any{schema.FieldName: fmt.Sprintf("Member %d", i)},
		}
		if _, err := seed.Store.Upsert(ctx, m); err != nil {
			_ = f.Close()
			return nil, err
		}
		f.Members = append(f.Members, m.ID)
	}
	att := &schema.Entity{
		ID:   SharedAttendanceID,
		Kind: schema.KindAttendance,
		Fields: map[string]any{
			schema.FieldMemberID: f.Members[0],
			schema.FieldDate:     "2024-03-01",
			schema.FieldMeals:    0.0,
		},
	}
	if _, err := seed.Store.Upsert(ctx, att); err != nil {
		_ = f.Close()
		return nil, err
	}

	for _, d := range f.Devices {
		if res := d.Coordinator.RunSyncCycle(ctx); res.Outcome != syncer.OutcomeSynced {
			_ = f.Close()
			return nil, fmt.Errorf("initial sync of %s failed: %v", d.ID, res.Err)
		}
	}
	return f, nil
}

// Close closes every device store.
func (f *Fleet) Close() error {
	var first error
	for _, d := range f.Devices {
		if err := d.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run executes the workload on every device concurrently, then settles the
// fleet and checks convergence.
func (f *Fleet) Run(ctx context.Context, w Workload) (*Report, error) {
	if w.MaxRounds <= 0 {
		w.MaxRounds = 10
	}
	start := time.Now()

	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
		conflicts int
		lines     int
		expected  = decimal.Zero
	)
	record := func(res syncer.CycleResult) {
		mu.Lock()
		defer mu.Unlock()
		durations = append(durations, res.Duration())
		conflicts += len(res.Conflicts)
		if res.Outcome == syncer.OutcomeFailed {
			errCount++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range f.Devices {
		rng := rand.New(rand.NewSource(w.Seed + int64(i)))
		g.Go(func() error {
			for n := 1; n <= w.WritesPerDevice; n++ {
				if rng.Float64() < w.AttendanceRatio {
					if err := f.editAttendance(gctx, d, rng); err != nil {
						return err
					}
				} else {
					amount, err := f.addLedgerLine(gctx, d, rng)
					if err != nil {
						return err
					}
					mu.Lock()
					lines++
					expected = expected.Add(amount)
					mu.Unlock()
				}
				if w.SyncEvery > 0 && n%w.SyncEvery == 0 {
					record(d.Coordinator.RunSyncCycle(gctx))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rounds, err := f.settle(ctx, w.MaxRounds, record)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Stats:       computeLatencyStats(durations),
		Writes:      w.WritesPerDevice * len(f.Devices),
		LedgerLines: lines,
		Expected:    expected,
		Rounds:      rounds,
		Conflicts:   conflicts,
	}
	rep.Stats.Errors = errCount

	if rep.Billed, err = ledgerTotal(ctx, f.Devices[0].Store); err != nil {
		return nil, err
	}
	if rep.Divergent, err = f.Divergent(ctx); err != nil {
		return nil, err
	}
	rep.Converged = len(rep.Divergent) == 0 && rep.Billed.Equal(rep.Expected)
	rep.Duration = time.Since(start)

	f.logger.Info("load test finished",
		zap.Int("devices", len(f.Devices)),
		zap.Int("writes", rep.Writes),
		zap.Int("rounds", rep.Rounds),
		zap.Bool("converged", rep.Converged),
		zap.Duration("p95", rep.Stats.P95))
	return rep, nil
}

func (f *Fleet) editAttendance(ctx context.Context, d *Device, rng *rand.Rand) error {
	cur, err := d.Store.Get(ctx, SharedAttendanceID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%s has no shared attendance record", d.ID)
	}
	next := cur.Clone()
	next.Fields[schema.FieldMeals] = float64(rng.Intn(4))
	_, err = d.Store.Upsert(ctx, next)
	return err
}

func (f *Fleet) addLedgerLine(ctx context.Context, d *Device, rng *rand.Rand) (decimal.Decimal, error) {
	amount := decimal.New(int64(rng.Intn(20000)-5000), -2)
	line := schema.NewEntity(schema.KindLedger, map[string]any{
		schema.FieldMemberID: f.Members[rng.Intn(len(f.Members))],
		schema.FieldAmount:   amount.String(),
		schema.FieldCategory: "bazar",
	})
	if _, err := d.Store.Upsert(ctx, line); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// settle syncs every device in turn until a full round fetches and pushes
// nothing, returning the number of rounds run.
func (f *Fleet) settle(ctx context.Context, maxRounds int, record func(syncer.CycleResult)) (int, error) {
	for round := 1; round <= maxRounds; round++ {
		quiet := true
		for _, d := range f.Devices {
			res := d.Coordinator.RunSyncCycle(ctx)
			record(res)
			if res.Outcome == syncer.OutcomeFailed {
				return round, fmt.Errorf("sync of %s failed: %w", d.ID, res.Err)
			}
			if res.Applied > 0 || res.Pushed > 0 {
				quiet = false
			}
		}
		if quiet {
			return round, nil
		}
	}
	return maxRounds, fmt.Errorf("fleet did not settle after %d rounds", maxRounds)
}

// Divergent returns the ids of records whose content differs between device
// 0 and any other device, sorted.
func (f *Fleet) Divergent(ctx context.Context) ([]string, error) {
	ref, err := snapshotOf(ctx, f.Devices[0].Store)
	if err != nil {
		return nil, err
	}
	bad := make(map[string]bool)
	for _, d := range f.Devices[1:] {
		got, err := snapshotOf(ctx, d.Store)
		if err != nil {
			return nil, err
		}
		for id, e := range ref {
			if !schema.SameContent(e, got[id]) {
				bad[id] = true
			}
		}
		for id := range got {
			if _, ok := ref[id]; !ok {
				bad[id] = true
			}
		}
	}
	ids := make([]string, 0, len(bad))
	for id := range bad {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func snapshotOf(ctx context.Context, st *store.Store) (map[string]*schema.Entity, error) {
	entities, err := st.List(ctx, store.ListOptions{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*schema.Entity, len(entities))
	for _, e := range entities {
		out[e.ID] = e
	}
	return out, nil
}

func ledgerTotal(ctx context.Context, st *store.Store) (decimal.Decimal, error) {
	lines, err := st.List(ctx, store.ListOptions{Kind: schema.KindLedger})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, l := range lines {
		if amount, ok := schema.Amount(l.Fields[schema.FieldAmount]); ok {
			total = total.Add(amount)
		}
	}
	return total, nil
}

// computeLatencyStats calculates percentiles from a list of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalCycles: len(durations),
		Durations:   sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Cycle Latency:\n")
	fmt.Fprintf(w, "  Total Cycles:  %d\n", s.TotalCycles)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
