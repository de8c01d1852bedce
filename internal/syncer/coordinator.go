package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/remote"
	"github.com/MinhajShafin/MessKhata/internal/resolve"
	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// Defaults applied by New to zero Options fields.
const (
	DefaultBatchSize       = 100
	DefaultInFlightTimeout = 2 * time.Minute
	DefaultBackoffInitial  = time.Second
	DefaultBackoffMax      = 5 * time.Minute
	DefaultMaxRetries      = 5
)

// Options configures a Coordinator.
type Options struct {
	// DeviceID identifies this device in logs.
	DeviceID string
	// BatchSize caps the journal rows drained per cycle.
	BatchSize int
	// InFlightTimeout is how long a row may stay in flight before a new
	// cycle returns it to pending.
	InFlightTimeout time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	// MaxRetries is the number of retries RunWithRetry makes after the
	// first failed cycle. Negative disables retrying.
	MaxRetries int
	Logger     *zap.Logger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.InFlightTimeout <= 0 {
		o.InFlightTimeout = DefaultInFlightTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type coordinator struct {
	local  LocalStore
	remote remote.Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// slot is the single-slot cycle lock.
	slot chan struct{}

	mu        sync.Mutex
	state     State
	enabled   bool
	degraded  bool
	last      *CycleResult
	lastSync  time.Time
	observers []func(CycleResult)
}

// New creates a Coordinator syncing local with rs. Sync starts enabled.
func New(local LocalStore, rs remote.Store, opts Options) Coordinator {
	opts = opts.withDefaults()
	return &coordinator{
		local:   local,
		remote:  rs,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("device", opts.DeviceID)),
		now:     opts.Now,
		slot:    make(chan struct{}, 1),
		state:   StateIdle,
		enabled: true,
	}
}

func (c *coordinator) OnCycle(fn func(CycleResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled != enabled {
		c.logger.Info("sync switched", zap.Bool("enabled", enabled))
	}
	c.enabled = enabled
}

func (c *coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		State:    c.state,
		Enabled:  c.enabled,
		Degraded: c.degraded,
		LastSync: c.lastSync,
	}
	if c.last != nil {
		last := *c.last
		st.LastResult = &last
		if last.Err != nil {
			st.LastError = last.Err.Error()
		}
	}
	c.mu.Unlock()

	journal, err := c.local.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Journal = journal
	cursor, err := c.local.Cursor(ctx)
	if err != nil {
		return st, err
	}
	st.Cursor = cursor
	return st, nil
}

func (c *coordinator) Recover(ctx context.Context) (int64, error) {
	n, err := c.local.RevertInFlight(ctx, c.now().AddDate(100, 0, 0))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("recovered in-flight changes", zap.Int64("rows", n))
	}
	return n, nil
}

func (c *coordinator) RunSyncCycle(ctx context.Context) CycleResult {
	res := CycleResult{ID: uuid.NewString(), StartedAt: c.now()}

	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		res.Outcome = OutcomeSkipped
		res.Err = syncerr.ErrSyncDisabled
		res.FinishedAt = c.now()
		return res
	}

	select {
	case c.slot <- struct{}{}:
	default:
		res.Outcome = OutcomeCoalesced
		res.Err = syncerr.ErrCycleInProgress
		res.FinishedAt = c.now()
		return res
	}

	res = c.cycle(ctx, res)
	c.publish(res)
	return res
}

// cycle runs one cycle while holding the slot.
func (c *coordinator) cycle(ctx context.Context, res CycleResult) CycleResult {
	defer func() { <-c.slot }()

	logger := c.logger.With(zap.String("cycle", res.ID))
	logger.Debug("sync cycle started")

	c.setState(StateFetchingRemote)
	if n, err := c.local.RevertInFlight(ctx, c.now().Add(-c.opts.InFlightTimeout)); err != nil {
		return c.fail(logger, res, err)
	} else if n > 0 {
		logger.Warn("reverted stale in-flight changes", zap.Int64("rows", n))
	}

	cursor, err := c.local.Cursor(ctx)
	if err != nil {
		return c.fail(logger, res, err)
	}
	changes, err := c.remote.FetchSince(ctx, cursor)
	if err != nil {
		return c.fail(logger, res, err)
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].ServerTimestamp < changes[j].ServerTimestamp
	})
	res.Fetched = len(changes)

	c.setState(StateMergingConflicts)
	lastTs := cursor.LastRemoteTimestamp
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return c.fail(logger, res, err)
		}
		if err := c.applyRemote(ctx, logger, change, &res); err != nil {
			return c.fail(logger, res, err)
		}
		lastTs = max(lastTs, change.ServerTimestamp)
	}

	c.setState(StatePushingLocal)
	ackedSeq, err := c.pushLocal(ctx, logger, &res)
	if err != nil {
		return c.fail(logger, res, err)
	}

	c.setState(StateCommitting)
	next := schema.SyncCursor{
		LastRemoteTimestamp: lastTs,
		LastLocalSequence:   max(cursor.LastLocalSequence, ackedSeq),
		UpdatedAt:           c.now(),
	}
	if err := c.local.SaveCursor(ctx, next); err != nil {
		return c.fail(logger, res, err)
	}

	res.Cursor = next
	res.Outcome = OutcomeSynced
	res.FinishedAt = c.now()

	c.mu.Lock()
	c.state = StateIdle
	c.degraded = false
	c.lastSync = res.FinishedAt
	c.mu.Unlock()

	logger.Info("sync cycle complete",
		zap.Int("fetched", res.Fetched),
		zap.Int("applied", res.Applied),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("pushed", res.Pushed),
		zap.Int("acked", res.Acked),
		zap.Int("rejected", res.Rejected),
		zap.Duration("took", res.Duration()))
	return res
}

func (c *coordinator) fail(logger *zap.Logger, res CycleResult, err error) CycleResult {
	res.Outcome = OutcomeFailed
	res.Err = err
	res.Retryable = syncerr.IsRetryable(err)
	res.FinishedAt = c.now()

	c.mu.Lock()
	c.state = StateFailed
	res.Degraded = c.degraded
	c.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("sync cycle cancelled", zap.Error(err))
	case syncerr.IsFatal(err):
		logger.Error("sync cycle failed", zap.Error(err))
	default:
		logger.Warn("sync cycle failed", zap.Error(err), zap.Bool("retryable", res.Retryable))
	}
	return res
}

func (c *coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// publish records the result and calls the observers outside the slot.
func (c *coordinator) publish(res CycleResult) {
	c.mu.Lock()
	last := res
	c.last = &last
	if res.Outcome == OutcomeFailed {
		c.state = StateIdle
	}
	observers := append([]func(CycleResult){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(res)
	}
}

// applyRemote applies one fetched change.
func (c *coordinator) applyRemote(ctx context.Context, logger *zap.Logger, change schema.RemoteChange, res *CycleResult) error {
	incoming := change.Entity
	if incoming == nil {
		res.Invalid++
		logger.Warn("skipping empty remote change", zap.Int64("server_ts", change.ServerTimestamp))
		return nil
	}
	if err := incoming.Validate(); err != nil {
		res.Invalid++
		logger.Warn("skipping invalid remote change",
			zap.String("entity_id", incoming.ID),
			zap.Int64("server_ts", change.ServerTimestamp),
			zap.Error(err))
		return nil
	}

	return c.local.WithEntityLock(incoming.ID, func() error {
		_, known, err := c.local.Base(ctx, incoming.ID)
		if err != nil {
			return err
		}
		if incoming.Revision <= known {
			res.Skipped++
			return nil
		}

		outstanding, err := c.local.Outstanding(ctx, incoming.ID)
		if err != nil {
			return err
		}
		if seq, ok := c.ownPush(incoming, outstanding); ok {
			n, err := c.local.AckThrough(ctx, incoming, seq)
			if err != nil {
				return err
			}
			res.Acked++
			logger.Info("remote holds an unacknowledged push",
				zap.String("entity_id", incoming.ID),
				zap.Int64("revision", incoming.Revision),
				zap.Int64("rows", n))
			return nil
		}
		if len(outstanding) == 0 {
			if err := c.local.ApplyMerged(ctx, incoming, incoming); err != nil {
				return err
			}
			res.Applied++
			res.Merged = append(res.Merged, merged(incoming, incoming, schema.RuleNone))
			return nil
		}
		return c.merge(ctx, logger, incoming, outstanding, false, res)
	})
}

// ownPush reports whether incoming is a push of this device that is still
// outstanding locally, i.e. the remote accepted it but the answer was lost.
// It returns the sequence of the newest outstanding row carrying that
// content.
func (c *coordinator) ownPush(incoming *schema.Entity, outstanding []*schema.ChangeRecord) (int64, bool) {
	if incoming.UpdatedBy == "" || incoming.UpdatedBy != c.local.DeviceID() {
		return 0, false
	}
	for i := len(outstanding) - 1; i >= 0; i-- {
		if schema.SameContent(outstanding[i].Payload, incoming) {
			return outstanding[i].Seq, true
		}
	}
	return 0, false
}

// merge resolves the local version of an entity against a newer remote
// version, stores the result and rebases or retires the outstanding local
// changes. The caller holds the entity lock.
func (c *coordinator) merge(ctx context.Context, logger *zap.Logger, incoming *schema.Entity, outstanding []*schema.ChangeRecord, rejected bool, res *CycleResult) error {
	current, err := c.local.Get(ctx, incoming.ID)
	if err != nil {
		return err
	}
	base, baseRev, err := c.local.Base(ctx, incoming.ID)
	if err != nil {
		return err
	}
	var dirty []string
	for _, rec := range outstanding {
		dirty = schema.UnionFields(dirty, rec.DirtyFields)
	}

	out := resolve.Resolve(resolve.Local{
		Entity:       current,
		Base:         base,
		BaseRevision: baseRev,
		DirtyFields:  dirty,
	}, incoming)
	if out.Defect != nil {
		logger.Error("conflict resolution defect",
			zap.Error(out.Defect),
			zap.Stringer("local", current),
			zap.Stringer("remote", incoming))
	}

	if err := c.local.ApplyMerged(ctx, out.Merged, incoming); err != nil {
		return err
	}
	if out.Conflict != nil {
		if _, err := c.local.RecordConflict(ctx, out.Conflict); err != nil {
			return err
		}
		res.Conflicts = append(res.Conflicts, out.Conflict)
		logger.Info("conflict resolved",
			zap.String("entity_id", incoming.ID),
			zap.String("rule", string(out.Rule)),
			zap.Strings("fields", out.Conflict.Fields))
	}

	if out.KeepLocal {
		dead, err := c.local.Requeue(ctx, store.Rebase{
			EntityID:     incoming.ID,
			Payload:      out.Merged,
			BaseRevision: incoming.Revision,
			DirtyFields:  out.DirtyFields,
			Reason:       fmt.Sprintf("merged with remote revision %d", incoming.Revision),
			Rejected:     rejected,
		})
		if err != nil {
			return err
		}
		if dead {
			res.DeadLettered++
		}
	} else {
		reason := fmt.Sprintf("superseded by remote revision %d", incoming.Revision)
		if _, err := c.local.MarkConflicted(ctx, incoming.ID, reason); err != nil {
			return err
		}
	}

	res.Applied++
	res.Merged = append(res.Merged, merged(out.Merged, incoming, out.Rule))
	return nil
}

func merged(e, incoming *schema.Entity, rule schema.Rule) MergedEntity {
	return MergedEntity{
		Entity:         e.Clone(),
		Origin:         schema.OriginRemote,
		RemoteRevision: incoming.Revision,
		UpdatedBy:      incoming.UpdatedBy,
		Rule:           rule,
	}
}

// pushItem is the collapsed push of one entity.
type pushItem struct {
	rec     *schema.ChangeRecord
	lastSeq int64
}

// pushLocal drains, pushes and settles one batch of local changes. It
// returns the highest journal sequence acknowledged by the remote.
func (c *coordinator) pushLocal(ctx context.Context, logger *zap.Logger, res *CycleResult) (int64, error) {
	pending, err := c.local.DrainPending(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	items, err := c.collapse(ctx, pending)
	if err != nil {
		return 0, err
	}

	// In-flight rows go back to pending on every failure path, even when
	// ctx is already cancelled.
	release := func(items []pushItem) {
		rctx := context.WithoutCancel(ctx)
		for _, it := range items {
			if _, err := c.local.RevertEntityInFlight(rctx, it.rec.EntityID); err != nil {
				logger.Error("failed to revert in-flight change",
					zap.String("entity_id", it.rec.EntityID), zap.Error(err))
			}
		}
	}

	batch := make([]*schema.ChangeRecord, 0, len(items))
	for i, it := range items {
		if _, err := c.local.MarkInFlight(ctx, it.rec.EntityID, it.lastSeq); err != nil {
			release(items[:i])
			return 0, err
		}
		batch = append(batch, it.rec)
	}
	res.Pushed = len(batch)

	// On error the remote may still answer the records it applied before
	// failing; those are settled and only the rest is released.
	results, pushErr := c.remote.Push(ctx, batch)
	if len(results) > len(batch) {
		pushErr = syncerr.Network("push", fmt.Errorf("remote answered %d records for a batch of %d", len(results), len(batch)))
		results = nil
	} else if pushErr == nil && len(results) != len(batch) {
		pushErr = syncerr.Network("push", fmt.Errorf("remote answered %d of %d records", len(results), len(batch)))
	}

	var ackedSeq int64
	for i, r := range results {
		acked, err := c.settle(ctx, logger, items[i], r, res)
		if err != nil {
			release(items[i:])
			return ackedSeq, err
		}
		if acked {
			ackedSeq = max(ackedSeq, items[i].lastSeq)
		}
	}
	if pushErr != nil {
		release(items[len(results):])
		return ackedSeq, pushErr
	}
	return ackedSeq, nil
}

// collapse folds the drained rows of each entity into one record carrying
// the latest snapshot, the union of dirty fields and the entity's current
// remote revision as base.
func (c *coordinator) collapse(ctx context.Context, pending []*schema.ChangeRecord) ([]pushItem, error) {
	var order []string
	byID := make(map[string]*pushItem)
	for _, rec := range pending {
		it, ok := byID[rec.EntityID]
		if !ok {
			it = &pushItem{rec: &schema.ChangeRecord{
				EntityID:  rec.EntityID,
				Origin:    schema.OriginLocal,
				SyncState: schema.StateInFlight,
			}}
			byID[rec.EntityID] = it
			order = append(order, rec.EntityID)
		}
		it.rec.Kind = rec.Kind
		it.rec.Payload = rec.Payload
		it.rec.DirtyFields = schema.UnionFields(it.rec.DirtyFields, rec.DirtyFields)
		it.rec.Attempts = max(it.rec.Attempts, rec.Attempts)
		it.rec.CreatedAt = rec.CreatedAt
		it.rec.Seq = rec.Seq
		it.lastSeq = rec.Seq
	}

	items := make([]pushItem, 0, len(order))
	for _, id := range order {
		it := byID[id]
		_, baseRev, err := c.local.Base(ctx, id)
		if err != nil {
			return nil, err
		}
		it.rec.BaseRevision = baseRev
		items = append(items, *it)
	}
	return items, nil
}

// settle applies the remote's answer for one pushed entity.
func (c *coordinator) settle(ctx context.Context, logger *zap.Logger, it pushItem, r remote.PushResult, res *CycleResult) (bool, error) {
	id := it.rec.EntityID
	if r.Accepted() {
		if _, err := c.local.MarkAcked(ctx, id, r.AcceptedRevision); err != nil {
			return false, err
		}
		res.Acked++
		if r.Duplicate {
			logger.Debug("push already accepted", zap.String("entity_id", id),
				zap.Int64("revision", r.AcceptedRevision))
		}
		return true, nil
	}

	res.Rejected++
	if r.Rejected.Reason != remote.RejectStale {
		logger.Warn("push rejected",
			zap.String("entity_id", id),
			zap.String("reason", string(r.Rejected.Reason)),
			zap.String("message", r.Rejected.Message))
		_, err := c.local.MarkConflicted(ctx, id, r.Rejected.Error())
		return false, err
	}

	logger.Debug("push stale, merging with remote", zap.String("entity_id", id))
	return false, c.local.WithEntityLock(id, func() error {
		current := r.Rejected.Current
		if current == nil {
			return c.restart(ctx, id, r.Rejected.Error(), res)
		}
		outstanding, err := c.local.Outstanding(ctx, id)
		if err != nil {
			return err
		}
		return c.merge(ctx, logger, current, outstanding, true, res)
	})
}

// restart requeues the latest local version of an entity the remote no
// longer holds, as a fresh create.
func (c *coordinator) restart(ctx context.Context, id, reason string, res *CycleResult) error {
	latest, err := c.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if latest == nil {
		_, err := c.local.MarkConflicted(ctx, id, reason)
		return err
	}
	dead, err := c.local.Requeue(ctx, store.Rebase{
		EntityID:    id,
		Payload:     latest,
		DirtyFields: schema.ChangedFields(nil, latest.Fields),
		Reason:      reason,
		Rejected:    true,
	})
	if err != nil {
		return err
	}
	if dead {
		res.DeadLettered++
	}
	return nil
}
