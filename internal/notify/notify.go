// Package notify turns remote changes applied by a sync cycle into user
// notifications.
//
// Only changes written by another device and relevant to the configured
// member produce an event. Each event carries a dedup key
// "<entity id>#<remote revision>" that is recorded in the Local Store
// before delivery, so a cycle replayed after a crash never notifies twice.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

// EventType names the kind of notification.
type EventType string

const (
	EventExpenseAdded   EventType = "expense_added"
	EventExpenseUpdated EventType = "expense_updated"
	EventMealUpdated    EventType = "meal_updated"
	EventMemberJoined   EventType = "member_joined"
	EventMemberLeft     EventType = "member_left"
)

// Event is one notification. It marshals to the push payload.
type Event struct {
	DedupKey  string      `json:"dedupKey"`
	EntityID  string      `json:"entityId"`
	Kind      schema.Kind `json:"kind"`
	Type      EventType   `json:"type"`
	Summary   string      `json:"summary"`
	MemberID  string      `json:"memberId,omitempty"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
	Rule      schema.Rule `json:"rule,omitempty"`
}

// Pusher delivers events to a channel (push service, log, dashboard).
type Pusher interface {
	Push(ctx context.Context, ev Event) error
}

// Marker records dedup keys. *store.Store implements it.
type Marker interface {
	// MarkNotified returns false when key was already recorded.
	MarkNotified(ctx context.Context, key, entityID string) (bool, error)
}

// Options configures a Dispatcher.
type Options struct {
	// DeviceID is this device; its own writes never notify.
	DeviceID string
	// MemberID restricts expense and meal events to one member. Member
	// join and leave events concern everyone. Empty means all events.
	MemberID string
	// Timeout bounds the delivery of one cycle's events from Observe.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Dispatcher emits notifications for completed sync cycles.
type Dispatcher struct {
	marker  Marker
	pushers []Pusher
	opts    Options
	logger  *zap.Logger
}

// New creates a Dispatcher delivering to pushers.
func New(marker Marker, opts Options, pushers ...Pusher) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		marker:  marker,
		pushers: pushers,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Observe is a syncer.Coordinator OnCycle observer.
func (d *Dispatcher) Observe(res syncer.CycleResult) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	if _, err := d.HandleCycle(ctx, res); err != nil {
		d.logger.Warn("notification delivery failed", zap.String("cycle", res.ID), zap.Error(err))
	}
}

// HandleCycle emits the events of one cycle and returns those delivered.
// A failing pusher does not stop delivery to the others.
func (d *Dispatcher) HandleCycle(ctx context.Context, res syncer.CycleResult) ([]Event, error) {
	var (
		sent []Event
		errs []error
	)
	for _, m := range res.Merged {
		ev, ok := d.eventFor(m)
		if !ok {
			continue
		}
		fresh, err := d.marker.MarkNotified(ctx, ev.DedupKey, ev.EntityID)
		if err != nil {
			return sent, err
		}
		if !fresh {
			d.logger.Debug("notification already sent", zap.String("key", ev.DedupKey))
			continue
		}
		for _, p := range d.pushers {
			if err := p.Push(ctx, ev); err != nil {
				errs = append(errs, fmt.Errorf("push %s: %w", ev.DedupKey, err))
			}
		}
		sent = append(sent, ev)
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) eventFor(m syncer.MergedEntity) (Event, bool) {
	e := m.Entity
	if e == nil || m.Origin != schema.OriginRemote {
		return Event{}, false
	}
	if m.UpdatedBy != "" && m.UpdatedBy == d.opts.DeviceID {
		return Event{}, false
	}

	typ, summary, ok := describe(e, m.RemoteRevision)
	if !ok {
		return Event{}, false
	}
	if !d.relevant(e) {
		return Event{}, false
	}
	return Event{
		DedupKey:  fmt.Sprintf("%s#%d", e.ID, m.RemoteRevision),
		EntityID:  e.ID,
		Kind:      e.Kind,
		Type:      typ,
		Summary:   summary,
		MemberID:  e.MemberID(),
		UpdatedBy: m.UpdatedBy,
		Rule:      m.Rule,
	}, true
}

func (d *Dispatcher) relevant(e *schema.Entity) bool {
	if d.opts.MemberID == "" || e.Kind == schema.KindMember {
		return true
	}
	return e.MemberID() == d.opts.MemberID
}

// describe picks the event type and summary for an entity. Changes that
// users are not told about (edits to a member, removed expenses) report
// false.
func describe(e *schema.Entity, remoteRevision int64) (EventType, string, bool) {
	switch e.Kind {
	case schema.KindLedger:
		if e.Deleted {
			return "", "", false
		}
		amount, _ := schema.Amount(e.Fields[schema.FieldAmount])
		typ, summary := EventExpenseAdded, fmt.Sprintf("Expense of %s added", amount.StringFixed(2))
		if remoteRevision > 1 {
			typ, summary = EventExpenseUpdated, fmt.Sprintf("Expense updated to %s", amount.StringFixed(2))
		}
		if cat, ok := e.Fields[schema.FieldCategory].(string); ok && cat != "" {
			summary += " for " + cat
		}
		return typ, summary, true

	case schema.KindAttendance:
		if e.Deleted {
			return "", "", false
		}
		summary := "Meal count updated"
		if meals, ok := e.Fields[schema.FieldMeals].(float64); ok {
			summary = fmt.Sprintf("Meal count updated to %g", meals)
		}
		if date, ok := e.Fields[schema.FieldDate].(string); ok && date != "" {
			summary += " on " + date
		}
		return EventMealUpdated, summary, true

	case schema.KindMember:
		name, _ := e.Fields[schema.FieldName].(string)
		if name == "" {
			name = e.ID
		}
		if e.Deleted {
			return EventMemberLeft, name + " left the mess", true
		}
		if remoteRevision == 1 {
			return EventMemberJoined, name + " joined the mess", true
		}
	}
	return "", "", false
}
