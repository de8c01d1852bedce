package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPusher writes events to a zap logger. It stands in for a platform
// push service on hosts without one.
type LogPusher struct {
	Logger *zap.Logger
}

// Push logs ev at info level.
func (p LogPusher) Push(_ context.Context, ev Event) error {
	p.Logger.Info(ev.Summary,
		zap.String("type", string(ev.Type)),
		zap.String("entity_id", ev.EntityID),
		zap.String("kind", string(ev.Kind)),
		zap.String("member_id", ev.MemberID),
		zap.String("updated_by", ev.UpdatedBy),
		zap.String("dedup_key", ev.DedupKey))
	return nil
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, ev Event) error

// Push calls f.
func (f PusherFunc) Push(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
