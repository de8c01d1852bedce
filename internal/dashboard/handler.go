package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/notify"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

// CycleData is the payload of a cycle_complete message.
type CycleData struct {
	CycleID    string         `json:"cycleId"`
	Outcome    syncer.Outcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Degraded   bool           `json:"degraded"`
	Attempts   int            `json:"attempts"`
	Fetched    int            `json:"fetched"`
	Applied    int            `json:"applied"`
	Pushed     int            `json:"pushed"`
	Acked      int            `json:"acked"`
	Rejected   int            `json:"rejected"`
	Conflicts  int            `json:"conflicts"`
	DurationMs int64          `json:"durationMs"`
}

// Feed publishes sync activity to a Server. It is both a
// syncer.Coordinator OnCycle observer and a notify.Pusher.
type Feed struct {
	server *Server
	logger *zap.Logger
}

var _ notify.Pusher = (*Feed)(nil)

// NewFeed creates a feed publishing to server.
func NewFeed(server *Server, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{server: server, logger: logger}
}

// ObserveCycle broadcasts a cycle_complete message. Skipped cycles are not
// published.
func (f *Feed) ObserveCycle(res syncer.CycleResult) {
	if res.Outcome == syncer.OutcomeSkipped {
		return
	}
	data := CycleData{
		CycleID:    res.ID,
		Outcome:    res.Outcome,
		Degraded:   res.Degraded,
		Attempts:   res.Attempts,
		Fetched:    res.Fetched,
		Applied:    res.Applied,
		Pushed:     res.Pushed,
		Acked:      res.Acked,
		Rejected:   res.Rejected,
		Conflicts:  len(res.Conflicts),
		DurationMs: res.Duration().Milliseconds(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	if err := f.server.BroadcastData(MessageTypeCycleComplete, data); err != nil {
		f.logger.Warn("failed to publish cycle", zap.Error(err))
	}
}

// Push broadcasts ev as a notification message.
func (f *Feed) Push(_ context.Context, ev notify.Event) error {
	return f.server.BroadcastData(MessageTypeNotification, ev)
}

// PublishStatus broadcasts a status snapshot from status.
func (f *Feed) PublishStatus(ctx context.Context, status StatusFunc) error {
	st, err := status(ctx)
	if err != nil {
		return err
	}
	return f.server.BroadcastData(MessageTypeStatus, st)
}

// StatusOf adapts a Coordinator to a StatusFunc.
func StatusOf(c syncer.Coordinator) StatusFunc {
	return func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.Status(ctx)
	}
}
