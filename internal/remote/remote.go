// Package remote defines the contract between the sync coordinator and the
// cloud document store.
//
// Implementations:
//   - memremote: in-memory cloud shared by several device handles (tests,
//     demos, --remote memory)
//   - redisremote: Redis-backed store with a sorted-set change feed and
//     Pub/Sub notifications
//
// Every implementation applies the same accept rule (see Decide): a push is
// accepted only when it was derived from the revision the remote currently
// holds, and a push already accepted under the same push key is answered
// with the original result instead of being applied twice.
package remote

import (
	"context"
	"fmt"

	"github.com/MinhajShafin/MessKhata/internal/schema"
)

// Store is the remote side of synchronization.
//
// FetchSince and Push fail with errors wrapping syncerr.ErrNetwork for
// transient transport failures and syncerr.ErrAuth for rejected
// credentials. Subscribe is best-effort; sync correctness never depends on
// it.
type Store interface {
	// FetchSince returns every change with a server timestamp greater than
	// cursor.LastRemoteTimestamp in ascending timestamp order.
	FetchSince(ctx context.Context, cursor schema.SyncCursor) ([]schema.RemoteChange, error)
	// Push submits a batch of changes and returns one result per record in
	// batch order. On error it may return results for a prefix of the batch:
	// those records were applied before the failure.
	Push(ctx context.Context, batch []*schema.ChangeRecord) ([]PushResult, error)
	// Subscribe streams changes as they are accepted until ctx is done.
	Subscribe(ctx context.Context) (<-chan schema.RemoteChange, error)
}

// RejectReason says why a push was refused.
type RejectReason string

const (
	// RejectStale means the record was derived from an older revision.
	RejectStale RejectReason = "stale"
	// RejectInvalid means the payload can never be accepted.
	RejectInvalid RejectReason = "invalid"
)

// Rejection describes a refused push.
type Rejection struct {
	Reason RejectReason
	// Current is the remote's version at rejection time (nil if absent).
	Current *schema.Entity
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// PushResult is the outcome of one pushed record.
type PushResult struct {
	EntityID         string
	AcceptedRevision int64
	ServerTimestamp  int64
	// Duplicate is set when the push key had already been accepted.
	Duplicate bool
	Rejected  *Rejection
}

// Accepted reports whether the record is now persisted remotely.
func (r PushResult) Accepted() bool {
	return r.Rejected == nil
}

// Decision is the verdict of the accept rule for one record.
type Decision struct {
	Result PushResult
	// Document is the new remote version to persist when Write is set.
	Document *schema.Document
	Write    bool
}

// Decide applies the accept rule. current is the remote's present version
// (nil if absent); seenRevision/seen report a previous acceptance of the
// same push key; serverTs is the timestamp to assign if accepted.
func Decide(current *schema.Document, rec *schema.ChangeRecord, pushKey string, seenRevision int64, seen bool, serverTs int64) Decision {
	res := PushResult{EntityID: rec.EntityID}

	if seen {
		res.AcceptedRevision = seenRevision
		res.Duplicate = true
		return Decision{Result: res}
	}

	var currentEntity *schema.Entity
	var currentRev int64
	if current != nil {
		currentEntity = current.Entity()
		currentRev = current.Revision
	}

	if err := rec.Validate(); err != nil {
		res.Rejected = &Rejection{Reason: RejectInvalid, Current: currentEntity, Message: err.Error()}
		return Decision{Result: res}
	}
	payload := rec.Payload.Clone()
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		res.Rejected = &Rejection{Reason: RejectInvalid, Current: currentEntity, Message: err.Error()}
		return Decision{Result: res}
	}
	if current != nil && current.Kind != payload.Kind {
		res.Rejected = &Rejection{
			Reason:  RejectInvalid,
			Current: currentEntity,
			Message: fmt.Sprintf("entity %s is a %s, not a %s", rec.EntityID, current.Kind, payload.Kind),
		}
		return Decision{Result: res}
	}
	if rec.BaseRevision != currentRev {
		res.Rejected = &Rejection{
			Reason:  RejectStale,
			Current: currentEntity,
			Message: fmt.Sprintf("base revision %d, remote holds %d", rec.BaseRevision, currentRev),
		}
		return Decision{Result: res}
	}

	payload.Revision = currentRev + 1
	res.AcceptedRevision = payload.Revision
	res.ServerTimestamp = serverTs
	return Decision{
		Result:   res,
		Document: schema.ToDocument(payload, pushKey, serverTs),
		Write:    true,
	}
}
