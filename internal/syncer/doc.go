// Package syncer reconciles the Local Store with a remote store.
//
// Overview
//
// A sync cycle runs four steps under a single-slot lock:
//
//	idle → fetching_remote → merging_conflicts → pushing_local → committing → idle
//	                  └──────────────┴──────────────┴───────────────┴→ failed → idle
//
// 1. Fetch every remote change newer than the sync cursor.
// 2. Apply them in server timestamp order. An entity with no outstanding
// local change takes the remote version as is; otherwise the two versions
// are merged with package resolve and the local changes are rebased onto
// the remote revision.
// 3. Collapse the pending journal rows of each entity into one push,
// mark them in flight and push the batch. Stale rejections are merged
// against the remote's current version and requeued.
// 4. Commit the cursor.
//
// The cursor only moves after a cycle completes, so a failed or cancelled
// cycle is retried from the same position. Applying a remote change is
// idempotent: versions at or below the entity's known remote revision are
// skipped.
//
// Usage
//
//	st, err := store.Open("mess.db", store.Options{DeviceID: "phone-a"})
//	if err != nil {
//	    return err
//	}
//	coord := syncer.New(st, redisremote.New(client, "phone-a"), syncer.Options{
//	    DeviceID: "phone-a",
//	    Logger:   logger,
//	})
//	if _, err := coord.Recover(ctx); err != nil {
//	    return err
//	}
//	res := coord.RunWithRetry(ctx)
//	if res.Err != nil {
//	    logger.Warn("sync failed", zap.Error(res.Err))
//	}
package syncer
