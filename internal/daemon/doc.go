// Package daemon schedules sync cycles in the background.
//
// # Architecture
//
// The daemon consists of two components:
//
//   - Daemon: runs syncer cycles on triggers and compacts the journal
//   - TriggerWatcher: turns files dropped by the host platform into triggers
//
// # Triggers
//
// A cycle is requested by:
//
//   - the interval timer (only while online)
//   - connectivity regained (TriggerOnline)
//   - the app coming to the foreground (TriggerForeground)
//   - a realtime change notification from the remote (TriggerSubscription)
//   - an explicit request (TriggerManual, also the first run on start)
//
// While offline only manual requests run. TriggerOffline never runs a cycle;
// it only records the connectivity state.
//
// Requests never queue. At most one cycle runs at a time and every request
// made while it runs collapses into a single follow-up cycle.
//
// # Platform Integration
//
// Hosts without an API binding signal the daemon through the file system:
//
//	touch $MESSSYNC_HOME/triggers/offline
//	touch $MESSSYNC_HOME/triggers/online
//	touch $MESSSYNC_HOME/triggers/foreground
//
// Programmatic hosts call Notify directly:
//
//	d, err := daemon.New(coord, st, rs, &daemon.Config{
//	    Interval:        5 * time.Minute,
//	    CompactInterval: time.Hour,
//	    Retention:       7 * 24 * time.Hour,
//	    Logger:          logger,
//	})
//	if err != nil {
//	    return err
//	}
//	go d.Run(ctx)
//	d.Notify(daemon.TriggerForeground)
//
// # Graceful Shutdown
//
// Cancel the context passed to Run. Run waits for the running cycle, which
// releases its in-flight journal rows, then stops the watcher and returns.
package daemon
