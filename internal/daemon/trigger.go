package daemon

// Trigger is a reason to run a sync cycle, or a connectivity transition.
type Trigger int

const (
	// TriggerInterval is the periodic timer.
	TriggerInterval Trigger = iota
	// TriggerOnline means connectivity was regained.
	TriggerOnline
	// TriggerOffline means connectivity was lost. It never runs a cycle.
	TriggerOffline
	// TriggerForeground means the app came to the foreground.
	TriggerForeground
	// TriggerSubscription is a realtime change notification from the remote.
	TriggerSubscription
	// TriggerManual is an explicit user request. It runs even when offline.
	TriggerManual
)

// String returns a human-readable representation of the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerInterval:
		return "interval"
	case TriggerOnline:
		return "online"
	case TriggerOffline:
		return "offline"
	case TriggerForeground:
		return "foreground"
	case TriggerSubscription:
		return "subscription"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseTrigger maps a trigger file name onto a trigger.
func ParseTrigger(name string) (Trigger, bool) {
	switch name {
	case "online":
		return TriggerOnline, true
	case "offline":
		return TriggerOffline, true
	case "foreground":
		return TriggerForeground, true
	case "sync":
		return TriggerManual, true
	default:
		return 0, false
	}
}
