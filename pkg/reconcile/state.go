package reconcile

// State is the per-peer synchronization state. A fresh connection walks
// Connecting -> HelloSent -> CaughtUp -> Steady and drops to Disconnected
// when the transport reports loss. A reconnect re-enters HelloSent:
// catch-up is not transactional, so it is always safe to re-run and the
// idempotent merge rule absorbs any duplicate delivery.
type State int

const (
	Connecting State = iota
	HelloSent
	CaughtUp
	Steady
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HelloSent:
		return "hello-sent"
	case CaughtUp:
		return "caught-up"
	case Steady:
		return "steady"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
