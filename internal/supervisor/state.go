package supervisor

// State is the lifecycle phase of the supervisor.
type State int32

const (
	Connecting State = iota
	Backfilling
	Live
	Degraded
	ShuttingDown
)

var states = []State{Connecting, Backfilling, Live, Degraded, ShuttingDown}

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Backfilling:
		return "backfilling"
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
