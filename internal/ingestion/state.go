package ingestion

// State is the subscription manager state.
type State int32

const (
	// StateDisconnected has no connection. Initial state.
	StateDisconnected State = iota
	// StateConnected has a connection but no active subscription.
	StateConnected
	// StateStreaming is consuming updates from an active subscription.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}
