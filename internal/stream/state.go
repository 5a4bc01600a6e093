package stream

// ConnectionState tracks the lifecycle of one hub connection.
//
// Disconnected -> Connecting -> Connected; Connected -> Reconnecting on a
// transport drop; Reconnecting -> Connected on re-establish; any state ->
// Stopping -> Disconnected on Stop. Connecting|Reconnecting -> Failed after
// exhausting reconnect attempts or on an unrecoverable auth error. Failed is
// terminal until Start is called again.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopping
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
