package nsq

// Connection states.
//
// Transitions are monotonic with two exceptions: a supervised connection
// re-enters StateConnected/StateSubscribed through StateReconnecting, and
// StateClosed is terminal.
const (
	StateInit int32 = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReconnecting
	StateClosing
	StateClosed
)

func stateName(s int32) string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
