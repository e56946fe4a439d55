package cable

// State is the lifecycle state of the live connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRejected     State = "rejected"
	StateErrored      State = "errored"
)

// Terminal states are left only through an explicit Retry or Connect
func (s State) Terminal() bool {
	return s == StateRejected || s == StateErrored
}

func (s State) gaugeValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateRejected:
		return 3
	case StateErrored:
		return 4
	default:
		return 0
	}
}

// SubscriptionState tracks one channel subscription on top of the connection
type SubscriptionState string

const (
	SubscriptionPending   SubscriptionState = "pending"
	SubscriptionConfirmed SubscriptionState = "confirmed"
	SubscriptionRejected  SubscriptionState = "rejected"
)
