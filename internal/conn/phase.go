package conn

// Phase is the connection lifecycle state. There is exactly one connection
// per daemon, owned by the Manager the composition root builds.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// validTransitions defines allowed phase transitions. failed is terminal
// for the automatic machinery: only a manual Connect leaves it.
var validTransitions = map[Phase][]Phase{
	PhaseDisconnected: {PhaseConnecting},
	PhaseConnecting:   {PhaseConnected, PhaseReconnecting, PhaseDisconnected, PhaseFailed},
	PhaseConnected:    {PhaseReconnecting, PhaseDisconnected},
	PhaseReconnecting: {PhaseConnected, PhaseDisconnected, PhaseFailed},
	PhaseFailed:       {PhaseConnecting, PhaseDisconnected},
}

// PhaseChange is the payload of conn.phase_changed bus events.
type PhaseChange struct {
	From    Phase
	To      Phase
	Attempt int
}

// ReconnectAttempt is the payload of conn.reconnect_attempt bus events.
type ReconnectAttempt struct {
	Attempt int
}

// Reconnected is the payload of conn.reconnected bus events.
type Reconnected struct {
	Attempts int
}
