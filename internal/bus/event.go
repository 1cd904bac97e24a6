package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Payload types are owned by the
// publishing package (see conn.PhaseChange, convstore.MessageChange).
//
//	conn.phase_changed   connection phase transition
//	conn.connected       transport connection established
//	conn.reconnect_attempt
//	conn.reconnected     connection re-established after loss
//	conn.failed          reconnection attempts exhausted
//	conn.auth_required   connect blocked on missing/expired token
//	conn.disconnected    connection torn down on request
//	msg.created          optimistic outbound append
//	msg.received         inbound message stored
//	msg.status_changed   message status advanced
//	conv.updated         conversation created or renamed
//	conv.selected        active conversation changed
//	typing.start         peer started typing (pass-through)
//	typing.stop          peer stopped typing (pass-through)
