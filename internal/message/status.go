package message

// Status is a delivery state of an outbound message. Inbound messages only
// ever hold StatusDelivered or StatusRead.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank imposes the forward order used to reject regressions.
// StatusFailed is terminal and has no rank.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRead
}

// CanTransition reports whether a message may move from one status to
// another. Transitions are legal only toward a strictly higher rank, so a
// read receipt may overtake a delivery ack (sent -> read skips delivered).
// failed is reachable from pending and sent only: a late failure notice must
// never retract a confirmed delivery, and nothing leaves failed.
func CanTransition(from, to Status) bool {
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// ParseStatus maps a wire status value to a Status, reporting whether the
// value is known. Unknown values must be dropped by the caller, not applied.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	if !s.Valid() {
		return "", false
	}
	return s, true
}
