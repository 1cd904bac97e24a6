package conn

import "fmt"

// TransportUnavailableError is returned by Send when the connection is not
// up. The caller decides whether to queue the message or mark it failed;
// the manager does not guarantee outbound delivery while disconnected.
type TransportUnavailableError struct {
	Phase Phase
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport unavailable: connection is %s", e.Phase)
}

// ReconnectExhaustedError is published on the bus when the configured
// maximum reconnection attempts pass without success. No further automatic
// retries happen; a manual Connect is required.
type ReconnectExhaustedError struct {
	Attempts int
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnection failed after %d attempts", e.Attempts)
}
