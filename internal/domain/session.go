package domain

import "time"

// SessionState is the session monitor's view of broker connectivity. Only the
// monitor mutates it; the execution engine reads it to short-circuit
// submissions once the session is known dead.
type SessionState struct {
	LastSuccessfulHeartbeatAt time.Time
	ConsecutiveFailures       int
}
