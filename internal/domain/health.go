package domain

import "time"

// StreamState enumerates the synchronizer states.
type StreamState string

const (
	StreamConnecting     StreamState = "connecting"
	StreamAuthenticating StreamState = "authenticating"
	StreamSubscribed     StreamState = "subscribed"
	StreamBackoff        StreamState = "backoff"
	StreamTerminated     StreamState = "terminated"
)

// PoolStats summarises one account's connection pool.
type PoolStats struct {
	Limit         int
	Open          int
	InUse         int
	Idle          int
	Unhealthy     int
	Waiting       int
	CooldownUntil time.Time
}

// StreamHealth summarises one account's streaming session.
type StreamHealth struct {
	State             StreamState
	Connected         bool
	ReconnectAttempts int
	LastError         *time.Time
	LastErrorMessage  string
	NextReconnect     time.Time
	SubscribedSince   time.Time
}

// Health is the per-account view exposed to the outer layer.
type Health struct {
	AccountID string
	Stream    StreamHealth
	Pool      PoolStats
	StateSeq  uint64
}
