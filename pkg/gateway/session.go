package gateway

import "time"

// ConnectionInfo describes one open connection on either listener.
type ConnectionInfo struct {
	ID         string    `json:"id"`
	Listener   string    `json:"listener"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
	// Identity is the masked device token or the app user once logged in.
	Identity string `json:"identity,omitempty"`
}
