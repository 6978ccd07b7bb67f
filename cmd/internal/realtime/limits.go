package realtime

import "time"

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Connection attempts allowed per user per window.
	connectRateEvents = 30
	connectRateWindow = time.Minute

	// Live connections allowed per user.
	maxConnsPerUser = 32
)
