package realtime

import "time"

// Gateway defaults. LOOM_WS_* variables override them through app config.
const (
	// Client frames carry diff batches, and a paste can make one large.
	defaultMaxFrameBytes = 1 << 20

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Typing sends short bursts of small batches, so the window is short.
	rateLimitEvents = 60
	rateLimitWindow = 2 * time.Second
	// Consecutive refused frames before the connection is closed.
	rateLimitStrikes = 5
)
