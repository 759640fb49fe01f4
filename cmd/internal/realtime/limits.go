package realtime

import "time"

const (
	// Max bytes per websocket frame read. Watch clients send nothing meaningful.
	maxFrameBytes = 4 << 10 // 4 KiB

	// Defaults (can be overridden by env, see LoadWatchConfigFromEnv).
	watchPollInterval = 1 * time.Second
	watchWriteTimeout = 5 * time.Second
	watchMaxDuration  = 3 * time.Minute
)
