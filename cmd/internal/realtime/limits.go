package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Client frames are small control messages.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max live subscriptions per connection.
	maxSubscriptionsPerConn = 32

	// Max subscription_id length.
	maxSubscriptionIDChars = 64
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (inbound events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
