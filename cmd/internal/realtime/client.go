package realtime

import (
	"sync"

	v1 "collab/shared/contracts/offers/v1"
)

// Client represents one connected websocket session of one actor.
//
// Send is never closed by the server: snapshot callbacks of live subscriptions may still be running
// when the session ends, and enqueue must stay panic-free for them. done signals shutdown instead.
type Client struct {
	SessionID string
	ActorID   string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(actorID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		ActorID:   actorID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue queues env without blocking. It reports false when the client is closed or the queue is full.
func (c *Client) TryEnqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
