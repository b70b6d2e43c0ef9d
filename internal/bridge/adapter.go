// Package bridge connects chat platforms to the session controller. Each
// platform user gets their own research session.
package bridge

import (
	"context"
	"time"
)

// Adapter abstracts a chat platform connection.
type Adapter interface {
	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error
	// Listen returns a channel of inbound messages. Must be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	// Send delivers a message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error
	// Close shuts down the connection and closes the inbound channel.
	Close() error
}

// BotUserIDer is implemented by adapters that know the bot's own user id,
// used to drop the bot's echoes.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage is a message received from a chat platform.
type InboundMessage struct {
	Platform  string
	ChannelID string
	ThreadID  string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// SessionID is the controller session a platform user maps to.
func (m InboundMessage) SessionID() string {
	return m.Platform + ":" + m.UserID
}

// OutboundMessage is a message to send to a chat platform.
type OutboundMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
}
