package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is a callback invoked when a normalized message arrives from a channel.
type InboundHandler func(ctx context.Context, msg Message) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
}

// Sender is an adapter capable of delivering replies.
type Sender interface {
	Send(ctx context.Context, target Target, reply Reply) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target Target, reply Reply) error

func (f SenderFunc) Send(ctx context.Context, target Target, reply Reply) error {
	return f(ctx, target, reply)
}

// Receiver is an adapter capable of establishing a long-lived connection to receive
// messages, as opposed to webhook push.
type Receiver interface {
	Connect(ctx context.Context, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the channel type and stop function.
func NewConnection(channelType ChannelType, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		channelType: channelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	if !c.running.Swap(false) {
		return nil
	}
	return c.stop(ctx)
}

func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
