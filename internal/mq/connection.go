package mq

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrChannelUnavailable is returned when no broker channel could be obtained.
var ErrChannelUnavailable = errors.New("channel_unavailable")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxJitter = 250 * time.Millisecond
)

// Status is the health signal exposed for readiness probes.
type Status struct {
	Connected    bool `json:"connected"`
	ChannelReady bool `json:"channelReady"`
}

// Connection maintains one broker connection plus one confirm-mode channel,
// reconnecting forever with exponential backoff and jitter. Concurrent
// callers of EnsureChannel share a single in-flight connection attempt.
type Connection struct {
	url string
	log *zap.Logger

	mu                sync.Mutex
	conn              *amqp.Connection
	ch                *amqp.Channel
	connecting        chan struct{}
	reconnectAttempts int
	reconnectTimer    *time.Timer
	closed            bool
}

// NewConnection builds the connection manager. Call Start to begin the first
// connection attempt eagerly, or let EnsureChannel connect on demand.
func NewConnection(url string, log *zap.Logger) *Connection {
	return &Connection{url: url, log: log.Named("mq.connection")}
}

// Start kicks off the first connection attempt in the background.
func (c *Connection) Start() {
	go func() {
		_, _ = c.EnsureChannel(context.Background())
	}()
}

// EnsureChannel returns a ready confirm-mode channel, awaiting any in-flight
// connection attempt rather than racing a second one. It returns
// ErrChannelUnavailable when the attempt failed; reconnection continues in
// the background regardless.
func (c *Connection) EnsureChannel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelUnavailable
	}
	if c.ch != nil {
		ch := c.ch
		c.mu.Unlock()
		return ch, nil
	}

	if c.connecting != nil {
		done := c.connecting
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		done := make(chan struct{})
		c.connecting = done
		c.mu.Unlock()
		c.connect(done)
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return nil, ErrChannelUnavailable
	}
	return ch, nil
}

// Status reports connection and channel readiness.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:    c.conn != nil && !c.conn.IsClosed(),
		ChannelReady: c.ch != nil,
	}
}

// Close shuts the connection down permanently. Only used on process exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (c *Connection) connect(done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.connecting = nil
		c.mu.Unlock()
		close(done)
	}()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		c.log.Error("rabbitmq connect failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	ch, err := conn.Channel()
	if err == nil {
		err = ch.Confirm(false)
	}
	if err != nil {
		c.log.Error("rabbitmq channel open failed", zap.Error(err))
		_ = conn.Close()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.ch = ch
	c.reconnectAttempts = 0
	c.mu.Unlock()

	go c.watch(conn, ch)
	c.log.Info("rabbitmq connected")
}

// watch clears state and schedules a reconnect when either the connection or
// the channel closes underneath us.
func (c *Connection) watch(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-connClosed:
		if err != nil {
			c.log.Warn("rabbitmq connection closed", zap.String("reason", err.Error()))
		}
	case err := <-chClosed:
		if err != nil {
			c.log.Warn("rabbitmq channel closed", zap.String("reason", err.Error()))
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ch = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		if !conn.IsClosed() {
			_ = conn.Close()
		}
		c.scheduleReconnect()
	}
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}

	base := reconnectBaseDelay << c.reconnectAttempts
	if base > reconnectMaxDelay || base <= 0 {
		base = reconnectMaxDelay
	}
	delay := base + time.Duration(rand.Int63n(int64(reconnectMaxJitter)))
	c.reconnectAttempts++

	c.log.Info("rabbitmq reconnect scheduled", zap.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.closed || c.ch != nil || c.connecting != nil {
			c.mu.Unlock()
			return
		}
		done := make(chan struct{})
		c.connecting = done
		c.mu.Unlock()
		c.connect(done)
	})
}
