package websocket

import (
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TomPython98/pinit-backend-sub005/types"
)

// ErrReconnectExhausted is delivered to OnDown when a channel configured with
// a reconnect cap has used up all attempts.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	defaultPingInterval = 20 * time.Second
	defaultBaseBackoff  = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	readIdleTimeout     = 60 * time.Second
	writeTimeout        = 10 * time.Second
)

// Options configures a Channel. One Channel serves exactly one logical
// subscription, e.g. "events for user X"; BuildURL encodes that identity.
type Options struct {
	// BuildURL returns the endpoint for this subscription. Called on every
	// connect attempt so rotated tokens or hosts are picked up.
	BuildURL func() string

	// OnFrame receives every inbound frame. Required.
	OnFrame func(raw []byte)

	// OnDown is invoked once when a capped channel gives up. Optional.
	OnDown func(err error)

	// PingInterval is the keepalive period. Defaults to 20s.
	PingInterval time.Duration

	// BaseBackoff and MaxBackoff bound the reconnect delay
	// min(base*1.5^(n-1), max), before jitter.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MaxAttempts caps consecutive failed reconnects. 0 means retry forever,
	// which is what the events channel wants; the chat channel passes a cap.
	MaxAttempts int

	Dialer *websocket.Dialer
}

// Channel maintains one long-lived push-channel connection with keepalive and
// jittered exponential reconnect. All state transitions happen internally;
// callers only Connect, Disconnect, and observe State.
type Channel struct {
	opts Options

	mu             sync.Mutex
	state          types.ChannelState
	conn           *websocket.Conn
	attempts       int
	gen            int
	reconnectTimer *time.Timer
	done           chan struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Channel{opts: opts, state: types.ChannelDisconnected}
}

// State returns the current connection state.
func (c *Channel) State() types.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the channel. It is a no-op while already Connecting or
// Connected, and returns without waiting for the handshake: the dial runs on
// its own goroutine so an unreachable host never stalls the caller. Failures
// schedule a reconnect instead of returning an error.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.state == types.ChannelConnecting || c.state == types.ChannelConnected {
		c.mu.Unlock()
		return
	}
	c.cancelReconnectLocked()
	c.state = types.ChannelConnecting
	build := c.opts.BuildURL
	c.mu.Unlock()

	go c.dial(build)
}

func (c *Channel) dial(build func() string) {
	conn, _, err := c.opts.Dialer.Dial(build(), nil)

	c.mu.Lock()
	if c.state != types.ChannelConnecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("channel connect failed", "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.state = types.ChannelConnected
	c.attempts = 0
	c.conn = conn
	c.gen++
	c.done = make(chan struct{})
	gen, done := c.gen, c.done
	c.mu.Unlock()

	slog.Info("channel connected")
	go c.readLoop(conn, gen)
	go c.keepalive(conn, gen, done)
}

// Disconnect tears the channel down: cancels timers, closes the transport,
// and clears the listener so no callback fires after return. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelReconnectLocked()
	c.closeConnLocked()
	c.gen++
	c.state = types.ChannelDisconnected
	c.attempts = 0
	c.opts.OnFrame = nil
	c.opts.OnDown = nil
}

// readLoop re-arms itself after every successful receive and hands each frame
// to the registered listener. A receive failure triggers reconnection.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onTransportFailure(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		c.mu.Lock()
		onFrame := c.opts.OnFrame
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		if onFrame != nil {
			onFrame(raw)
		}
	}
}

// keepalive pings the server at a fixed interval. A ping write error only
// counts as a connectivity failure when the transport reports the socket
// closed; a briefly slow but healthy link is left alone.
func (c *Channel) keepalive(conn *websocket.Conn, gen int, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && isClosedErr(err) {
				c.onTransportFailure(gen, err)
				return
			}
		}
	}
}

// onTransportFailure routes receive and keepalive failures into a single
// reconnect decision. Failures from a superseded connection are ignored so
// the two goroutines cannot schedule competing reconnect timers.
func (c *Channel) onTransportFailure(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != types.ChannelConnected {
		return
	}
	slog.Warn("channel transport failure", "err", err)
	c.closeConnLocked()
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	c.attempts++
	if c.opts.MaxAttempts > 0 && c.attempts > c.opts.MaxAttempts {
		c.state = types.ChannelDisconnected
		onDown := c.opts.OnDown
		slog.Error("channel giving up", "attempts", c.attempts-1)
		if onDown != nil {
			go onDown(ErrReconnectExhausted)
		}
		return
	}
	delay := jitteredBackoff(backoffFloor(c.opts.BaseBackoff, c.opts.MaxBackoff, c.attempts))
	c.state = types.ChannelBackoff
	c.cancelReconnectLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != types.ChannelBackoff {
			c.mu.Unlock()
			return
		}
		c.state = types.ChannelDisconnected
		c.mu.Unlock()
		c.Connect()
	})
	slog.Info("channel reconnect scheduled", "attempt", c.attempts, "delay", delay)
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) closeConnLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// backoffFloor is the pre-jitter delay for the given attempt (1-based):
// min(base * 1.5^(attempt-1), max).
func backoffFloor(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// jitteredBackoff adds 10-30% random jitter on top of the floor so many
// clients losing the same server do not reconnect in lockstep.
func jitteredBackoff(floor time.Duration) time.Duration {
	frac := 0.10 + 0.20*rand.Float64()
	return floor + time.Duration(float64(floor)*frac)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsUnexpectedCloseError(err) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
