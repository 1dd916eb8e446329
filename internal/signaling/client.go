package signaling

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// pingInterval is how often the heartbeat pings the server.
	pingInterval = 25 * time.Second

	// pingTimeout is how long a ping may take before the connection is
	// considered dead.
	pingTimeout = 10 * time.Second

	// reconnectDelay is the fixed delay before a reconnect attempt.
	// Retry is infinite with no backoff.
	reconnectDelay = 1 * time.Second

	// probeDelay schedules a best-effort connectivity probe shortly
	// after a socket is established.
	probeDelay = 2 * time.Second
)

// Status describes the control-channel session state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind discriminates client events.
type EventKind int

const (
	// EventStatusChanged reports a session status transition.
	EventStatusChanged EventKind = iota

	// EventMessageReceived carries an inbound control message the client
	// does not interpret itself.
	EventMessageReceived
)

// Event is delivered to the owner on the Events channel. The owner is the
// single consumer and serializes all resulting state transitions.
type Event struct {
	Kind     EventKind
	Status   Status
	ClientID string
	Message  *Message
}

// Client keeps exactly one logical control-channel session alive and
// delivers inbound control messages to its owner. Socket loss is recovered
// transparently: the heartbeat detects dead connections and a fixed-delay
// reconnect loop re-establishes the session.
type Client struct {
	serverURL string
	dial      DialFunc
	logger    *slog.Logger

	events chan Event

	mu             sync.Mutex
	socket         Socket
	status         Status
	clientID       string
	generation     int
	pingInFlight   bool
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
	probeTimer     *time.Timer
	closed         bool

	// Overridable in tests.
	pingInterval   time.Duration
	pingTimeout    time.Duration
	reconnectDelay time.Duration
}

// NewClient creates a signaling client for the given server URL.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	return &Client{
		serverURL:      serverURL,
		dial:           DialWebSocket,
		logger:         logger,
		events:         make(chan Event, 64),
		pingInterval:   pingInterval,
		pingTimeout:    pingTimeout,
		reconnectDelay: reconnectDelay,
	}
}

// Events returns the channel carrying status changes and inbound messages.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Status returns the current session status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientID returns the server-assigned client id. Only valid while the
// session status is connected.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect opens a new socket unless one already exists. It returns
// immediately; the outcome is observed through events.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.socket != nil || c.status == StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	generation := c.generation
	c.mu.Unlock()

	c.emit(Event{Kind: EventStatusChanged, Status: StatusConnecting})

	go c.dialSocket(generation)
}

func (c *Client) dialSocket(generation int) {
	socket, err := c.dial(c.serverURL)

	c.mu.Lock()
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		if err == nil {
			socket.Abandon()
		}
		return
	}

	if err != nil {
		c.status = StatusDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.logger.Warn("signaling dial failed", "error", err)
		c.emit(Event{Kind: EventStatusChanged, Status: StatusDisconnected})
		return
	}

	c.socket = socket
	stop := make(chan struct{})
	c.heartbeatStop = stop
	if c.probeTimer != nil {
		c.probeTimer.Stop()
	}
	c.probeTimer = time.AfterFunc(probeDelay, func() {
		// Best-effort probe; a dead socket is caught by the read loop
		// or the next heartbeat ping.
		if err := socket.Ping(c.pingTimeout); err != nil {
			c.logger.Debug("connectivity probe failed", "error", err)
		}
	})
	c.mu.Unlock()

	go c.readLoop(socket, generation)
	go c.heartbeat(socket, generation, stop)
}

// Send writes a control message to the server. It silently drops the
// message when no socket is open; callers defer sends until connected.
func (c *Client) Send(msg *Message) {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()

	if socket == nil {
		c.logger.Debug("dropping message, no socket", "type", msg.Type)
		return
	}

	if err := socket.WriteJSON(msg); err != nil {
		// The read loop notices the broken socket and runs the
		// failure path.
		c.logger.Warn("signaling send failed", "type", msg.Type, "error", err)
	}
}

// Disconnect tears the session down without triggering the failure path.
// Any pending reconnect is cancelled. Calling it on an already
// disconnected client is a no-op with no events fired.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}

	if c.socket == nil && c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}

	c.generation++
	socket := c.socket
	c.socket = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.status = StatusDisconnected
	c.clientID = ""
	c.mu.Unlock()

	if socket != nil {
		socket.Close()
	}

	c.emit(Event{Kind: EventStatusChanged, Status: StatusDisconnected})
}

// Close disconnects and prevents any future reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
}

// readLoop delivers inbound messages until the socket dies.
func (c *Client) readLoop(socket Socket, generation int) {
	for {
		var msg Message
		if err := socket.ReadJSON(&msg); err != nil {
			c.fail(generation, fmt.Errorf("receive: %w", err))
			return
		}
		c.handleMessage(generation, &msg)
	}
}

func (c *Client) handleMessage(generation int, msg *Message) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}

	if msg.Type == MessageTypeConnected {
		c.status = StatusConnected
		c.clientID = msg.ClientID
		c.mu.Unlock()

		c.emit(Event{Kind: EventStatusChanged, Status: StatusConnected, ClientID: msg.ClientID})
		return
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessageReceived, Message: msg})
}

// heartbeat pings the server periodically. A ping that does not complete
// within pingTimeout is a hard failure.
func (c *Client) heartbeat(socket Socket, generation int, stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			c.mu.Lock()
			if c.pingInFlight {
				// Never overlap pings.
				c.mu.Unlock()
				continue
			}
			c.pingInFlight = true
			c.mu.Unlock()

			err := socket.Ping(c.pingTimeout)

			c.mu.Lock()
			c.pingInFlight = false
			c.mu.Unlock()

			if err != nil {
				c.fail(generation, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// fail runs the hard-failure path: abandon the socket, notify the owner,
// and schedule exactly one reconnect attempt. Stale failures from an
// already replaced socket are ignored.
func (c *Client) fail(generation int, err error) {
	c.mu.Lock()
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return
	}

	c.generation++
	socket := c.socket
	c.socket = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.status = StatusDisconnected
	c.clientID = ""
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if socket != nil {
		socket.Abandon()
	}

	c.logger.Warn("signaling connection lost", "error", err)
	c.emit(Event{Kind: EventStatusChanged, Status: StatusDisconnected})
}

// scheduleReconnectLocked arms the single reconnect timer; a new timer
// replaces any pending one. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.Connect)
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("dropping signaling event, owner not consuming", "kind", event.Kind)
	}
}
