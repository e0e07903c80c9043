package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// KeepAliveInterval is how often the literal ping frame is written while
	// the connection is open.
	KeepAliveInterval = 30 * time.Second

	// LivenessTimeout is how long the reader tolerates silence before
	// declaring the connection dead. Any inbound frame resets it; the pong
	// replies to our pings guarantee at least one frame per interval on a
	// healthy connection.
	LivenessTimeout = 2 * KeepAliveInterval

	// ReconnectDelay is the fixed wait before redialing after an unexpected
	// loss. No backoff and no attempt cap: a scan is short-lived and the
	// user is watching.
	ReconnectDelay = 3 * time.Second

	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// ConnectionState describes where a channel is in its lifecycle.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// TokenProvider supplies the bearer token attached to each dial attempt.
type TokenProvider interface {
	Token() string
}

// Config holds the dial parameters for a channel.
type Config struct {
	// BaseURL is the scan API root, e.g. "http://localhost:8800". http and
	// https are rewritten to ws and wss.
	BaseURL string

	// TokenProvider optionally authenticates the connection request. Nil
	// means no Authorization header.
	TokenProvider TokenProvider

	// Dialer overrides the websocket dialer. Nil uses the default.
	Dialer *websocket.Dialer
}

// timings groups the channel's intervals so tests can shrink them.
type timings struct {
	keepAlive time.Duration
	liveness  time.Duration
	reconnect time.Duration
}

// Channel owns one resilient connection for a single observed scan. It
// redials on loss until the scan reaches a terminal status or Close is
// called, and delivers decoded frames in arrival order on Events.
type Channel struct {
	cfg    Config
	scanID string
	tm     timings

	events chan Event

	mu    sync.Mutex
	state ConnectionState

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	finished  chan struct{}
}

// Open starts observing scanID. The returned channel dials in the
// background; the first event is either EventConnected or EventDisconnected.
func Open(cfg Config, scanID string) *Channel {
	return open(cfg, scanID, timings{
		keepAlive: KeepAliveInterval,
		liveness:  LivenessTimeout,
		reconnect: ReconnectDelay,
	})
}

func open(cfg Config, scanID string, tm timings) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		scanID:   scanID,
		tm:       tm,
		events:   make(chan Event, 16),
		state:    StateIdle,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	go c.run()
	return c
}

// Events returns the ordered event stream. It is closed when the channel
// shuts down, after Close or after a terminal status was delivered.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State reports the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the channel and blocks until its goroutines have exited and
// Events is closed. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(c.cancel)
	<-c.finished
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) stopped() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// emit delivers an event in order, giving up only when the channel is
// closed. Reports whether the event was delivered.
func (c *Channel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) run() {
	defer func() {
		c.setState(StateClosed)
		close(c.events)
		close(c.finished)
	}()

	for {
		if c.stopped() {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			if c.stopped() {
				return
			}
			log.Printf("channel: dial for scan %s failed: %v", c.scanID, err)
			c.emit(Event{Kind: EventDisconnected, Err: err.Error()})
			if !c.waitReconnect() {
				return
			}
			continue
		}

		c.setState(StateOpen)
		c.emit(Event{Kind: EventConnected})

		terminal := c.serve(conn)
		if c.stopped() {
			return
		}
		if terminal {
			// The scan is finished; nothing further will arrive. Stop
			// instead of redialing a stream that is about to be torn down.
			return
		}

		c.setState(StateConnecting)
		c.emit(Event{Kind: EventDisconnected, Err: "connection lost"})
		if !c.waitReconnect() {
			return
		}
	}
}

// serve pumps one live connection: a reader goroutine decodes and delivers
// frames while the loop below writes keep-alive pings. It returns when the
// connection dies or the channel is closed, reporting whether a terminal
// status was observed.
func (c *Channel) serve(conn *websocket.Conn) bool {
	readerDone := make(chan struct{})
	var terminal bool

	conn.SetReadDeadline(time.Now().Add(c.tm.liveness))

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !c.stopped() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("channel: read for scan %s: %v", c.scanID, err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(c.tm.liveness))

			ev, deliver, err := decodeEvent(data, time.Now())
			if err != nil {
				log.Printf("channel: dropping frame for scan %s: %v", c.scanID, err)
				continue
			}
			if !deliver {
				continue
			}
			if ev.Kind == EventCompleted || (ev.Kind == EventProgress && ev.Snapshot.Status.IsTerminal()) {
				terminal = true
			}
			if !c.emit(ev) {
				return
			}
			if ev.Kind == EventCompleted {
				// The summary is the protocol's last message; a terminal
				// progress frame alone may still be followed by it, so only
				// the summary ends the read loop early.
				return
			}
		}
	}()

	ticker := time.NewTicker(c.tm.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			// Timers stop before the socket is released so nothing fires
			// against a dead connection.
			ticker.Stop()
			conn.Close()
			<-readerDone
			return terminal

		case <-readerDone:
			conn.Close()
			return terminal

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(PingPayload)); err != nil {
				log.Printf("channel: keep-alive for scan %s: %v", c.scanID, err)
				conn.Close()
				<-readerDone
				return terminal
			}
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	u, err := socketURL(c.cfg.BaseURL, c.scanID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.TokenProvider != nil {
		if tok := c.cfg.TokenProvider.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// waitReconnect sleeps the fixed reconnect delay. Reports false when the
// channel was closed while waiting; the pending timer is stopped either way.
func (c *Channel) waitReconnect() bool {
	t := time.NewTimer(c.tm.reconnect)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// socketURL rewrites the API base URL into the subscription endpoint for
// one scan.
func socketURL(base, scanID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/scans/ws/" + scanID
	return u.String(), nil
}
