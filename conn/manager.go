// Package conn keeps one websocket connection to the subtitle relay alive.
//
// The manager never blocks its caller and never returns transport errors:
// dials and reads happen on helper goroutines whose results are handed back
// through Enqueue, and every failure becomes a state transition plus an
// Event. Reconnection uses a fixed interval and gives up after a bounded
// number of consecutive failed dials until Connect is called again.
package conn

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 10
	DefaultDialTimeout = 15 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// State is the lifecycle state of the connection.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// EventKind distinguishes connection events.
type EventKind int

const (
	// EventOpened fires after a successful dial.
	EventOpened EventKind = iota + 1
	// EventClosed fires when a dial fails or an open connection drops.
	EventClosed
	// EventExhausted fires once the retry budget is spent.
	EventExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Event reports a connection transition.
type Event struct {
	Kind EventKind
	Err  error
	// Failures is the number of consecutive failed dials so far.
	Failures int
	// Retrying is set when another dial has been scheduled.
	Retrying bool
}

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens a connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Manager.
type Options struct {
	URL         string
	Interval    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Dialer      Dialer
	Clock       clock.Clock
	// Enqueue runs results on the owner's loop. It must not run fn inline.
	Enqueue func(func()) bool
}

// Status is a snapshot of the manager for status displays.
type Status struct {
	URL       string `json:"url"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Exhausted bool   `json:"exhausted"`
}

// Manager owns one logical connection. All methods must be called from the
// owner's loop goroutine.
type Manager struct {
	opts Options

	state     State
	conn      Conn
	gen       uint64
	failures  int
	exhausted bool
	suppress  bool

	retry      *clock.Timer
	retryGen   uint64
	cancelDial context.CancelFunc

	subs    []func(Event)
	onFrame func([]byte)
}

// ErrNoEnqueue is returned by New when Options.Enqueue is missing.
var ErrNoEnqueue = errors.New("conn: Options.Enqueue is required")

// New returns an idle manager.
func New(opts Options) (*Manager, error) {
	if opts.Enqueue == nil {
		return nil, ErrNoEnqueue
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{opts: opts}, nil
}

// Subscribe registers fn for connection events.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subs = append(m.subs, fn)
}

// OnFrame sets the handler for inbound frames.
func (m *Manager) OnFrame(fn func([]byte)) {
	m.onFrame = fn
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// IsOpen reports whether frames can be sent.
func (m *Manager) IsOpen() bool { return m.state == Open && m.conn != nil }

// Status returns a snapshot for display.
func (m *Manager) Status() Status {
	return Status{
		URL:       m.opts.URL,
		State:     m.state.String(),
		Failures:  m.failures,
		Exhausted: m.exhausted,
	}
}

// Connect starts a connection with a fresh retry budget. It is a no-op
// while connecting or open.
func (m *Manager) Connect() {
	if m.state == Connecting || m.state == Open {
		return
	}
	m.stopRetry()
	m.failures = 0
	m.exhausted = false
	m.suppress = false
	m.dial()
}

func (m *Manager) dial() {
	m.state = Connecting
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	url := m.opts.URL
	log.Debug().Str("url", url).Int("failures", m.failures).Msg("[conn] dialing")

	go func() {
		c, err := m.opts.Dialer.Dial(ctx, url)
		cancel()
		if !m.opts.Enqueue(func() { m.dialed(gen, c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, c Conn, err error) {
	if gen != m.gen || m.suppress {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.failures++
		log.Warn().Err(err).Int("failures", m.failures).Msg("[conn] connect failed")
		m.lost(err)
		return
	}

	c.SetReadLimit(maxFrameSize)
	m.conn = c
	m.state = Open
	m.failures = 0
	m.exhausted = false
	log.Info().Str("url", m.opts.URL).Msg("[conn] connected")
	go m.readLoop(gen, c)
	m.emit(Event{Kind: EventOpened})
}

func (m *Manager) readLoop(gen uint64, c Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.opts.Enqueue(func() { m.dropped(gen, err) })
			return
		}
		if !m.opts.Enqueue(func() { m.deliver(gen, data) }) {
			_ = c.Close()
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) {
	if gen != m.gen || m.onFrame == nil {
		return
	}
	m.onFrame(data)
}

// dropped handles the end of an open connection.
func (m *Manager) dropped(gen uint64, err error) {
	if gen != m.gen || m.state != Open {
		return
	}
	m.closeConn()
	if m.suppress {
		m.state = Closed
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info().Err(err).Msg("[conn] server closed connection")
	} else {
		log.Warn().Err(err).Msg("[conn] connection lost")
	}
	m.lost(err)
}

// lost moves to Closed and either schedules a retry or gives up.
func (m *Manager) lost(err error) {
	m.state = Closed
	if m.suppress {
		return
	}
	if m.failures >= m.opts.MaxAttempts {
		m.exhausted = true
		m.emit(Event{Kind: EventClosed, Err: err, Failures: m.failures})
		log.Error().Int("attempts", m.failures).Msg("[conn] max reconnect attempts reached; giving up")
		m.emit(Event{Kind: EventExhausted, Err: err, Failures: m.failures})
		return
	}
	m.scheduleRetry()
	m.emit(Event{Kind: EventClosed, Err: err, Failures: m.failures, Retrying: true})
}

func (m *Manager) scheduleRetry() {
	m.stopRetry()
	gen := m.retryGen
	m.retry = m.opts.Clock.AfterFunc(m.opts.Interval, func() {
		m.opts.Enqueue(func() {
			if gen != m.retryGen || m.suppress {
				return
			}
			m.retry = nil
			if m.state == Connecting || m.state == Open {
				return
			}
			m.dial()
		})
	})
	log.Info().Dur("in", m.opts.Interval).Int("failures", m.failures).Msg("[conn] reconnect scheduled")
}

func (m *Manager) stopRetry() {
	m.retryGen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// Send writes one text frame. It reports false, without writing, unless the
// connection is open. A failed write is treated as a dropped connection.
func (m *Manager) Send(data []byte) bool {
	if !m.IsOpen() {
		log.Debug().Str("state", m.state.String()).Msg("[conn] not open; dropping outbound frame")
		return false
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Msg("[conn] write failed")
		m.dropped(m.gen, err)
		return false
	}
	return true
}

// Close tears the connection down for good: pending retries are cancelled
// and no reconnect follows. Connect may be called again afterwards.
func (m *Manager) Close() {
	m.suppress = true
	m.stopRetry()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.closeConn()
	}
	m.state = Closed
}

func (m *Manager) closeConn() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Close()
	m.conn = nil
}

func (m *Manager) emit(ev Event) {
	for _, fn := range m.subs {
		fn(ev)
	}
}
