// Package session wires the display core together on a single event loop.
//
// Frames from the relay feed the subtitle log and the episode tracker;
// settlements and (re)connections trigger identification; user commands go
// out through the same connection. Everything runs on one loop goroutine,
// so inbound frames are handled strictly in arrival order.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/dialog/conn"
	"github.com/gosuda/dialog/episode"
	"github.com/gosuda/dialog/loop"
	"github.com/gosuda/dialog/remote"
	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/sublog"
	"github.com/gosuda/dialog/wire"
)

// Status lines shown by display front ends.
const (
	MessageConnecting = "Connecting..."
	MessageConnected  = "Connected"
	MessageLost       = "Connection lost. Reconnecting..."
	MessageExhausted  = "Max reconnect attempts reached. Please reconnect."
	MessageClosed     = "Disconnected"
)

// ErrClosed is returned once the session has been closed.
var ErrClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	URL         string
	Store       store.Store
	Interval    time.Duration
	MaxAttempts int
	Debounce    time.Duration
	DedupWindow float64
	Clock       clock.Clock
	Dialer      conn.Dialer
}

// Status is the session state shown to a display.
type Status struct {
	Connection conn.Status `json:"connection"`
	Message    string      `json:"message"`
	EpisodeID  string      `json:"episodeId"`
	Pending    string      `json:"pendingEpisodeId,omitempty"`
	Entries    int         `json:"entries"`
	LatestID   string      `json:"latestId"`
}

// Snapshot is the full display state.
type Snapshot struct {
	Status  Status         `json:"status"`
	Order   string         `json:"order"`
	Entries []sublog.Entry `json:"entries"`
}

// UpdateKind says what changed.
type UpdateKind string

const (
	UpdateSubtitle   UpdateKind = "subtitle"
	UpdateEpisode    UpdateKind = "episode"
	UpdateConnection UpdateKind = "connection"
)

// Update is pushed to subscribers after every change.
type Update struct {
	Kind   UpdateKind    `json:"kind"`
	Entry  *sublog.Entry `json:"entry,omitempty"`
	Added  bool          `json:"added,omitempty"`
	Status Status        `json:"status"`
}

// Session owns the connection, the episode tracker and the subtitle log.
type Session struct {
	loop       *loop.Loop
	store      store.Store
	conn       *conn.Manager
	tracker    *episode.Tracker
	merger     *sublog.Merger
	identifier *remote.Identifier
	dispatcher *remote.Dispatcher

	message string
	subs    map[int]func(Update)
	nextSub int

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a session. Nothing happens until Start.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("session: relay URL is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Session{
		loop:    loop.New(1024),
		store:   opts.Store,
		subs:    make(map[int]func(Update)),
		message: MessageClosed,
	}
	s.merger = sublog.NewMerger(opts.Store, sublog.WithWindow(opts.DedupWindow))

	mgr, err := conn.New(conn.Options{
		URL:         opts.URL,
		Interval:    opts.Interval,
		MaxAttempts: opts.MaxAttempts,
		Dialer:      opts.Dialer,
		Clock:       opts.Clock,
		Enqueue:     s.loop.Enqueue,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.conn = mgr
	s.conn.OnFrame(s.handleFrame)
	s.conn.Subscribe(s.handleConn)

	s.tracker = episode.NewTracker(episode.Options{
		Store:    opts.Store,
		Logs:     s.merger,
		Debounce: opts.Debounce,
		Clock:    opts.Clock,
		Enqueue:  s.loop.Enqueue,
		OnSettle: s.handleSettle,
	})
	s.identifier = remote.NewIdentifier(s.conn, s.tracker.Current)
	s.dispatcher = remote.NewDispatcher(s.conn)
	return s, nil
}

// Start restores the last episode and connects to the relay.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.loop.Start()
		err = s.loop.Do(func() {
			s.restore()
			s.message = MessageConnecting
			s.conn.Connect()
		})
	})
	if err != nil {
		return ErrClosed
	}
	return nil
}

func (s *Session) restore() {
	data, ok, err := s.store.Get(store.CurrentContextKey)
	if err != nil {
		log.Warn().Err(err).Msg("[session] read last episode failed")
		return
	}
	if ok {
		s.tracker.Seed(string(data))
	}
}

// Close cancels the pending settlement, closes the connection without
// reconnecting and stops the loop. The store is left open for the caller.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Start()
		_ = s.loop.Do(func() {
			s.tracker.Cancel()
			s.conn.Close()
			s.message = MessageClosed
		})
		s.loop.Close()
		<-s.loop.Done()
		log.Info().Msg("[session] closed")
	})
}

// Reconnect starts a new connection cycle, e.g. after the retry budget ran
// out. It does nothing while connecting or connected.
func (s *Session) Reconnect() error {
	return s.do(func() {
		if s.conn.State() == conn.Connecting || s.conn.State() == conn.Open {
			return
		}
		s.message = MessageConnecting
		s.conn.Connect()
		s.publish(Update{Kind: UpdateConnection})
	})
}

// Dispatch sends a player command. It reports false if the command was
// dropped.
func (s *Session) Dispatch(cmd remote.Command) (bool, error) {
	var sent bool
	err := s.do(func() { sent = s.dispatcher.Dispatch(cmd) })
	return sent, err
}

// Snapshot returns the log in the requested order plus the current status.
func (s *Session) Snapshot(order sublog.Order) (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() {
		snap = Snapshot{
			Status:  s.status(),
			Order:   order.String(),
			Entries: s.merger.Entries(order),
		}
	})
	return snap, err
}

// Status returns the current status.
func (s *Session) Status() (Status, error) {
	var st Status
	err := s.do(func() { st = s.status() })
	return st, err
}

// Subscribe registers fn for updates and returns a function that removes
// it. fn runs on the session loop and must not block or call back into the
// session.
func (s *Session) Subscribe(fn func(Update)) (func(), error) {
	var id int
	err := s.do(func() {
		id = s.nextSub
		s.nextSub++
		s.subs[id] = fn
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		_ = s.do(func() { delete(s.subs, id) })
	}, nil
}

func (s *Session) do(fn func()) error {
	s.loop.Start()
	if err := s.loop.Do(fn); err != nil {
		return ErrClosed
	}
	return nil
}

func (s *Session) status() Status {
	st := Status{
		Connection: s.conn.Status(),
		Message:    s.message,
		EpisodeID:  s.tracker.Current(),
		Entries:    s.merger.Len(),
		LatestID:   s.merger.Latest(),
	}
	if p, ok := s.tracker.Pending(); ok && !p.Null {
		st.Pending = p.Value
	}
	return st
}

func (s *Session) publish(u Update) {
	u.Status = s.status()
	for _, fn := range s.subs {
		fn(u)
	}
}

func (s *Session) handleFrame(frame []byte) {
	switch msg := wire.Decode(frame).(type) {
	case wire.Subtitle:
		entry, added := s.merger.Accept(msg)
		if entry.ID == "" {
			return
		}
		s.publish(Update{Kind: UpdateSubtitle, Entry: &entry, Added: added})
	case wire.EpisodeID:
		s.tracker.Notice(msg)
	case wire.Unparseable:
		log.Warn().Err(msg.Err).Str("frame", truncate(string(msg.Raw), 200)).Msg("[session] dropping inbound frame")
	}
}

func (s *Session) handleConn(ev conn.Event) {
	switch ev.Kind {
	case conn.EventOpened:
		s.message = MessageConnected
		log.Info().Str("episode", s.tracker.Current()).Msg("[session] sending identification after connect")
		s.identifier.Identify()
	case conn.EventClosed:
		if ev.Retrying {
			s.message = MessageLost
		}
	case conn.EventExhausted:
		s.message = MessageExhausted
	}
	s.publish(Update{Kind: UpdateConnection})
}

func (s *Session) handleSettle(st episode.Settlement) {
	if s.conn.IsOpen() {
		log.Info().Str("episode", st.Current).Str("outcome", st.Outcome.String()).Msg("[session] sending identification after episode settled")
	}
	s.identifier.Identify()
	if st.Outcome != episode.Unchanged {
		s.publish(Update{Kind: UpdateEpisode})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
