// Package sublog keeps the deduplicated subtitle log for the active episode.
package sublog

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/wire"
)

// DefaultWindow is how close, in seconds, two lines with the same text must
// be to count as one.
const DefaultWindow = 2.0

// Entry is one accepted subtitle line.
type Entry struct {
	ID            string  `json:"id"`
	Text          string  `json:"text"`
	Time          string  `json:"time"`
	TimeInSeconds float64 `json:"timeInSeconds"`
}

// Order selects how Entries are returned.
type Order int

const (
	// Insertion is the canonical order lines were accepted in.
	Insertion Order = iota
	// Oldest sorts ascending by playback time.
	Oldest
	// Newest sorts descending by playback time.
	Newest
)

// ParseOrder maps "oldest"/"chronological" and "newest"/"reverse" to an
// Order. Anything else yields Insertion and false.
func ParseOrder(s string) (Order, bool) {
	switch s {
	case "oldest", "chronological", "asc":
		return Oldest, true
	case "newest", "reverse", "desc":
		return Newest, true
	case "insertion", "":
		return Insertion, s != ""
	}
	return Insertion, false
}

func (o Order) String() string {
	switch o {
	case Oldest:
		return "oldest"
	case Newest:
		return "newest"
	}
	return "insertion"
}

// Merger owns the in-memory log. It is not safe for concurrent use; the
// session drives it from a single loop goroutine.
type Merger struct {
	store   store.Store
	window  float64
	newID   func() string
	context string
	entries []Entry
	latest  string
}

// Option configures a Merger.
type Option func(*Merger)

// WithWindow overrides the duplicate window in seconds.
func WithWindow(seconds float64) Option {
	return func(m *Merger) {
		if seconds > 0 {
			m.window = seconds
		}
	}
}

// WithIDs overrides entry id generation.
func WithIDs(fn func() string) Option {
	return func(m *Merger) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMerger returns an empty merger writing through st.
func NewMerger(st store.Store, opts ...Option) *Merger {
	m := &Merger{
		store:   st,
		window:  DefaultWindow,
		newID:   uuid.NewString,
		entries: make([]Entry, 0, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Accept merges one subtitle event. It returns the entry that now represents
// the line and whether it was newly appended. Lines that could not be stored
// faithfully (non-finite time, invalid UTF-8) are dropped and a zero Entry is
// returned.
func (m *Merger) Accept(sub wire.Subtitle) (Entry, bool) {
	if !storable(sub) {
		log.Warn().Float64("seconds", sub.TimeInSeconds).Msg("[sublog] dropping subtitle that cannot be persisted")
		return Entry{}, false
	}
	if existing, ok := m.findDuplicate(sub); ok {
		m.latest = existing.ID
		return existing, false
	}
	e := Entry{
		ID:            m.newID(),
		Text:          sub.Text,
		Time:          sub.Time,
		TimeInSeconds: sub.TimeInSeconds,
	}
	m.entries = append(m.entries, e)
	m.latest = e.ID
	m.persist()
	return e, true
}

func storable(sub wire.Subtitle) bool {
	if math.IsNaN(sub.TimeInSeconds) || math.IsInf(sub.TimeInSeconds, 0) {
		return false
	}
	return utf8.ValidString(sub.Text) && utf8.ValidString(sub.Time)
}

func (m *Merger) findDuplicate(sub wire.Subtitle) (Entry, bool) {
	return lo.Find(m.entries, func(e Entry) bool {
		return isDuplicate(e, sub.Text, sub.TimeInSeconds, m.window)
	})
}

func isDuplicate(e Entry, text string, seconds, window float64) bool {
	return e.Text == text && math.Abs(e.TimeInSeconds-seconds) < window
}

// LoadForContext replaces the in-memory log with the stored snapshot for id.
// A missing or unreadable snapshot yields an empty log.
func (m *Merger) LoadForContext(id string) {
	m.context = id
	m.entries = m.entries[:0]
	m.latest = ""
	if id == "" || m.store == nil {
		return
	}
	data, ok, err := m.store.Get(store.LogKey(id))
	if err != nil {
		log.Warn().Err(err).Str("episode", id).Msg("[sublog] read snapshot failed; starting empty")
		return
	}
	if !ok {
		return
	}
	entries, err := DecodeSnapshot(data)
	if err != nil {
		log.Warn().Err(err).Str("episode", id).Msg("[sublog] stored log is unreadable; starting empty")
		return
	}
	m.entries = append(m.entries, entries...)
	log.Debug().Str("episode", id).Int("entries", len(entries)).Msg("[sublog] loaded log")
}

// Clear empties the in-memory log without touching the store.
func (m *Merger) Clear() {
	m.entries = m.entries[:0]
	m.latest = ""
}

// Context returns the episode the log belongs to.
func (m *Merger) Context() string { return m.context }

// Latest returns the id of the most recently matched or appended entry.
func (m *Merger) Latest() string { return m.latest }

// Len returns the number of entries.
func (m *Merger) Len() int { return len(m.entries) }

// Entries returns a copy of the log in the requested order.
func (m *Merger) Entries(order Order) []Entry {
	return Sorted(m.entries, order)
}

// Persist writes the full log for the active episode. An empty log removes
// the stored snapshot. Failures are logged; the in-memory log stays as is.
func (m *Merger) Persist() {
	m.persist()
}

func (m *Merger) persist() {
	if m.context == "" || m.store == nil {
		return
	}
	key := store.LogKey(m.context)
	if len(m.entries) == 0 {
		if err := m.store.Remove(key); err != nil {
			log.Warn().Err(err).Str("episode", m.context).Msg("[sublog] remove empty log failed")
		}
		return
	}
	data, err := json.Marshal(m.entries)
	if err != nil {
		log.Error().Err(err).Str("episode", m.context).Msg("[sublog] encode log failed")
		return
	}
	if err := m.store.Set(key, data); err != nil {
		log.Warn().Err(err).Str("episode", m.context).Msg("[sublog] save log failed")
	}
}

// DecodeSnapshot parses a stored log snapshot.
func DecodeSnapshot(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode log snapshot: %w", err)
	}
	return entries, nil
}

// Sorted returns a copy of entries in the requested order. Ties keep their
// insertion order.
func Sorted(entries []Entry, order Order) []Entry {
	out := slices.Clone(entries)
	switch order {
	case Oldest:
		slices.SortStableFunc(out, func(a, b Entry) int {
			return compareSeconds(a.TimeInSeconds, b.TimeInSeconds)
		})
	case Newest:
		slices.SortStableFunc(out, func(a, b Entry) int {
			return compareSeconds(b.TimeInSeconds, a.TimeInSeconds)
		})
	}
	if out == nil {
		out = []Entry{}
	}
	return out
}

func compareSeconds(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
