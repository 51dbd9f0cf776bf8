// Package episode tracks which episode the paired player is showing.
//
// The player tends to emit bursts of episodeId frames while it changes state,
// so candidates are debounced: only the value that is still current after a
// quiet period is applied.
package episode

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/wire"
)

// DefaultDebounce is the quiet period before a candidate settles.
const DefaultDebounce = 300 * time.Millisecond

// Outcome describes what a settlement did.
type Outcome int

const (
	// Established means no episode was set before.
	Established Outcome = iota + 1
	// Unchanged means the candidate equals the current episode.
	Unchanged
	// Switched means the episode changed and the log was reset.
	Switched
)

func (o Outcome) String() string {
	switch o {
	case Established:
		return "established"
	case Unchanged:
		return "unchanged"
	case Switched:
		return "switched"
	}
	return "unknown"
}

// Settlement is reported after every valid candidate settles.
type Settlement struct {
	Outcome  Outcome
	Previous string
	Current  string
}

// Logs is the part of the subtitle log the tracker drives.
type Logs interface {
	LoadForContext(id string)
	Clear()
	Persist()
}

// Options configures a Tracker.
type Options struct {
	Store    store.Store
	Logs     Logs
	Debounce time.Duration
	Clock    clock.Clock
	// Enqueue runs settlement work on the owner's loop. When nil the timer
	// callback runs it directly.
	Enqueue func(func()) bool
	// OnSettle is called after each valid settlement.
	OnSettle func(Settlement)
}

type pendingUpdate struct {
	candidate wire.EpisodeID
	timer     *clock.Timer
	gen       uint64
}

// Tracker owns the current episode id. Methods must be called from a single
// goroutine; the session calls them from its loop.
type Tracker struct {
	opts    Options
	current string
	pending *pendingUpdate
	gen     uint64
}

// NewTracker returns a tracker with no current episode.
func NewTracker(opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Enqueue == nil {
		opts.Enqueue = func(fn func()) bool {
			fn()
			return true
		}
	}
	return &Tracker{opts: opts}
}

// Current returns the settled episode id, or "" when none is set.
func (t *Tracker) Current() string { return t.current }

// Pending returns the candidate waiting to settle, if any.
func (t *Tracker) Pending() (wire.EpisodeID, bool) {
	if t.pending == nil {
		return wire.EpisodeID{}, false
	}
	return t.pending.candidate, true
}

// Seed sets the current episode without debouncing, as done at startup from
// the last stored id. Invalid ids are ignored.
func (t *Tracker) Seed(id string) {
	if !Valid(id) {
		return
	}
	t.current = id
	if t.opts.Logs != nil {
		t.opts.Logs.LoadForContext(id)
	}
	log.Info().Str("episode", id).Msg("[episode] restored last episode")
}

// Notice records a candidate from the relay and restarts the debounce timer.
func (t *Tracker) Notice(candidate wire.EpisodeID) {
	t.stopPending()
	t.gen++
	gen := t.gen
	p := &pendingUpdate{candidate: candidate, gen: gen}
	p.timer = t.opts.Clock.AfterFunc(t.opts.Debounce, func() {
		t.opts.Enqueue(func() { t.settle(gen) })
	})
	t.pending = p
}

// Cancel drops any pending candidate.
func (t *Tracker) Cancel() {
	t.stopPending()
	t.gen++
}

func (t *Tracker) stopPending() {
	if t.pending != nil {
		t.pending.timer.Stop()
		t.pending = nil
	}
}

func (t *Tracker) settle(gen uint64) {
	// A timer that fired just before being replaced or cancelled may still
	// deliver; only the latest generation may settle.
	if t.pending == nil || t.pending.gen != gen {
		return
	}
	candidate := t.pending.candidate
	t.pending = nil

	if candidate.Null || !Valid(candidate.Value) {
		log.Warn().Str("candidate", candidate.Value).Bool("null", candidate.Null).Msg("[episode] invalid episode id; ignoring")
		return
	}
	next := candidate.Value
	prev := t.current

	if t.opts.Store != nil {
		if err := t.opts.Store.Set(store.CurrentContextKey, []byte(next)); err != nil {
			log.Warn().Err(err).Msg("[episode] save current episode failed")
		}
	}

	var outcome Outcome
	switch {
	case prev == "":
		outcome = Established
		t.current = next
		if t.opts.Logs != nil {
			t.opts.Logs.LoadForContext(next)
		}
		log.Info().Str("episode", next).Msg("[episode] first episode id; loading log")
	case prev == next:
		outcome = Unchanged
		log.Debug().Str("episode", next).Msg("[episode] same episode id; nothing to do")
	default:
		outcome = Switched
		t.retire(prev)
		t.current = next
		if t.opts.Logs != nil {
			t.opts.Logs.LoadForContext(next)
		}
		log.Info().Str("from", prev).Str("to", next).Msg("[episode] episode changed; log reset")
	}

	if t.opts.OnSettle != nil {
		t.opts.OnSettle(Settlement{Outcome: outcome, Previous: prev, Current: t.current})
	}
}

// retire flushes the outgoing episode's log, drops its snapshot and clears
// the in-memory copy.
func (t *Tracker) retire(prev string) {
	if t.opts.Logs != nil {
		t.opts.Logs.Persist()
	}
	if t.opts.Store != nil {
		if err := t.opts.Store.Remove(store.LogKey(prev)); err != nil {
			log.Warn().Err(err).Str("episode", prev).Msg("[episode] remove previous log failed")
		}
	}
	if t.opts.Logs != nil {
		t.opts.Logs.Clear()
	}
}

// Valid reports whether id can name an episode. Empty strings and the
// "null"/"undefined" strings some players send are rejected.
func Valid(id string) bool {
	switch id {
	case "", "null", "undefined":
		return false
	}
	return true
}
