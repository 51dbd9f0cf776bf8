// Package remote turns display intents into frames for the paired player.
package remote

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/dialog/wire"
)

// DefaultSkip is the offset used by the skip-back and skip-forward controls.
const DefaultSkip = 10.0

// Sender is the connection the frames are written to.
type Sender interface {
	IsOpen() bool
	Send(frame []byte) bool
}

// Identifier announces which episode this display shows.
type Identifier struct {
	sender  Sender
	episode func() string
}

// NewIdentifier returns an Identifier reading the current episode from
// episode at send time.
func NewIdentifier(sender Sender, episode func() string) *Identifier {
	return &Identifier{sender: sender, episode: episode}
}

// Identify sends an identify frame if the connection is open. It reports
// whether a frame was sent; a closed connection is not an error.
func (i *Identifier) Identify() bool {
	if !i.sender.IsOpen() {
		return false
	}
	var id string
	if i.episode != nil {
		id = i.episode()
	}
	return send(i.sender, wire.Identify{EpisodeID: id})
}

// Kind names a player command.
type Kind string

const (
	TogglePlay   Kind = "togglePlay"
	Seek         Kind = "seek"
	SeekRelative Kind = "seekRelative"
)

// ParseKind accepts the wire names plus the dashed forms used in URLs.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "togglePlay", "toggle-play", "toggle":
		return TogglePlay, nil
	case "seek":
		return Seek, nil
	case "seekRelative", "seek-relative", "skip":
		return SeekRelative, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Command is a player intent. Seconds is the absolute position for Seek and
// the offset for SeekRelative; TogglePlay ignores it.
type Command struct {
	Kind    Kind
	Seconds float64
}

func (c Command) String() string {
	if c.Kind == TogglePlay {
		return string(c.Kind)
	}
	return string(c.Kind) + "(" + strconv.FormatFloat(c.Seconds, 'f', -1, 64) + ")"
}

// Frame maps the command to its outbound frame.
func (c Command) Frame() (wire.Outbound, error) {
	switch c.Kind {
	case TogglePlay:
		return wire.TogglePlay{}, nil
	case Seek:
		if c.Seconds < 0 {
			return nil, fmt.Errorf("seek to negative position %v", c.Seconds)
		}
		return wire.Seek{TimeInSeconds: c.Seconds}, nil
	case SeekRelative:
		return wire.SeekRelative{OffsetInSeconds: c.Seconds}, nil
	}
	return nil, fmt.Errorf("unknown command %q", c.Kind)
}

// Dispatcher sends player commands. It keeps no state of its own.
type Dispatcher struct {
	sender Sender
}

// NewDispatcher returns a Dispatcher writing to sender.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Dispatch sends cmd. It reports false when the command is invalid or the
// connection is not open; both cases are logged and dropped.
func (d *Dispatcher) Dispatch(cmd Command) bool {
	msg, err := cmd.Frame()
	if err != nil {
		log.Warn().Err(err).Msg("[remote] dropping command")
		return false
	}
	if !d.sender.IsOpen() {
		log.Info().Str("command", cmd.String()).Msg("[remote] not connected; command dropped")
		return false
	}
	log.Debug().Str("command", cmd.String()).Msg("[remote] sending command")
	return send(d.sender, msg)
}

func send(s Sender, msg wire.Outbound) bool {
	frame, err := wire.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("type", wire.TypeOf(msg)).Msg("[remote] encode failed")
		return false
	}
	return s.Send(frame)
}
