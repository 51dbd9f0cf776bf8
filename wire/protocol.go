// Package wire defines the JSON frames exchanged with the subtitle relay.
//
// Inbound frames decode into one of a closed set of variants; anything the
// display does not understand becomes Unparseable so callers can log and drop
// it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Message types carried in the "type" field.
const (
	TypeSubtitle     = "subtitle"
	TypeEpisodeID    = "episodeId"
	TypeIdentify     = "identify"
	TypeTogglePlay   = "togglePlay"
	TypeSeek         = "seek"
	TypeSeekRelative = "seekRelative"
)

// ClientDisplay is the role this program announces in identify frames.
const ClientDisplay = "display"

var (
	ErrInvalidJSON   = errors.New("frame is not valid JSON")
	ErrMissingType   = errors.New("frame has no type")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMissingFields = errors.New("frame is missing required fields")
	ErrInvalidField  = errors.New("frame has an invalid field")
)

// Inbound is a decoded frame received from the relay.
type Inbound interface {
	inbound()
}

// Subtitle is a caption line shown by the paired player.
type Subtitle struct {
	Text          string
	Time          string
	TimeInSeconds float64
}

// EpisodeID announces the episode currently playing. Null is set when the
// relay sent an explicit null or omitted the value.
type EpisodeID struct {
	Value string
	Null  bool
}

// Unparseable carries a frame that could not be decoded.
type Unparseable struct {
	Raw []byte
	Err error
}

func (Subtitle) inbound()    {}
func (EpisodeID) inbound()   {}
func (Unparseable) inbound() {}

func (u Unparseable) Error() string {
	return fmt.Sprintf("unparseable frame: %v", u.Err)
}

func (u Unparseable) Unwrap() error { return u.Err }

// Decode classifies a raw frame. It never fails; bad input is returned as
// Unparseable.
func Decode(frame []byte) Inbound {
	if !gjson.ValidBytes(frame) {
		return Unparseable{Raw: frame, Err: ErrInvalidJSON}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Unparseable{Raw: frame, Err: ErrInvalidJSON}
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Unparseable{Raw: frame, Err: ErrMissingType}
	}

	switch typ.Str {
	case TypeSubtitle:
		text := root.Get("text")
		tm := root.Get("time")
		// The player only sends lines that have both a caption and a clock.
		if text.Type != gjson.String || text.Str == "" || tm.Type != gjson.String || tm.Str == "" {
			return Unparseable{Raw: frame, Err: fmt.Errorf("%w: subtitle needs text and time", ErrMissingFields)}
		}
		if !utf8.ValidString(text.Str) || !utf8.ValidString(tm.Str) {
			return Unparseable{Raw: frame, Err: fmt.Errorf("%w: subtitle text is not valid UTF-8", ErrInvalidField)}
		}
		secs := root.Get("timeInSeconds")
		if secs.Type != gjson.Number {
			return Unparseable{Raw: frame, Err: fmt.Errorf("%w: subtitle needs numeric timeInSeconds", ErrMissingFields)}
		}
		v := secs.Float()
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Unparseable{Raw: frame, Err: fmt.Errorf("%w: timeInSeconds %s is not finite", ErrInvalidField, secs.Raw)}
		}
		return Subtitle{
			Text:          text.Str,
			Time:          tm.Str,
			TimeInSeconds: v,
		}
	case TypeEpisodeID:
		v := root.Get("episodeId")
		switch v.Type {
		case gjson.String:
			return EpisodeID{Value: v.Str}
		case gjson.Number:
			return EpisodeID{Value: v.Raw}
		case gjson.Null:
			return EpisodeID{Null: true}
		default:
			return Unparseable{Raw: frame, Err: fmt.Errorf("%w: episodeId must be a string", ErrMissingFields)}
		}
	default:
		return Unparseable{Raw: frame, Err: fmt.Errorf("%w %q", ErrUnknownType, typ.Str)}
	}
}

// Outbound is a frame sent to the relay.
type Outbound interface {
	outbound()
}

// Identify tells the relay which episode this display is showing. An empty
// EpisodeID is sent as null.
type Identify struct {
	EpisodeID string
}

// TogglePlay asks the player to pause or resume.
type TogglePlay struct{}

// Seek moves the player to an absolute position.
type Seek struct {
	TimeInSeconds float64
}

// SeekRelative moves the player by an offset, negative for rewinding.
type SeekRelative struct {
	OffsetInSeconds float64
}

func (Identify) outbound()     {}
func (TogglePlay) outbound()   {}
func (Seek) outbound()         {}
func (SeekRelative) outbound() {}

type identifyFrame struct {
	Type      string  `json:"type"`
	Client    string  `json:"client"`
	EpisodeID *string `json:"episodeId"`
}

type typeFrame struct {
	Type string `json:"type"`
}

type seekFrame struct {
	Type          string  `json:"type"`
	TimeInSeconds float64 `json:"timeInSeconds"`
}

type seekRelativeFrame struct {
	Type            string  `json:"type"`
	OffsetInSeconds float64 `json:"offsetInSeconds"`
}

// Encode renders an outbound frame as JSON.
func Encode(msg Outbound) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case Identify:
		f := identifyFrame{Type: TypeIdentify, Client: ClientDisplay}
		if m.EpisodeID != "" {
			id := m.EpisodeID
			f.EpisodeID = &id
		}
		v = f
	case TogglePlay:
		v = typeFrame{Type: TypeTogglePlay}
	case Seek:
		v = seekFrame{Type: TypeSeek, TimeInSeconds: m.TimeInSeconds}
	case SeekRelative:
		v = seekRelativeFrame{Type: TypeSeekRelative, OffsetInSeconds: m.OffsetInSeconds}
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return json.Marshal(v)
}

// TypeOf returns the wire type name of an outbound frame, for logging.
func TypeOf(msg Outbound) string {
	switch msg.(type) {
	case Identify:
		return TypeIdentify
	case TogglePlay:
		return TypeTogglePlay
	case Seek:
		return TypeSeek
	case SeekRelative:
		return TypeSeekRelative
	}
	return fmt.Sprintf("%T", msg)
}
