package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	open   bool
	frames []string
}

func (f *fakeSender) IsOpen() bool { return f.open }

func (f *fakeSender) Send(frame []byte) bool {
	f.frames = append(f.frames, string(frame))
	return true
}

func TestIdentifyWhenOpen(t *testing.T) {
	s := &fakeSender{open: true}
	episode := "E1"
	id := NewIdentifier(s, func() string { return episode })

	require.True(t, id.Identify())
	episode = ""
	require.True(t, id.Identify())

	require.Len(t, s.frames, 2)
	require.JSONEq(t, `{"type":"identify","client":"display","episodeId":"E1"}`, s.frames[0])
	require.JSONEq(t, `{"type":"identify","client":"display","episodeId":null}`, s.frames[1])
}

func TestIdentifyWhenClosedSendsNothing(t *testing.T) {
	s := &fakeSender{}
	id := NewIdentifier(s, func() string { return "E1" })
	require.False(t, id.Identify())
	require.Empty(t, s.frames)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Kind: TogglePlay}, `{"type":"togglePlay"}`},
		{Command{Kind: Seek, Seconds: 83.2}, `{"type":"seek","timeInSeconds":83.2}`},
		{Command{Kind: SeekRelative, Seconds: -DefaultSkip}, `{"type":"seekRelative","offsetInSeconds":-10}`},
		{Command{Kind: SeekRelative, Seconds: DefaultSkip}, `{"type":"seekRelative","offsetInSeconds":10}`},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			s := &fakeSender{open: true}
			require.True(t, NewDispatcher(s).Dispatch(tt.cmd))
			require.Len(t, s.frames, 1)
			require.JSONEq(t, tt.want, s.frames[0])
		})
	}
}

func TestDispatchDropped(t *testing.T) {
	closed := &fakeSender{}
	require.False(t, NewDispatcher(closed).Dispatch(Command{Kind: TogglePlay}))
	require.Empty(t, closed.frames)

	open := &fakeSender{open: true}
	require.False(t, NewDispatcher(open).Dispatch(Command{Kind: "rewind"}))
	require.False(t, NewDispatcher(open).Dispatch(Command{Kind: Seek, Seconds: -1}))
	require.Empty(t, open.frames)
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"togglePlay": TogglePlay, "toggle-play": TogglePlay,
		"seek": Seek, "seekRelative": SeekRelative, "seek-relative": SeekRelative,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseKind("eject")
	require.Error(t, err)
}
