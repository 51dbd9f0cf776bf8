package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/dialog/store"
)

func seededStore(t *testing.T) *store.Pebble {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Set(store.CurrentContextKey, []byte("E2")))
	require.NoError(t, st.Set(store.LogKey("E1"), []byte(`[{"id":"x","text":"old","time":"00:01","timeInSeconds":1}]`)))
	require.NoError(t, st.Set(store.LogKey("E2"), []byte(`[
		{"id":"a","text":"early","time":"00:03","timeInSeconds":3},
		{"id":"b","text":"late","time":"01:10","timeInSeconds":70}]`)))
	return st
}

func TestPrintLogDefaultsToCurrentEpisodeNewestFirst(t *testing.T) {
	st := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, printLog(&buf, st, "", "", false))
	out := buf.String()
	require.Less(t, strings.Index(out, "late"), strings.Index(out, "early"))
	require.NotContains(t, out, "01:10")
}

func TestPrintLogOldestWithTimestamps(t *testing.T) {
	st := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, printLog(&buf, st, "E2", "oldest", true))
	out := buf.String()
	require.Less(t, strings.Index(out, "early"), strings.Index(out, "late"))
	require.Contains(t, out, "01:10")

	require.Error(t, printLog(&buf, st, "E2", "sideways", false))
}

func TestPrintLogMissingEpisode(t *testing.T) {
	st := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, printLog(&buf, st, "E9", "", false))
	require.Contains(t, buf.String(), "No subtitles stored for E9")

	empty, err := store.OpenMemory()
	require.NoError(t, err)
	defer empty.Close()
	require.Error(t, printLog(&buf, empty, "", "", false))
}

func TestPrintEpisodes(t *testing.T) {
	st := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, printEpisodes(&buf, st))
	out := buf.String()
	require.Contains(t, out, "E1")
	require.Contains(t, out, "E2")
	require.Contains(t, out, "*")
}

func TestPrintEpisodesUnreadableLog(t *testing.T) {
	st := seededStore(t)
	require.NoError(t, st.Set(store.LogKey("E3"), []byte("{broken")))
	var buf bytes.Buffer
	require.NoError(t, printEpisodes(&buf, st))
	line := ""
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "E3") {
			line = l
		}
	}
	require.Contains(t, line, "?")
}

func TestLogTableCaptionCountsLines(t *testing.T) {
	st := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, printLog(&buf, st, "E2", "", false))
	require.Contains(t, buf.String(), "2 lines")
}
