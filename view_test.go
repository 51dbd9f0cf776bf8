package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/dialog/remote"
	"github.com/gosuda/dialog/session"
	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/sublog"
)

type fakeSession struct {
	mu         sync.Mutex
	open       bool
	closed     bool
	entries    []sublog.Entry
	dispatched []remote.Command
	reconnects int
}

func (f *fakeSession) Snapshot(order sublog.Order) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.Snapshot{}, session.ErrClosed
	}
	return session.Snapshot{
		Status:  session.Status{Message: session.MessageConnected, EpisodeID: "E1", Entries: len(f.entries)},
		Order:   order.String(),
		Entries: sublog.Sorted(f.entries, order),
	}, nil
}

func (f *fakeSession) Status() (session.Status, error) {
	snap, err := f.Snapshot(sublog.Insertion)
	return snap.Status, err
}

func (f *fakeSession) Dispatch(cmd remote.Command) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, session.ErrClosed
	}
	if !f.open {
		return false, nil
	}
	f.dispatched = append(f.dispatched, cmd)
	return true, nil
}

func (f *fakeSession) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeSession) commands() []remote.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Command(nil), f.dispatched...)
}

type viewFixture struct {
	sess  *fakeSession
	store *store.Pebble
	hub   *displayHub
	srv   *httptest.Server
}

func newViewFixture(t *testing.T) *viewFixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	f := &viewFixture{
		sess: &fakeSession{open: true, entries: []sublog.Entry{
			{ID: "a", Text: "first", Time: "00:05", TimeInSeconds: 5},
			{ID: "b", Text: "second", Time: "00:09", TimeInSeconds: 9},
		}},
		store: st,
		hub:   newDisplayHub(),
	}
	f.srv = httptest.NewServer(newHandler(f.sess, st, f.hub))
	t.Cleanup(func() {
		f.srv.Close()
		f.hub.close()
		_ = st.Close()
	})
	return f
}

func (f *viewFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestIndexAndHealth(t *testing.T) {
	f := newViewFixture(t)
	res, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLogUsesPreferenceOrder(t *testing.T) {
	f := newViewFixture(t)

	res, body := f.do(t, http.MethodGet, "/api/log", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "newest", body["order"])
	require.Equal(t, false, body["showTimestamps"])
	entries := body["entries"].([]any)
	require.Equal(t, "second", entries[0].(map[string]any)["text"])

	res, body = f.do(t, http.MethodPut, "/api/prefs", `{"order":"chronological","showTimestamps":true}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "chronological", body["order"])

	_, body = f.do(t, http.MethodGet, "/api/log", "")
	require.Equal(t, "oldest", body["order"])
	require.Equal(t, true, body["showTimestamps"])

	_, body = f.do(t, http.MethodGet, "/api/log?order=newest", "")
	require.Equal(t, "newest", body["order"])

	res, _ = f.do(t, http.MethodGet, "/api/log?order=sideways", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	v, ok, err := f.store.Get(store.PrefTimestampsKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", string(v))
}

func TestPrefsRejectUnknownOrder(t *testing.T) {
	f := newViewFixture(t)
	res, _ := f.do(t, http.MethodPut, "/api/prefs", `{"order":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPut, "/api/prefs", `not json`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCommandEndpoints(t *testing.T) {
	f := newViewFixture(t)

	res, body := f.do(t, http.MethodPost, "/api/toggle-play", "")
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Equal(t, true, body["sent"])

	res, _ = f.do(t, http.MethodPost, "/api/seek-relative", `{"offsetInSeconds":-10}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res, _ = f.do(t, http.MethodPost, "/api/seek", `{"timeInSeconds":42.5}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	require.Equal(t, []remote.Command{
		{Kind: remote.TogglePlay},
		{Kind: remote.SeekRelative, Seconds: -10},
		{Kind: remote.Seek, Seconds: 42.5},
	}, f.sess.commands())

	res, _ = f.do(t, http.MethodPost, "/api/seek", `{"timeInSeconds":"soon"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/seek", `{"timeInSeconds":-1}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/rewind", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	f.sess.mu.Lock()
	f.sess.open = false
	f.sess.mu.Unlock()
	res, body = f.do(t, http.MethodPost, "/api/toggle-play", "")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, false, body["sent"])

	res, _ = f.do(t, http.MethodPost, "/api/reconnect", "")
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()
	require.Equal(t, 1, f.sess.reconnects)
}

func TestClosedSessionIsUnavailable(t *testing.T) {
	f := newViewFixture(t)
	f.sess.mu.Lock()
	f.sess.closed = true
	f.sess.mu.Unlock()
	res, _ := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/toggle-play", "")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestDisplaySocket(t *testing.T) {
	f := newViewFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"seekRelative","offsetInSeconds":10}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"togglePlay"}`)))
	require.Eventually(t, func() bool { return len(f.sess.commands()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, remote.Command{Kind: remote.SeekRelative, Seconds: 10}, f.sess.commands()[0])

	// registration is asynchronous; keep publishing until one arrives
	got := make(chan []byte, 1)
	go func() {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err == nil {
			got <- data
		}
		close(got)
	}()
	var data []byte
	require.Eventually(t, func() bool {
		f.hub.publish(session.Update{Kind: session.UpdateSubtitle, Added: true})
		select {
		case data = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, bytes.Contains(data, []byte(`"type":"update"`)))
	require.True(t, bytes.Contains(data, []byte(`"kind":"subtitle"`)))
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand(remote.TogglePlay, nil)
	require.NoError(t, err)
	require.Equal(t, remote.Command{Kind: remote.TogglePlay}, cmd)

	cmd, err = parseCommand(remote.SeekRelative, []byte(`{"offsetInSeconds":-2.5}`))
	require.NoError(t, err)
	require.Equal(t, -2.5, cmd.Seconds)

	_, err = parseCommand(remote.SeekRelative, []byte(`{}`))
	require.Error(t, err)
}
