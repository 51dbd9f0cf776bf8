package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/gosuda/dialog/remote"
	"github.com/gosuda/dialog/session"
	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/sublog"
)

// displaySession is the part of session.Session the HTTP surface needs.
type displaySession interface {
	Snapshot(order sublog.Order) (session.Snapshot, error)
	Status() (session.Status, error)
	Dispatch(cmd remote.Command) (bool, error)
	Reconnect() error
}

// displayHub fans session updates out to browser displays.
type displayHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	quit       chan struct{}
	closeOnce  sync.Once
}

func newDisplayHub() *displayHub {
	h := &displayHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 128),
		register:   make(chan *wsClient, 32),
		unregister: make(chan *wsClient, 32),
		quit:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *displayHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.quit:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// publish runs on the session loop and never blocks it.
func (h *displayHub) publish(u session.Update) {
	msg, err := json.Marshal(struct {
		Type string `json:"type"`
		session.Update
	}{Type: "update", Update: u})
	if err != nil {
		log.Error().Err(err).Msg("[view] encode update failed")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("kind", string(u.Kind)).Msg("[view] display hub busy; update dropped")
	}
}

func (h *displayHub) close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

type wsClient struct {
	hub  *displayHub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// readPump turns display key presses into player commands.
func (c *wsClient) readPump(sess displaySession) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		typ := gjson.GetBytes(message, "type").String()
		if typ == "reconnect" {
			_ = sess.Reconnect()
			continue
		}
		kind, err := remote.ParseKind(typ)
		if err != nil {
			log.Debug().Err(err).Msg("[view] ignoring display message")
			continue
		}
		cmd, err := parseCommand(kind, message)
		if err != nil {
			log.Debug().Err(err).Msg("[view] ignoring display message")
			continue
		}
		_, _ = sess.Dispatch(cmd)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseCommand reads the numeric argument a command needs from a JSON body
// shaped like the relay frame for it.
func parseCommand(kind remote.Kind, body []byte) (remote.Command, error) {
	cmd := remote.Command{Kind: kind}
	field := ""
	switch kind {
	case remote.Seek:
		field = "timeInSeconds"
	case remote.SeekRelative:
		field = "offsetInSeconds"
	default:
		return cmd, nil
	}
	v := gjson.GetBytes(body, field)
	if v.Type != gjson.Number {
		return cmd, fmt.Errorf("%s requires numeric %s", kind, field)
	}
	cmd.Seconds = v.Float()
	if kind == remote.Seek && cmd.Seconds < 0 {
		return cmd, fmt.Errorf("%s must not be negative", field)
	}
	return cmd, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// newHandler sets up the display page, the control API and the websocket
// endpoint.
func newHandler(sess displaySession, st store.Store, hub *displayHub) http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = indexPage.Execute(w, nil)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			status, err := sess.Status()
			if err != nil {
				sessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		r.Get("/log", func(w http.ResponseWriter, r *http.Request) {
			p, err := loadPrefs(st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			order := p.order()
			if q := r.URL.Query().Get("order"); q != "" {
				o, ok := sublog.ParseOrder(q)
				if !ok {
					writeError(w, http.StatusBadRequest, fmt.Errorf("unknown order %q", q))
					return
				}
				order = o
			}
			snap, err := sess.Snapshot(order)
			if err != nil {
				sessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, struct {
				session.Snapshot
				ShowTimestamps bool `json:"showTimestamps"`
			}{snap, p.ShowTimestamps})
		})

		r.Get("/prefs", func(w http.ResponseWriter, r *http.Request) {
			p, err := loadPrefs(st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		})

		r.Put("/prefs", func(w http.ResponseWriter, r *http.Request) {
			p, err := loadPrefs(st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&p); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decode prefs: %w", err))
				return
			}
			if _, ok := sublog.ParseOrder(p.Order); !ok {
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown order %q", p.Order))
				return
			}
			p, err = savePrefs(st, p)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		})

		r.Post("/reconnect", func(w http.ResponseWriter, r *http.Request) {
			if err := sess.Reconnect(); err != nil {
				sessionError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Post("/{command}", func(w http.ResponseWriter, r *http.Request) {
			kind, err := remote.ParseKind(chi.URLParam(r, "command"))
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<12))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			cmd, err := parseCommand(kind, body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			sent, err := sess.Dispatch(cmd)
			if err != nil {
				sessionError(w, err)
				return
			}
			if !sent {
				writeJSON(w, http.StatusConflict, map[string]any{"sent": false, "error": "not connected"})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"sent": true})
		})
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &wsClient{hub: hub, conn: conn, send: make(chan []byte, 64)}
		select {
		case hub.register <- client:
		case <-hub.quit:
			_ = conn.Close()
			return
		}
		go client.writePump()
		client.readPump(sess)
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

var indexPage = template.Must(template.New("dialog").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Subtitle Log</title>
<style>
body { background: #111; color: #ddd; font: 18px/1.5 sans-serif; margin: 0; }
#status { padding: 6px 12px; background: #222; font-size: 14px; }
#log { padding: 12px; height: calc(100vh - 110px); overflow-y: auto; }
.entry { padding: 4px 0; cursor: pointer; }
.entry.latest { color: #fff; font-weight: bold; }
.ts { color: #888; margin-right: 8px; }
#controls { position: fixed; bottom: 0; width: 100%; padding: 8px; background: #222; }
button { font-size: 16px; margin-right: 6px; }
</style>
</head>
<body>
<div id="status">Connecting...</div>
<div id="log"></div>
<div id="controls">
  <button id="play">▶ / ⏸</button>
  <button id="back">⏮</button>
  <button id="fwd">⏭</button>
  <button id="ts">Show Timestamps</button>
  <button id="order">Sort: Newest First</button>
  <button id="reconnect">Reconnect</button>
</div>
<script>
let prefs = { order: "reverse", showTimestamps: false };
let ws;
const post = (path, body) => fetch("/api/" + path, { method: "POST", body: body ? JSON.stringify(body) : undefined });
const send = (msg) => { if (ws && ws.readyState === 1) ws.send(JSON.stringify(msg)); };

async function refresh() {
  const res = await fetch("/api/log");
  if (!res.ok) return;
  const data = await res.json();
  prefs.showTimestamps = data.showTimestamps;
  document.getElementById("status").textContent = data.status.message;
  const log = document.getElementById("log");
  log.innerHTML = "";
  for (const e of data.entries) {
    const div = document.createElement("div");
    div.className = "entry" + (e.id === data.status.latestId ? " latest" : "");
    div.dataset.seconds = e.timeInSeconds;
    if (prefs.showTimestamps) {
      const ts = document.createElement("span");
      ts.className = "ts";
      ts.textContent = "[" + e.time + "]";
      div.appendChild(ts);
    }
    div.appendChild(document.createTextNode(e.text));
    log.appendChild(div);
  }
  document.getElementById("ts").textContent = prefs.showTimestamps ? "Hide Timestamps" : "Show Timestamps";
  document.getElementById("order").textContent = prefs.order === "chronological" ? "Sort: Oldest First" : "Sort: Newest First";
}

async function savePrefs() {
  await fetch("/api/prefs", { method: "PUT", body: JSON.stringify(prefs) });
  refresh();
}

function connect() {
  ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  ws.onmessage = () => refresh();
  ws.onclose = () => setTimeout(connect, 2000);
}

document.getElementById("play").onclick = () => send({ type: "togglePlay" });
document.getElementById("back").onclick = () => send({ type: "seekRelative", offsetInSeconds: -10 });
document.getElementById("fwd").onclick = () => send({ type: "seekRelative", offsetInSeconds: 10 });
document.getElementById("reconnect").onclick = () => post("reconnect");
document.getElementById("ts").onclick = () => { prefs.showTimestamps = !prefs.showTimestamps; savePrefs(); };
document.getElementById("order").onclick = () => { prefs.order = prefs.order === "chronological" ? "reverse" : "chronological"; savePrefs(); };
document.getElementById("log").onclick = (ev) => {
  const entry = ev.target.closest(".entry");
  if (entry) send({ type: "seek", timeInSeconds: Number(entry.dataset.seconds) });
};
window.addEventListener("keydown", (e) => {
  if (e.code === "Space") { e.preventDefault(); send({ type: "togglePlay" }); }
  else if (e.code === "ArrowLeft") send({ type: "seekRelative", offsetInSeconds: -10 });
  else if (e.code === "ArrowRight") send({ type: "seekRelative", offsetInSeconds: 10 });
});

fetch("/api/prefs").then(r => r.json()).then(p => { prefs = p; refresh(); });
connect();
</script>
</body>
</html>
`))
