package web

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/scan"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

// Messages pushed to browser tabs. Type tells the page how to render them.
type statusMsg struct {
	Type  string `json:"type"` // "status"
	Level string `json:"level"`
	Text  string `json:"text"`
}

type snapshotMsg struct {
	Type    string                    `json:"type"` // "snapshot"
	Records []market.ClassifiedRecord `json:"records"`
}

type recordMsg struct {
	Type   string                  `json:"type"` // "record"
	Record market.ClassifiedRecord `json:"record"`
}

type scanMsg struct {
	Type   string       `json:"type"` // "scan"
	Report *scan.Report `json:"report"`
}

type controlMsg struct {
	Type   string `json:"type"`   // "control"
	Action string `json:"action"` // pause | resume
}

type client struct {
	c      *websocket.Conn
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

// hub fans dashboard events out to every connected tab. A paused tab still
// receives status messages.
type hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	snapshot func() []market.ClassifiedRecord
	log      *logger.Logger
}

func newHub(snapshot func() []market.ClassifiedRecord, log *logger.Logger) *hub {
	return &hub{
		clients:  make(map[*client]struct{}),
		snapshot: snapshot,
		log:      log,
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast never blocks; a tab whose queue is full misses the message.
func (h *hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- v:
		default:
		}
	}
}

func (h *hub) status(level, text string) {
	h.broadcast(statusMsg{Type: "status", Level: level, Text: text})
}

func (h *hub) publishRecord(r market.ClassifiedRecord) {
	h.broadcast(recordMsg{Type: "record", Record: r})
}

func (h *hub) publishScan(r *scan.Report) {
	h.broadcast(scanMsg{Type: "scan", Report: r})
}

func (h *hub) add(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(n))
}

func (h *hub) remove(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(n))
}

func (cl *client) send(v any) {
	select {
	case cl.out <- v:
	default:
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cl := &client{c: conn, out: make(chan any, 256), done: make(chan struct{})}
	h.add(cl)
	defer h.remove(cl)

	go h.writeLoop(cl)

	cl.send(statusMsg{Type: "status", Level: "info", Text: "Connected"})
	records := []market.ClassifiedRecord{}
	if h.snapshot != nil {
		if snap := h.snapshot(); snap != nil {
			records = snap
		}
	}
	cl.send(snapshotMsg{Type: "snapshot", Records: records})

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ctrl controlMsg
		if err := sonnet.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
			continue
		}
		switch strings.ToLower(ctrl.Action) {
		case "pause":
			cl.paused.Store(true)
			cl.send(statusMsg{Type: "status", Level: "info", Text: "Paused (this tab)"})
		case "resume":
			cl.paused.Store(false)
			cl.send(statusMsg{Type: "status", Level: "success", Text: "Resumed (this tab)"})
		}
	}
	close(cl.done)
}

func (h *hub) writeLoop(cl *client) {
	ping := time.NewTicker(45 * time.Second)
	defer ping.Stop()
	for {
		select {
		case v := <-cl.out:
			if cl.paused.Load() {
				if _, ok := v.(statusMsg); !ok {
					continue
				}
			}
			b, err := sonnet.Marshal(v)
			if err != nil {
				h.log.Errorw("encode dashboard message", "error", err)
				continue
			}
			if err := cl.c.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = cl.c.WriteMessage(websocket.PingMessage, nil)
		case <-cl.done:
			return
		}
	}
}
