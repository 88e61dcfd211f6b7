// Package dashboard serves the embedded chart page and feeds it drawing
// operations over a websocket. The hub is the renderer's Surface: every
// operation both broadcasts to connected pages and updates the hub's replay
// state, so a page connecting mid-session receives the full picture before
// live updates resume.
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"oipulse/internal/metrics"
	"oipulse/internal/series"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Events are the page actions the hub forwards to the poll pipeline.
// Unset callbacks are ignored.
type Events struct {
	OnVisible func()
	OnRetry   func()
	OnStop    func()
	OnStart   func()
}

type drawable struct {
	Color string
	Data  []series.Point
}

type statusState struct {
	State   string
	Message string
	Updated string
}

type bannerState struct {
	Offline bool
	Reason  string
}

// Hub tracks connected pages and the drawing state they should show.
type Hub struct {
	prom   *metrics.Metrics
	events Events

	mu      sync.RWMutex
	clients map[*client]bool
	hello   []byte
	panes   map[int][]drawable
	status  statusState
	banner  bannerState
}

// NewHub creates an empty hub. Wire it as the chart renderer's Surface and
// as the scheduler's status listener.
func NewHub(prom *metrics.Metrics, events Events) *Hub {
	return &Hub{
		prom:    prom,
		events:  events,
		clients: make(map[*client]bool),
		panes:   make(map[int][]drawable),
	}
}

// SetHello installs the greeting sent first to every new page: the pane
// layout plus the API base URL the page calls for custom indicator CRUD.
func (h *Hub) SetHello(panes any, apiBase string) {
	msg, err := json.Marshal(map[string]any{"type": "hello", "panes": panes, "api": apiBase})
	if err != nil {
		log.Printf("[dashboard] marshal hello: %v", err)
		return
	}
	h.mu.Lock()
	h.hello = msg
	h.mu.Unlock()
}

// AddSeries implements chart.Surface.
func (h *Hub) AddSeries(pane, index int, color string) {
	h.mu.Lock()
	ds := h.panes[pane]
	if index == len(ds) {
		h.panes[pane] = append(ds, drawable{Color: color})
	} else if index < len(ds) {
		ds[index] = drawable{Color: color}
	}
	h.mu.Unlock()
	h.broadcast(map[string]any{"type": "series:add", "pane": pane, "index": index, "color": color})
}

// SetData implements chart.Surface.
func (h *Hub) SetData(pane, index int, data []series.Point) {
	if data == nil {
		data = []series.Point{}
	}
	h.mu.Lock()
	if ds := h.panes[pane]; index < len(ds) {
		ds[index].Data = data
	}
	h.mu.Unlock()
	h.broadcast(map[string]any{"type": "series:data", "pane": pane, "index": index, "points": data})
}

// SetStyle implements chart.Surface.
func (h *Hub) SetStyle(pane, index int, color string) {
	h.mu.Lock()
	if ds := h.panes[pane]; index < len(ds) {
		ds[index].Color = color
	}
	h.mu.Unlock()
	h.broadcast(map[string]any{"type": "series:style", "pane": pane, "index": index, "color": color})
}

// RemoveSeries implements chart.Surface. The renderer only removes the
// current last index of a pane.
func (h *Hub) RemoveSeries(pane, index int) {
	h.mu.Lock()
	if ds := h.panes[pane]; index < len(ds) {
		h.panes[pane] = ds[:index]
	}
	h.mu.Unlock()
	h.broadcast(map[string]any{"type": "series:remove", "pane": pane, "index": index})
}

// SetStatus mirrors the scheduler state line on every page. Shaped to plug
// straight into the scheduler's OnStatus hook.
func (h *Hub) SetStatus(state, message string, updated time.Time) {
	st := statusState{State: state, Message: message}
	if !updated.IsZero() {
		st.Updated = updated.UTC().Format(time.RFC3339)
	}
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
	h.broadcast(statusEnvelope(st))
}

// SetBanner raises or clears the offline banner.
func (h *Hub) SetBanner(offline bool, reason string) {
	b := bannerState{Offline: offline, Reason: reason}
	h.mu.Lock()
	h.banner = b
	h.mu.Unlock()
	h.broadcast(bannerEnvelope(b))
}

func statusEnvelope(st statusState) map[string]any {
	return map[string]any{"type": "status", "state": st.State, "message": st.Message, "updated": st.Updated}
}

func bannerEnvelope(b bannerState) map[string]any {
	return map[string]any{"type": "banner", "offline": b.Offline, "reason": b.Reason}
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("[dashboard] marshal broadcast: %v", err)
		return
	}
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.mu.RUnlock()
	h.prom.WSBroadcasts.Inc()
}

// replayMessages renders the hub state as the ordered message list a fresh
// page needs: hello, every live series with its data, then status and
// banner.
func (h *Hub) replayMessages() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out [][]byte
	if h.hello != nil {
		out = append(out, h.hello)
	}

	paneIDs := make([]int, 0, len(h.panes))
	for p := range h.panes {
		paneIDs = append(paneIDs, p)
	}
	sort.Ints(paneIDs)
	for _, p := range paneIDs {
		for i, d := range h.panes[p] {
			add, _ := json.Marshal(map[string]any{"type": "series:add", "pane": p, "index": i, "color": d.Color})
			out = append(out, add)
			pts := d.Data
			if pts == nil {
				pts = []series.Point{}
			}
			data, _ := json.Marshal(map[string]any{"type": "series:data", "pane": p, "index": i, "points": pts})
			out = append(out, data)
		}
	}

	if st, _ := json.Marshal(statusEnvelope(h.status)); st != nil {
		out = append(out, st)
	}
	if b, _ := json.Marshal(bannerEnvelope(h.banner)); b != nil {
		out = append(out, b)
	}
	return out
}

// ServeWS upgrades the connection and registers the page.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[dashboard] ws upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(true)

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	for _, msg := range h.replayMessages() {
		c.send <- msg
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.prom.WSClients.Inc()
	log.Printf("[dashboard] ws client connected (%d total)", count)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.prom.WSClients.Dec()
	}
	h.mu.Unlock()
}
