package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/metrics"
	"github.com/vTajae/predictable/pkg/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Defaults seeds every new subscriber's preferences from the environment.
type Defaults struct {
	ProdType     string
	OddsFormat   string
	EVThreshold  float64
	ArbThreshold float64
}

// prefs is one subscriber's mutable delivery state, guarded by Conn.mu.
type prefs struct {
	prodType       string
	evThreshold    float64
	arbThreshold   float64
	filters        FilterValues
	sets           FilterSets
	quietControls  bool
	debugScope     bool
	includeFilters bool
}

// Conn is one websocket subscriber. The read side is driven by the
// endpoint; the hub owns the buffered send queue and the write pump.
type Conn struct {
	ID     string
	Format *stream.FormatHolder

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	prefs     prefs
	closeOnce sync.Once
}

// Hub tracks subscribers and fans derived payloads out to each of them
// through its preference and filter matrix.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Conn]bool

	fxMu           sync.Mutex
	fxParticipants map[string][2]string

	defaults Defaults
	metrics  *metrics.GatewayMetrics
}

func NewHub(d Defaults, m *metrics.GatewayMetrics) *Hub {
	if d.ProdType == "" {
		d.ProdType = "all"
	}
	if d.OddsFormat == "" {
		d.OddsFormat = "decimal"
	}
	return &Hub{
		conns:          make(map[*Conn]bool),
		fxParticipants: make(map[string][2]string),
		defaults:       d,
		metrics:        m,
	}
}

// Register adds a subscriber with default preferences. The caller starts
// the write pump once the websocket is live.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		Format: stream.NewFormatHolder(h.defaults.OddsFormat),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		prefs: prefs{
			prodType:      h.defaults.ProdType,
			evThreshold:   h.defaults.EVThreshold,
			arbThreshold:  h.defaults.ArbThreshold,
			quietControls: true,
		},
	}
	h.mu.Lock()
	h.conns[c] = true
	n := len(h.conns)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(n))
	}
	log.Printf("[WS] client %s connected (%d total)", c.ID, n)
	return c
}

// Unregister drops a subscriber and closes its send queue.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.send) })
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(n))
	}
	log.Printf("[WS] client %s disconnected (%d total)", c.ID, n)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast routes one derived payload to every subscriber whose
// preferences and filters admit it. Subscribers with a full send queue
// are dropped after the pass.
func (h *Hub) Broadcast(p *engine.Payload) {
	if p == nil {
		return
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	kind := p.Kind()
	var dead []*Conn
	for _, c := range conns {
		msg, ok := h.composeFor(c, p, kind)
		if !ok {
			continue
		}
		if !c.trySend(msg) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		if h.metrics != nil {
			h.metrics.SendFailures.Inc()
		}
		log.Printf("[WS] client %s send queue full, dropping", c.ID)
		h.Unregister(c)
	}
}

// composeFor builds the outbound frame for one subscriber, or reports
// that this payload is not for them.
func (h *Hub) composeFor(c *Conn, p *engine.Payload, kind string) ([]byte, bool) {
	c.mu.Lock()
	pr := c.prefs
	c.mu.Unlock()

	body := map[string]any{}
	switch pr.prodType {
	case "arbitrage":
		if p.Arb == nil {
			return nil, false
		}
		if p.Arb.ArbitragePercent < pr.arbThreshold {
			return nil, false
		}
		if !ArbMatches(p.Arb, pr.sets) {
			return nil, false
		}
		body["filters"] = pr.filters.Snapshot()
		body["payload"] = map[string]any{"arbitrage": p.Arb}

	case "ev":
		if p.EV == nil {
			return nil, false
		}
		var kept []engine.EVQuote
		for _, e := range p.EV {
			if !EVMatches(&e, pr.sets) {
				continue
			}
			if pr.evThreshold > 0 && e.EVValue < pr.evThreshold {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			return nil, false
		}
		body["payload"] = h.groupEV(kept)

	default:
		// "all", and anything unrecognised that slipped past the
		// endpoint: always the filtered path, never a passthrough.
		switch kind {
		case "ev":
			var kept []engine.EVQuote
			for _, e := range p.EV {
				if EVMatches(&e, pr.sets) {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				return nil, false
			}
			body["payload"] = h.groupEV(kept)
		case "arbitrage":
			if !ArbMatches(p.Arb, pr.sets) {
				return nil, false
			}
			body["payload"] = map[string]any{"arbitrage": p.Arb}
		default:
			filtered := FilterGroupedRawOdds(p.Raw, pr.sets)
			if len(filtered) == 0 {
				return nil, false
			}
			body["payload"] = filtered
		}
	}

	if pr.includeFilters {
		if _, echoed := body["filters"]; !echoed {
			body["filters"] = pr.filters.Snapshot()
		}
	}
	msg, err := json.Marshal(body)
	if err != nil {
		log.Printf("[WS] marshal for %s: %v", c.ID, err)
		return nil, false
	}
	return msg, true
}

// groupEV regroups EV records under the shared participant cache. The
// cache is mutated by inference, so regrouping is serialised.
func (h *Hub) groupEV(evList []engine.EVQuote) map[string]*engine.BookOdds {
	h.fxMu.Lock()
	defer h.fxMu.Unlock()
	return GroupEVList(evList, h.fxParticipants)
}

func (c *Conn) trySend(msg []byte) bool {
	defer func() { recover() }() // send on a queue closed by Unregister
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendControl queues a control frame regardless of prod type. Callers
// apply quiet/debug gating before calling.
func (c *Conn) SendControl(ctrl map[string]any) {
	msg, err := json.Marshal(ctrl)
	if err != nil {
		return
	}
	c.trySend(msg)
}

// WritePump drains the send queue onto the websocket and keeps the
// connection alive with pings. Runs until the queue closes or a write
// fails.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Preference mutators, driven by control frames.

// SetProdType applies a product type. Unrecognised values are ignored so
// a typo cannot reroute a subscriber.
func (c *Conn) SetProdType(v string) {
	switch v {
	case "ev", "arbitrage", "all":
	default:
		return
	}
	c.mu.Lock()
	c.prefs.prodType = v
	c.mu.Unlock()
}

func (c *Conn) SetEVThreshold(v float64) {
	c.mu.Lock()
	c.prefs.evThreshold = v
	c.mu.Unlock()
}

func (c *Conn) SetArbThreshold(v float64) {
	c.mu.Lock()
	c.prefs.arbThreshold = v
	c.mu.Unlock()
}

func (c *Conn) SetQuiet(v bool) {
	c.mu.Lock()
	c.prefs.quietControls = v
	c.mu.Unlock()
}

func (c *Conn) Quiet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.quietControls
}

func (c *Conn) SetDebugScope(v bool) {
	c.mu.Lock()
	c.prefs.debugScope = v
	c.mu.Unlock()
}

func (c *Conn) DebugScope() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.debugScope
}

func (c *Conn) SetIncludeFilters(v bool) {
	c.mu.Lock()
	c.prefs.includeFilters = v
	c.mu.Unlock()
}

// SetFilters replaces the filter tokens and recompiles the matcher sets.
func (c *Conn) SetFilters(fv FilterValues) {
	c.mu.Lock()
	c.prefs.filters = fv
	c.prefs.sets = fv.Compile()
	c.mu.Unlock()
}

// Filters returns the current raw tokens.
func (c *Conn) Filters() FilterValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.filters
}
