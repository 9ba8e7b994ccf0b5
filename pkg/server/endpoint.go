package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/metrics"
	"github.com/vTajae/predictable/pkg/stream"
)

const fleetJoinTimeout = 5 * time.Second

// FleetLauncher starts one ingest fleet and returns a channel that closes
// when the fleet has fully stopped.
type FleetLauncher func(ctx context.Context, f stream.Filters, format *stream.FormatHolder,
	onPayload stream.PayloadSink, onScope stream.ControlSink) <-chan struct{}

// Options carries the endpoint tunables resolved from the environment.
// Subscriber defaults live on the hub.
type Options struct {
	IngestFilters  bool
	AllowedMarkets []string
	Manager        stream.ManagerConfig
}

// Server owns the /stream websocket endpoint: one ingest fleet per
// subscriber, preferences and filters driven by inbound control frames.
type Server struct {
	Hub     *Hub
	Opts    Options
	Metrics *metrics.GatewayMetrics

	// LaunchFleet is swappable so the control protocol can be exercised
	// without a live upstream.
	LaunchFleet FleetLauncher

	upgrader websocket.Upgrader
}

// NewServer wires the default fleet launcher around the given catalogue
// client. Each subscriber gets its own engine and worker fleet.
func NewServer(hub *Hub, client stream.Catalogue, opts Options, m *metrics.GatewayMetrics) *Server {
	s := &Server{
		Hub:      hub,
		Opts:     opts,
		Metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.LaunchFleet = func(ctx context.Context, f stream.Filters, format *stream.FormatHolder,
		onPayload stream.PayloadSink, onScope stream.ControlSink) <-chan struct{} {
		mgr := &stream.Manager{
			Client:    client,
			Engine:    engine.New(client),
			Filters:   f,
			Config:    opts.Manager,
			Format:    format,
			Metrics:   s.Metrics,
			OnPayload: onPayload,
			OnScope:   onScope,
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			mgr.Run(ctx)
		}()
		return done
	}
	return s
}

// HealthHandler answers liveness probes with a bare "ok".
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// connFleet is the running ingest fleet behind one subscriber.
type connFleet struct {
	cancel   context.CancelFunc
	done     <-chan struct{}
	snapshot string
}

// ServeWS upgrades the connection and runs the control read loop until
// the client goes away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade: %v", err)
		return
	}
	c := s.Hub.Register(ws)
	go c.WritePump()

	var fleet *connFleet
	defer func() {
		if fleet != nil {
			fleet.cancel()
		}
		s.Hub.Unregister(c)
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] client %s read: %v", c.ID, err)
			}
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		fleet = s.HandleControl(r.Context(), c, frame, fleet)
	}
}

// HandleControl applies one control frame to a subscriber: preference
// keys, filter updates, lazy fleet start and ingest-scope restarts. It
// returns the (possibly replaced) fleet handle.
func (s *Server) HandleControl(ctx context.Context, c *Conn, frame map[string]any, fleet *connFleet) *connFleet {
	if v, ok := frame["prod_type"].(string); ok {
		c.SetProdType(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := frame["odds_format"].(string); ok {
		f := strings.ToLower(strings.TrimSpace(v))
		if f == "decimal" || f == "american" {
			c.Format.Set(f)
		}
	}
	if v, ok := floatVal(frame["ev_threshold"]); ok {
		c.SetEVThreshold(v)
	}
	if v, ok := floatVal(frame["arb_threshold"]); ok {
		c.SetArbThreshold(v)
	}
	if v, ok := frame["quiet"]; ok {
		c.SetQuiet(truthy(v))
	}
	if v, ok := frame["ack"]; ok {
		c.SetQuiet(!truthy(v))
	}
	if v, ok := frame["debug_scope"]; ok {
		c.SetDebugScope(truthy(v))
	}
	if v, ok := frame["include_filters_in_payload"]; ok {
		c.SetIncludeFilters(truthy(v))
	}

	if s.applyFilterFrame(c, frame) && !c.Quiet() {
		c.SendControl(map[string]any{
			"control": "filters_updated",
			"filters": c.Filters().Snapshot(),
		})
	}

	if fleet == nil {
		return s.startFleet(ctx, c)
	}

	snap := s.ingestSnapshot(c)
	if snap != fleet.snapshot {
		fleet.cancel()
		select {
		case <-fleet.done:
		case <-time.After(fleetJoinTimeout):
			log.Printf("[WS] client %s fleet join timed out", c.ID)
		}
		if s.Metrics != nil {
			s.Metrics.FleetRestarts.Inc()
		}
		next := s.startFleet(ctx, c)
		if !c.Quiet() {
			c.SendControl(map[string]any{
				"control": "stream_restarted",
				"filters": c.Filters().Snapshot(),
			})
		}
		return next
	}
	return fleet
}

// applyFilterFrame merges filter updates from the frame into the
// subscriber's filters. Reports whether anything was touched.
func (s *Server) applyFilterFrame(c *Conn, frame map[string]any) bool {
	reset := truthy(frame["filters_replace"]) || truthy(frame["filters_clear"]) || truthy(frame["clear_filters"])

	updates := map[string][]string{}
	collect := func(src map[string]any) {
		for key, axis := range map[string]string{
			"sport": "sport", "market": "market",
			"sportsbook": "sportsbook", "sportbook": "sportsbook",
			"league": "league",
		} {
			if v, ok := src[key]; ok {
				updates[axis] = NormalizeFilterValues(v)
			}
		}
	}
	collect(frame)

	touched := len(updates) > 0 || reset
	if obj, ok := frame["filters"].(map[string]any); ok {
		touched = true
		if len(obj) == 0 {
			reset = true
		}
		if truthy(obj["replace"]) || truthy(obj["clear"]) || truthy(obj["reset"]) {
			reset = true
		}
		collect(obj)
	}
	if !touched {
		return false
	}

	fv := FilterValues{}
	if !reset {
		fv = c.Filters()
	}
	if v, ok := updates["sport"]; ok {
		fv.Sport = v
	}
	if v, ok := updates["market"]; ok {
		fv.Market = v
	}
	if v, ok := updates["sportsbook"]; ok {
		fv.Sportsbook = v
	}
	if v, ok := updates["league"]; ok {
		fv.League = v
	}
	c.SetFilters(fv)
	return true
}

func (s *Server) startFleet(ctx context.Context, c *Conn) *connFleet {
	fctx, cancel := context.WithCancel(ctx)
	done := s.LaunchFleet(fctx, s.ingestFilters(c), c.Format,
		func(p *engine.Payload) { s.Hub.Broadcast(p) },
		func(ctrl map[string]any) { s.deliverScope(c, ctrl) })
	return &connFleet{cancel: cancel, done: done, snapshot: s.ingestSnapshot(c)}
}

// ingestFilters maps the subscriber's filters onto the upstream
// subscription scope. The market allowlist is environment-only; the other
// axes follow the client only when ingest filtering is enabled.
func (s *Server) ingestFilters(c *Conn) stream.Filters {
	f := stream.Filters{AllowedMarkets: s.Opts.AllowedMarkets}
	if !s.Opts.IngestFilters {
		return f
	}
	fv := c.Filters()
	f.SportAllow = fv.Sport
	f.SportsbookAllow = fv.Sportsbook
	f.LeagueAllow = fv.League
	if len(fv.Market) > 0 {
		f.AllowedMarkets = fv.Market
	}
	return f
}

func (s *Server) ingestSnapshot(c *Conn) string {
	f := s.ingestFilters(c)
	var parts []string
	for _, axis := range [][]string{f.SportAllow, f.SportsbookAllow, f.LeagueAllow, f.AllowedMarkets} {
		vals := append([]string(nil), axis...)
		sort.Strings(vals)
		parts = append(parts, strings.Join(vals, ","))
	}
	return strings.Join(parts, "|")
}

// deliverScope forwards fleet controls to the owning subscriber.
// Observed-scope chatter is debug-only; everything else is suppressed by
// quiet mode.
func (s *Server) deliverScope(c *Conn, ctrl map[string]any) {
	if ctrl["control"] == "observed_scope" {
		if c.DebugScope() && !c.Quiet() {
			c.SendControl(ctrl)
		}
		return
	}
	if !c.Quiet() {
		c.SendControl(ctrl)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "1" || s == "true" || s == "yes" || s == "on"
	case float64:
		return t != 0
	}
	return false
}

func floatVal(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
