package server

import (
	"encoding/json"
	"testing"

	"github.com/vTajae/predictable/pkg/engine"
)

func newTestHub() *Hub {
	return NewHub(Defaults{ProdType: "all", OddsFormat: "decimal"}, nil)
}

func recvFrame(t *testing.T, c *Conn) map[string]any {
	t.Helper()
	select {
	case msg := <-c.send:
		var out map[string]any
		if err := json.Unmarshal(msg, &out); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return out
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func assertEmpty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected frame: %s", msg)
	default:
	}
}

func evPayload() *engine.Payload {
	return &engine.Payload{EV: []engine.EVQuote{
		{
			Sport: "basketball", FixtureID: "F1", Market: "moneyline",
			League: "nba", Name: "Lakers", Price: 2.1,
			Sportsbook: "DraftKings", EVValue: 2.5,
		},
		{
			Sport: "basketball", FixtureID: "F1", Market: "moneyline",
			League: "nba", Name: "Celtics", Price: 1.8,
			Sportsbook: "DraftKings", EVValue: 0.4,
		},
	}}
}

func arbPayload(pct float64) *engine.Payload {
	return &engine.Payload{Arb: &engine.Arbitrage{
		Sport: "basketball", FixtureID: "F1", MarketName: "moneyline",
		Outcomes: []engine.ArbOutcome{
			{Name: "Lakers", Book: "DraftKings", Price: 2.1},
			{Name: "Celtics", Book: "BetMGM", Price: 2.1},
		},
		TotalImpliedPercent: 100 - pct,
		ArbitragePercent:    pct,
	}}
}

func TestBroadcastAllDeliversEVAndArb(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)

	h.Broadcast(evPayload())
	frame := recvFrame(t, c)
	payload, ok := frame["payload"].(map[string]any)
	if !ok {
		t.Fatalf("frame = %v", frame)
	}
	if _, ok := payload["DraftKings"]; !ok {
		t.Errorf("ev payload not grouped by book: %v", payload)
	}

	h.Broadcast(arbPayload(2.0))
	frame = recvFrame(t, c)
	payload = frame["payload"].(map[string]any)
	arb, ok := payload["arbitrage"].(map[string]any)
	if !ok {
		t.Fatalf("arb frame = %v", frame)
	}
	if arb["market_name"] != "moneyline" {
		t.Errorf("arb = %v", arb)
	}
}

func TestBroadcastAllFiltersEV(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetFilters(FilterValues{Sportsbook: []string{"betmgm"}})

	h.Broadcast(evPayload())
	assertEmpty(t, c)

	c.SetFilters(FilterValues{Sportsbook: []string{"draft"}})
	h.Broadcast(evPayload())
	recvFrame(t, c)
}

func TestBroadcastRawFiltered(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetFilters(FilterValues{Sport: []string{"tennis"}})

	h.Broadcast(&engine.Payload{Raw: rawTree()})
	frame := recvFrame(t, c)
	payload := frame["payload"].(map[string]any)
	if len(payload) != 1 {
		t.Fatalf("payload = %v", payload)
	}
	dk := payload["DraftKings"].(map[string]any)
	games := dk["data"].([]any)
	if len(games) != 1 {
		t.Errorf("games = %v", games)
	}
}

func TestArbitrageProdTypeThreshold(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetProdType("arbitrage")
	c.SetArbThreshold(4.0)

	// Below threshold: suppressed.
	h.Broadcast(arbPayload(3.6))
	assertEmpty(t, c)

	// EV and raw payloads never reach an arbitrage-only subscriber.
	h.Broadcast(evPayload())
	h.Broadcast(&engine.Payload{Raw: rawTree()})
	assertEmpty(t, c)

	h.Broadcast(arbPayload(4.1))
	frame := recvFrame(t, c)
	if _, ok := frame["filters"]; !ok {
		t.Error("arbitrage frames must echo the filters")
	}
	payload := frame["payload"].(map[string]any)
	if _, ok := payload["arbitrage"]; !ok {
		t.Errorf("frame = %v", frame)
	}
}

func TestEVProdTypeThreshold(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetProdType("ev")
	c.SetEVThreshold(1.0)

	h.Broadcast(arbPayload(5.0))
	assertEmpty(t, c)

	h.Broadcast(evPayload())
	frame := recvFrame(t, c)
	payload := frame["payload"].(map[string]any)
	dk := payload["DraftKings"].(map[string]any)
	games := dk["data"].([]any)
	odds := games[0].(map[string]any)["odds"].([]any)
	// Only the 2.5 EV record clears the 1.0 threshold.
	if len(odds) != 1 {
		t.Errorf("odds = %v", odds)
	}
}

func TestZeroEVThresholdPassesNegatives(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetProdType("ev")

	p := &engine.Payload{EV: []engine.EVQuote{{
		Sport: "tennis", FixtureID: "F9", Market: "moneyline",
		Name: "A", Price: 1.4, Sportsbook: "Caesars", EVValue: -3.2,
	}}}
	h.Broadcast(p)
	recvFrame(t, c)
}

func TestIncludeFiltersEcho(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)
	c.SetIncludeFilters(true)
	c.SetFilters(FilterValues{Sport: []string{"basketball"}})

	h.Broadcast(evPayload())
	frame := recvFrame(t, c)
	filters, ok := frame["filters"].(map[string]any)
	if !ok {
		t.Fatalf("frame = %v", frame)
	}
	if sports, _ := filters["sport"].([]any); len(sports) != 1 || sports[0] != "basketball" {
		t.Errorf("filters echo = %v", filters)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	h.Unregister(c)
	h.Unregister(c)
	if n := h.ClientCount(); n != 0 {
		t.Errorf("clients = %d", n)
	}
	// Broadcast after unregister must not panic.
	h.Broadcast(evPayload())
}
