package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/odds"
)

func mustQuote(t *testing.T, raw string) *odds.Quote {
	t.Helper()
	var q odds.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	return &q
}

func TestAllowedMarketsPredicate(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		item    string
		want    bool
	}{
		{
			"compact substring",
			[]string{"player props"},
			`{"market": "Player Props/Alt Lines"}`,
			true,
		},
		{
			"soft words across fields",
			[]string{"first half total"},
			`{"market": "Total Points", "period": "First Half"}`,
			true,
		},
		{
			"no match",
			[]string{"moneyline"},
			`{"market": "Spread"}`,
			false,
		},
		{
			"type field considered",
			[]string{"spread"},
			`{"market_name": "Handicap", "type": "Spread"}`,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := allowedMarketsPredicate(tt.allowed)
			if pred == nil {
				t.Fatal("predicate is nil")
			}
			if got := pred(mustQuote(t, tt.item)); got != tt.want {
				t.Errorf("pred = %v, want %v", got, tt.want)
			}
		})
	}
	if allowedMarketsPredicate(nil) != nil {
		t.Error("empty allowlist must yield nil predicate")
	}
	if allowedMarketsPredicate([]string{"  "}) != nil {
		t.Error("blank allowlist must yield nil predicate")
	}
}

func TestInferTeamsByFixture(t *testing.T) {
	items := []*odds.Quote{
		mustQuote(t, `{"fixture_id":"F","market":"moneyline","name":"Over 2.5","sportsbook":"X"}`),
		mustQuote(t, `{"fixture_id":"F","market":"moneyline","name":"Arsenal Moneyline","sportsbook":"X"}`),
		mustQuote(t, `{"fixture_id":"F","market":"moneyline","name":"Chelsea","sportsbook":"Y"}`),
		mustQuote(t, `{"fixture_id":"F","market":"moneyline","name":"Draw","sportsbook":"Y"}`),
	}
	pairs := inferTeamsByFixture(items)
	pair, ok := pairs["F"]
	if !ok {
		t.Fatal("no pair inferred")
	}
	if pair[0] != "Arsenal" || pair[1] != "Chelsea" {
		t.Errorf("pair = %v", pair)
	}
}

type testURLs struct {
	base string
}

func (u testURLs) StreamOddsURL(sport string, q url.Values) string {
	return u.base + "/" + sport + "?" + q.Encode()
}

func sseHandler(t *testing.T, events []string, gotLastID chan<- string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotLastID <- r.Header.Get("Last-Event-ID"):
		default:
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("no flusher")
		}
		for _, e := range events {
			if _, err := w.Write([]byte(e)); err != nil {
				return
			}
			fl.Flush()
		}
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}
}

func TestWorkerEmissionOrder(t *testing.T) {
	batch := `{"entry_id":"e1","data":[` +
		`{"fixture_id":"F","market":"moneyline","name":"A","sportsbook":"X","decimal":2.10},` +
		`{"fixture_id":"F","market":"moneyline","name":"B","sportsbook":"Y","decimal":2.05}]}`
	event := "event: odds\ndata: " + batch + "\n\n"

	lastIDs := make(chan string, 2)
	srv := httptest.NewServer(sseHandler(t, []string{event}, lastIDs))
	defer srv.Close()

	payloads := make(chan *engine.Payload, 8)
	scopes := make(chan map[string]any, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &Worker{
		Sport:     "basketball",
		Engine:    engine.New(nil),
		URLs:      testURLs{base: srv.URL},
		Format:    NewFormatHolder("decimal"),
		OnPayload: func(p *engine.Payload) { payloads <- p },
		OnScope:   func(c map[string]any) { scopes <- c },
	}
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	if id := <-lastIDs; id != "" {
		t.Errorf("first connection Last-Event-ID = %q, want empty", id)
	}

	want := []string{"raw", "ev", "arbitrage"}
	for _, kind := range want {
		select {
		case p := <-payloads:
			if p.Kind() != kind {
				t.Fatalf("payload kind = %q, want %q", p.Kind(), kind)
			}
			if kind == "raw" {
				bo := p.Raw["X"]
				if bo == nil || len(bo.Data) != 1 {
					t.Fatalf("raw payload for X = %+v", bo)
				}
				game := bo.Data[0]
				if game.ID != "F" || game.Sport != "Basketball" {
					t.Errorf("game = %+v", game)
				}
				if len(game.Odds) != 1 || game.Odds[0].ID != "F:x:moneyline:a" {
					t.Errorf("odds entry = %+v", game.Odds[0])
				}
			}
			if kind == "ev" && len(p.EV) != 2 {
				t.Errorf("ev records = %d, want 2", len(p.EV))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q payload", kind)
		}
	}

	select {
	case c := <-scopes:
		if c["control"] != "observed_scope" {
			t.Errorf("scope control = %v", c["control"])
		}
		mkts, _ := c["markets"].([]string)
		if len(mkts) != 1 || mkts[0] != "moneyline" {
			t.Errorf("observed markets = %v", mkts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no observed_scope control")
	}

	// Cancellation bound: the worker must exit promptly.
	cancel()
	select {
	case <-done:
	case <-time.After(readTimeout + time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestWorkerResumesWithLastEventID(t *testing.T) {
	batch := `{"entry_id":"e7","data":[` +
		`{"fixture_id":"F","market":"moneyline","name":"A","sportsbook":"X","decimal":2.0}]}`
	event := "event: odds\ndata: " + batch + "\n\n"

	lastIDs := make(chan string, 4)
	var calls atomic.Int32
	srv := httptest.NewServer(func() http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			lastIDs <- r.Header.Get("Last-Event-ID")
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(event))
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
			if calls.Add(1) == 1 {
				return // drop the stream to force a reconnect
			}
			<-r.Context().Done()
		}
	}())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &Worker{
		Sport:  "soccer",
		Engine: engine.New(nil),
		URLs:   testURLs{base: srv.URL},
		Format: NewFormatHolder("decimal"),
	}
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	if id := <-lastIDs; id != "" {
		t.Errorf("first Last-Event-ID = %q", id)
	}
	select {
	case id := <-lastIDs:
		if id != "e7" {
			t.Errorf("resume Last-Event-ID = %q, want e7", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no reconnect observed")
	}
	cancel()
	<-done
}
