package server

import (
	"context"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/vTajae/predictable/pkg/stream"
)

type fleetLaunch struct {
	filters stream.Filters
	ctx     context.Context
	done    chan struct{}
}

// fakeFleets records launches and closes each fleet's done channel when
// its context is cancelled, like a real manager would.
type fakeFleets struct {
	launches []*fleetLaunch
}

func (f *fakeFleets) launcher() FleetLauncher {
	return func(ctx context.Context, fl stream.Filters, _ *stream.FormatHolder,
		_ stream.PayloadSink, _ stream.ControlSink) <-chan struct{} {
		l := &fleetLaunch{filters: fl, ctx: ctx, done: make(chan struct{})}
		f.launches = append(f.launches, l)
		go func() {
			<-ctx.Done()
			close(l.done)
		}()
		return l.done
	}
}

func newTestServer(opts Options) (*Server, *fakeFleets) {
	h := NewHub(Defaults{}, nil)
	s := &Server{Hub: h, Opts: opts}
	ff := &fakeFleets{}
	s.LaunchFleet = ff.launcher()
	return s, ff
}

func TestControlLazyFleetStart(t *testing.T) {
	s, ff := newTestServer(Options{})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	fleet := s.HandleControl(context.Background(), c, map[string]any{"prod_type": "ev"}, nil)
	if fleet == nil || len(ff.launches) != 1 {
		t.Fatalf("launches = %d", len(ff.launches))
	}

	// A second frame with an unchanged scope must not restart.
	fleet = s.HandleControl(context.Background(), c, map[string]any{"ev_threshold": 2.0}, fleet)
	if len(ff.launches) != 1 {
		t.Errorf("launches = %d, want 1", len(ff.launches))
	}
	fleet.cancel()
}

func TestControlRestartOnScopeChange(t *testing.T) {
	s, ff := newTestServer(Options{IngestFilters: true})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	fleet := s.HandleControl(context.Background(), c, map[string]any{}, nil)
	if len(ff.launches) != 1 {
		t.Fatalf("launches = %d", len(ff.launches))
	}

	fleet = s.HandleControl(context.Background(), c,
		map[string]any{"sport": "tennis", "ack": true}, fleet)
	if len(ff.launches) != 2 {
		t.Fatalf("launches = %d, want 2 after scope change", len(ff.launches))
	}
	if !reflect.DeepEqual(ff.launches[1].filters.SportAllow, []string{"tennis"}) {
		t.Errorf("new fleet filters = %+v", ff.launches[1].filters)
	}
	select {
	case <-ff.launches[0].done:
	default:
		t.Error("old fleet was not stopped")
	}

	// Ack mode: filters_updated then stream_restarted.
	f1 := recvFrame(t, c)
	if f1["control"] != "filters_updated" {
		t.Errorf("first control = %v", f1["control"])
	}
	f2 := recvFrame(t, c)
	if f2["control"] != "stream_restarted" {
		t.Errorf("second control = %v", f2["control"])
	}

	// The market axis also shapes the upstream scope.
	fleet = s.HandleControl(context.Background(), c,
		map[string]any{"market": "moneyline", "quiet": true}, fleet)
	if len(ff.launches) != 3 {
		t.Fatalf("launches = %d, want 3 after market change", len(ff.launches))
	}
	if !reflect.DeepEqual(ff.launches[2].filters.AllowedMarkets, []string{"moneyline"}) {
		t.Errorf("allowed markets = %v", ff.launches[2].filters.AllowedMarkets)
	}
	fleet.cancel()
}

func TestControlNoRestartWhenIngestFiltersDisabled(t *testing.T) {
	s, ff := newTestServer(Options{IngestFilters: false})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	fleet := s.HandleControl(context.Background(), c, map[string]any{}, nil)
	fleet = s.HandleControl(context.Background(), c, map[string]any{"sport": "tennis"}, fleet)
	if len(ff.launches) != 1 {
		t.Errorf("launches = %d, want 1", len(ff.launches))
	}
	fleet.cancel()
}

func TestFilterFrameVariants(t *testing.T) {
	s, _ := newTestServer(Options{})
	tests := []struct {
		name  string
		frame map[string]any
		want  FilterValues
	}{
		{
			"top level keys",
			map[string]any{"sport": "NBA,NFL", "sportsbook": "DraftKings"},
			FilterValues{Sport: []string{"nba", "nfl"}, Sportsbook: []string{"draftkings"}},
		},
		{
			"sportbook alias",
			map[string]any{"sportbook": "fanduel"},
			FilterValues{Sportsbook: []string{"fanduel"}},
		},
		{
			"filters object",
			map[string]any{"filters": map[string]any{"league": []any{"EPL"}}},
			FilterValues{League: []string{"epl"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := s.Hub.Register(nil)
			defer s.Hub.Unregister(c)
			if !s.applyFilterFrame(c, tt.frame) {
				t.Fatal("frame not applied")
			}
			if got := c.Filters(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("filters = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFilterFrameMergesThenResets(t *testing.T) {
	s, _ := newTestServer(Options{})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	s.applyFilterFrame(c, map[string]any{"sport": "nba"})
	s.applyFilterFrame(c, map[string]any{"league": "epl"})
	got := c.Filters()
	if len(got.Sport) != 1 || len(got.League) != 1 {
		t.Fatalf("merge failed: %+v", got)
	}

	// An empty filters object clears everything.
	if !s.applyFilterFrame(c, map[string]any{"filters": map[string]any{}}) {
		t.Fatal("reset frame not applied")
	}
	if !c.Filters().Empty() {
		t.Errorf("filters after reset = %+v", c.Filters())
	}

	s.applyFilterFrame(c, map[string]any{"sport": "nba"})
	s.applyFilterFrame(c, map[string]any{"clear_filters": true, "sport": "mma"})
	got = c.Filters()
	if !reflect.DeepEqual(got.Sport, []string{"mma"}) || len(got.League) != 0 {
		t.Errorf("replace failed: %+v", got)
	}
}

func TestUnknownProdTypeKeepsFilters(t *testing.T) {
	s, _ := newTestServer(Options{})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	fleet := s.HandleControl(context.Background(), c,
		map[string]any{"prod_type": "bogus", "sport": "tennis"}, nil)
	defer fleet.cancel()

	// A basketball payload must not reach a tennis-filtered subscriber,
	// whatever the prod_type frame said.
	s.Hub.Broadcast(evPayload())
	assertEmpty(t, c)

	// Matching payloads still flow, filtered as usual.
	s.HandleControl(context.Background(), c, map[string]any{"sport": "basketball"}, fleet)
	s.Hub.Broadcast(evPayload())
	recvFrame(t, c)
}

func TestProdTypeMembership(t *testing.T) {
	h := newTestHub()
	c := h.Register(nil)
	defer h.Unregister(c)

	c.SetProdType("bogus")
	c.mu.Lock()
	got := c.prefs.prodType
	c.mu.Unlock()
	if got != "all" {
		t.Errorf("prod type = %q, want default preserved", got)
	}
	c.SetProdType("arbitrage")
	c.mu.Lock()
	got = c.prefs.prodType
	c.mu.Unlock()
	if got != "arbitrage" {
		t.Errorf("prod type = %q", got)
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, "1", "true", "YES", " on "} {
		if !truthy(v) {
			t.Errorf("truthy(%v) = false", v)
		}
	}
	for _, v := range []any{false, "0", "no", "", nil, float64(0)} {
		if truthy(v) {
			t.Errorf("truthy(%v) = true", v)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if got := rec.Body.String(); got != "ok" {
		t.Errorf("body = %q, want ok", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestDeliverScopeGating(t *testing.T) {
	s, _ := newTestServer(Options{})
	c := s.Hub.Register(nil)
	defer s.Hub.Unregister(c)

	// Quiet by default: nothing delivered.
	s.deliverScope(c, map[string]any{"control": "stream_scope"})
	assertEmpty(t, c)

	c.SetQuiet(false)
	s.deliverScope(c, map[string]any{"control": "stream_scope"})
	if f := recvFrame(t, c); f["control"] != "stream_scope" {
		t.Errorf("frame = %v", f)
	}

	// Observed-scope chatter needs debug_scope on top of ack mode.
	s.deliverScope(c, map[string]any{"control": "observed_scope"})
	assertEmpty(t, c)
	c.SetDebugScope(true)
	s.deliverScope(c, map[string]any{"control": "observed_scope"})
	if f := recvFrame(t, c); f["control"] != "observed_scope" {
		t.Errorf("frame = %v", f)
	}
}
