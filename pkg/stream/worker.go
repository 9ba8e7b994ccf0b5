package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/metrics"
	"github.com/vTajae/predictable/pkg/odds"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 45 * time.Second

	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second

	scopeAnnounceCap = 50
	scopeScanLimit   = 200
)

// StreamURLBuilder assembles the upstream SSE URL for one sport.
type StreamURLBuilder interface {
	StreamOddsURL(sport string, q url.Values) string
}

// ControlSink receives control-plane events (scope announcements,
// subscription errors).
type ControlSink func(map[string]any)

// PayloadSink receives derived payloads in emission order.
type PayloadSink func(*engine.Payload)

// Worker streams odds for one sport and drives the engine.
type Worker struct {
	Sport       string
	Leagues     []string
	Sportsbooks []string
	ID          int

	LeagueChunkSize       int
	SportsbookChunkSize   int
	IncludeFixtureUpdates bool
	AllowedMarkets        []string

	Engine   *engine.Engine
	URLs     StreamURLBuilder
	Fixtures engine.FixtureFetcher
	Format   *FormatHolder
	Metrics  *metrics.GatewayMetrics

	OnPayload PayloadSink
	OnScope   ControlSink

	// HTTPClient overrides the default streaming client in tests.
	HTTPClient *http.Client

	Debug bool
}

type oddsEvent struct {
	EntryID any           `json:"entry_id"`
	Data    []*odds.Quote `json:"data"`
}

// Run streams until ctx is cancelled. It reconnects with exponential
// backoff, rotating league/sportsbook chunk pairs on transport errors and
// bisecting chunks on URL-too-long responses.
func (w *Worker) Run(ctx context.Context) {
	httpClient := w.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: connectTimeout,
			},
		}
	}

	lgChunks := chunkStrings(w.Leagues, w.LeagueChunkSize)
	sbChunks := chunkStrings(w.Sportsbooks, w.SportsbookChunkSize)
	lgIdx, sbIdx := 0, 0
	backoff := initialBackoff
	var lastEntryID string

	mOK := allowedMarketsPredicate(w.AllowedMarkets)
	scope := newScopeTracker()

	w.seedFixtureMeta(ctx)

	for ctx.Err() == nil {
		var lgChunk, sbChunk []string
		if len(lgChunks) > 0 {
			lgChunk = lgChunks[lgIdx%len(lgChunks)]
		}
		if len(sbChunks) > 0 {
			sbChunk = sbChunks[sbIdx%len(sbChunks)]
		}

		q := url.Values{}
		for _, lg := range lgChunk {
			q.Add("league", lg)
		}
		for _, sb := range sbChunk {
			q.Add("sportsbook", sb)
		}
		if w.IncludeFixtureUpdates {
			q.Set("include_fixture_updates", "true")
		}
		q.Set("include_deep_link", "true")
		q.Set("odds_format", w.Format.Get())
		streamURL := w.URLs.StreamOddsURL(w.Sport, q)

		reqCtx, cancelReq := context.WithCancel(ctx)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, streamURL, nil)
		if err != nil {
			cancelReq()
			log.Printf("[SSE] %s: build request: %v", w.Sport, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		if lastEntryID != "" {
			req.Header.Set("Last-Event-ID", lastEntryID)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			cancelReq()
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SSE] %s: connect: %v", w.Sport, err)
			w.recordReconnect("connect_error")
			lgIdx, sbIdx = lgIdx+1, sbIdx+1
			backoff = sleepBackoff(ctx, backoff)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancelReq()
			log.Printf("[SSE] %s: status %d", w.Sport, resp.StatusCode)
			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestURITooLong {
				lgChunks = bisectChunks(lgChunks)
				sbChunks = bisectChunks(sbChunks)
				lgIdx, sbIdx = lgIdx+1, sbIdx+1
			}
			w.recordReconnect(fmt.Sprintf("status_%d", resp.StatusCode))
			backoff = sleepBackoff(ctx, backoff)
			continue
		}

		backoff = initialBackoff
		watchdog := time.AfterFunc(readTimeout, cancelReq)

		events := newEventScanner(resp.Body)
		for ctx.Err() == nil {
			ev, err := events.Next()
			if err != nil {
				break
			}
			watchdog.Reset(readTimeout)

			switch ev.Type {
			case "odds", "locked-odds":
				var parsed oddsEvent
				if err := json.Unmarshal([]byte(ev.Data), &parsed); err != nil {
					continue
				}
				if id := scalarString(parsed.EntryID); id != "" {
					lastEntryID = id
				}
				if w.Metrics != nil {
					w.Metrics.RecordEvent(w.Sport, ev.Type, len(parsed.Data))
				}

				if ctrl, changed := scope.observe(w.Sport, parsed.Data); changed && w.OnScope != nil {
					w.OnScope(ctrl)
				}

				items := parsed.Data
				if mOK != nil {
					kept := items[:0]
					for _, it := range items {
						if mOK(it) {
							kept = append(kept, it)
						}
					}
					items = kept
				}
				if len(items) == 0 {
					continue
				}

				w.Engine.RefreshFixtureMeta(items)
				evs, arbs := w.Engine.ProcessBatch(w.Sport, items)
				if w.Metrics != nil {
					w.Metrics.RecordDerived(len(evs), len(arbs))
				}
				if w.Debug {
					log.Printf("[SSE] %s: batch items=%d ev=%d arb=%d", w.Sport, len(items), len(evs), len(arbs))
				}

				w.emit(&engine.Payload{Raw: w.buildGrouped(items)})
				if len(evs) > 0 {
					w.emit(&engine.Payload{EV: evs})
				}
				for i := range arbs {
					w.emit(&engine.Payload{Arb: &arbs[i]})
				}

			case "fixture-status":
				var parsed oddsEvent
				if err := json.Unmarshal([]byte(ev.Data), &parsed); err != nil {
					continue
				}
				if w.Metrics != nil {
					w.Metrics.RecordEvent(w.Sport, ev.Type, 0)
				}
				w.Engine.RefreshFixtureMeta(parsed.Data)
			}
		}

		watchdog.Stop()
		resp.Body.Close()
		cancelReq()
		if ctx.Err() != nil {
			return
		}
		w.recordReconnect("stream_closed")
		lgIdx, sbIdx = lgIdx+1, sbIdx+1
		backoff = sleepBackoff(ctx, backoff)
	}
}

func (w *Worker) emit(p *engine.Payload) {
	if w.OnPayload == nil {
		return
	}
	if w.Metrics != nil {
		w.Metrics.RecordBroadcast(p.Kind())
	}
	w.OnPayload(p)
}

func (w *Worker) recordReconnect(reason string) {
	if w.Metrics != nil {
		w.Metrics.RecordReconnect(w.Sport, reason)
	}
}

// seedFixtureMeta primes the fixture cache from fixtures/active so early
// payloads carry team names.
func (w *Worker) seedFixtureMeta(ctx context.Context) {
	if w.Fixtures == nil {
		return
	}
	items, err := w.Fixtures.ActiveFixtures(ctx, w.Sport, "", w.Leagues)
	if err != nil || len(items) == 0 {
		return
	}
	w.Engine.RefreshFixtureMetaFromMaps(items)
}

// buildGrouped shapes a batch into the per-sportsbook raw-odds tree.
func (w *Worker) buildGrouped(items []*odds.Quote) map[string]*engine.BookOdds {
	inferred := inferTeamsByFixture(items)
	grouped := make(map[string]*engine.BookOdds)

	for _, it := range items {
		book := strings.TrimSpace(it.Sportsbook)
		if book == "" {
			book = "Unknown"
		}
		fxid := it.FixtureID()
		market := it.BaseMarket()
		name := it.OutcomeName()

		home, away := odds.ExtractHomeAway(it.Raw)
		if home == "" || away == "" {
			if meta, ok := w.Engine.Meta(fxid); ok {
				if home == "" {
					home = meta.HomeTeam
				}
				if away == "" {
					away = meta.AwayTeam
				}
			}
		}
		if home == "" || away == "" {
			if pair, ok := inferred[fxid]; ok {
				if home == "" {
					home = pair[0]
				}
				if away == "" {
					away = pair[1]
				}
			}
		}

		startDate, _ := odds.ExtractStartTime(it.Raw)
		league := odds.ExtractLeagueName(it.Raw)

		var evValue *float64
		marketNorm := odds.NormalizeMarket(it.ComposedMarket())
		if v, ok := w.Engine.LookupEV(fxid, book, marketNorm, name); ok {
			evValue = &v
		}

		entry := &engine.OddsEntry{
			ID: fmt.Sprintf("%s:%s:%s:%s",
				fxid,
				strings.ToLower(book),
				strings.ToLower(market),
				strings.ReplaceAll(strings.ToLower(name), " ", "_")),
			Market:        strings.ToLower(strings.TrimSpace(market)),
			SportsBook:    strings.ToLower(book),
			DeepLink:      odds.ExtractDeepLink(it.Raw),
			EVValue:       evValue,
			Name:          name,
			Price:         rawPrice(it.Raw),
			HasBeenPosted: false,
			IsLive:        it.IsLive,
		}

		bo := grouped[book]
		if bo == nil {
			bo = &engine.BookOdds{}
			grouped[book] = bo
		}
		var game *engine.Game
		for _, g := range bo.Data {
			if g.ID == fxid {
				game = g
				break
			}
		}
		if game == nil {
			bo.Data = append(bo.Data, &engine.Game{
				HomeTeam:  home,
				AwayTeam:  away,
				ID:        fxid,
				StartDate: startDate,
				Sport:     odds.SportDisplay(w.Sport),
				League:    league,
				Odds:      []*engine.OddsEntry{entry},
			})
			continue
		}
		if game.HomeTeam == "" && home != "" {
			game.HomeTeam = home
		}
		if game.AwayTeam == "" && away != "" {
			game.AwayTeam = away
		}
		if game.StartDate == 0 && startDate != 0 {
			game.StartDate = startDate
		}
		if game.League == "" && league != "" {
			game.League = league
		}
		game.Odds = append(game.Odds, entry)
	}
	return grouped
}

var skipInferredNames = map[string]bool{
	"draw": true, "tie": true, "over": true, "under": true,
}

// inferTeamsByFixture derives a team pair per fixture from the batch's
// outcome labels, for raw-payload backfill when metadata is absent.
func inferTeamsByFixture(items []*odds.Quote) map[string][2]string {
	candidates := make(map[string][]string)
	var order []string
	for _, it := range items {
		fxid := it.FixtureID()
		if fxid == "" {
			continue
		}
		base := odds.CleanOutcomeTeamName(it.OutcomeName())
		if base == "" || skipInferredNames[strings.ToLower(base)] {
			continue
		}
		if _, ok := candidates[fxid]; !ok {
			order = append(order, fxid)
		}
		candidates[fxid] = append(candidates[fxid], base)
	}
	out := make(map[string][2]string)
	for _, fxid := range order {
		var uniq []string
		seen := make(map[string]bool)
		for _, nm := range candidates[fxid] {
			low := strings.ToLower(nm)
			if seen[low] {
				continue
			}
			uniq = append(uniq, nm)
			seen[low] = true
			if len(uniq) >= 2 {
				out[fxid] = [2]string{uniq[0], uniq[1]}
				break
			}
		}
	}
	return out
}

var predicateFields = []string{
	"market", "market_name", "marketType", "type", "market_type",
	"period", "bet_period", "segment", "scope",
}

// allowedMarketsPredicate builds the item filter for a configured market
// allowlist. A token matches when its compacted form is a substring of
// any compacted field, or when every word of the token occurs as a whole
// word somewhere across the fields.
func allowedMarketsPredicate(allowed []string) func(*odds.Quote) bool {
	var tokens []string
	for _, a := range allowed {
		if strings.TrimSpace(a) != "" {
			tokens = append(tokens, a)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	compact := make([]string, 0, len(tokens))
	soft := make([][]string, 0, len(tokens))
	for _, t := range tokens {
		compact = append(compact, odds.CompactToken(t))
		soft = append(soft, odds.SoftTokens(t))
	}

	return func(q *odds.Quote) bool {
		var fClean, fSoft []string
		for _, k := range predicateFields {
			v := scalarString(q.Raw[k])
			if v == "" {
				continue
			}
			fClean = append(fClean, odds.CompactToken(v))
			fSoft = append(fSoft, " "+strings.ToLower(strings.TrimSpace(v))+" ")
		}
		for _, fc := range fClean {
			for _, a := range compact {
				if a != "" && strings.Contains(fc, a) {
					return true
				}
			}
		}
		for _, words := range soft {
			if len(words) == 0 {
				continue
			}
			all := true
			for _, w := range words {
				found := false
				for _, fs := range fSoft {
					if strings.Contains(fs, " "+w+" ") {
						found = true
						break
					}
				}
				if !found {
					all = false
					break
				}
			}
			if all {
				return true
			}
		}
		return false
	}
}

// scopeTracker maintains rolling sets of observed markets, leagues and
// sportsbooks for scope announcements.
type scopeTracker struct {
	markets map[string]bool
	leagues map[string]bool
	books   map[string]bool
	last    [3]int
}

func newScopeTracker() *scopeTracker {
	return &scopeTracker{
		markets: make(map[string]bool),
		leagues: make(map[string]bool),
		books:   make(map[string]bool),
	}
}

func (s *scopeTracker) observe(sport string, items []*odds.Quote) (map[string]any, bool) {
	changed := false
	for i, it := range items {
		if i >= scopeScanLimit {
			break
		}
		mk := strings.TrimSpace(it.MarketName)
		if mk == "" {
			mk = strings.TrimSpace(it.Market)
		}
		if mk != "" && !s.markets[mk] {
			s.markets[mk] = true
			changed = true
		}
		if lg := strings.TrimSpace(odds.ExtractLeagueName(it.Raw)); lg != "" && !s.leagues[lg] {
			s.leagues[lg] = true
			changed = true
		}
		if sb := strings.TrimSpace(it.Sportsbook); sb != "" && !s.books[sb] {
			s.books[sb] = true
			changed = true
		}
	}
	if !changed {
		return nil, false
	}
	counts := [3]int{len(s.markets), len(s.leagues), len(s.books)}
	if counts == s.last {
		return nil, false
	}
	s.last = counts
	return map[string]any{
		"control":     "observed_scope",
		"sport":       sport,
		"markets":     sortedCapped(s.markets, scopeAnnounceCap),
		"leagues":     sortedCapped(s.leagues, scopeAnnounceCap),
		"sportsbooks": sortedCapped(s.books, scopeAnnounceCap),
	}, true
}

func sortedCapped(set map[string]bool, limit int) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// chunkStrings splits items into size-bounded chunks. A non-positive size
// yields a single chunk.
func chunkStrings(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]string{append([]string(nil), items...)}
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// bisectChunks halves every splittable chunk; singleton chunks survive.
func bisectChunks(chunks [][]string) [][]string {
	splittable := false
	for _, c := range chunks {
		if len(c) > 1 {
			splittable = true
			break
		}
	}
	if !splittable {
		return chunks
	}
	var out [][]string
	for _, c := range chunks {
		if len(c) > 1 {
			mid := len(c) / 2
			out = append(out, c[:mid], c[mid:])
		} else if len(c) == 1 {
			out = append(out, c)
		}
	}
	return out
}

func sleepBackoff(ctx context.Context, backoff time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func rawPrice(raw map[string]any) *float64 {
	switch t := raw["price"].(type) {
	case float64:
		return &t
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "None" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f
		}
	}
	return nil
}
