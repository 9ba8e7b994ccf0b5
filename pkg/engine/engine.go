package engine

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vTajae/predictable/pkg/odds"
)

// FixtureFetcher resolves fixture metadata from the fixtures/active
// catalogue. The stream manager injects the OpticOdds client here.
type FixtureFetcher interface {
	ActiveFixtures(ctx context.Context, sport, fixtureID string, leagues []string) ([]map[string]any, error)
}

var (
	minBestPrice = decimal.NewFromFloat(1.01)
	probWindowLo = decimal.NewFromFloat(0.6)
	probWindowHi = decimal.NewFromInt(2)
	one          = decimal.NewFromInt(1)
	hundred      = decimal.NewFromInt(100)
)

type evKey struct {
	fixture string
	book    string
	market  string
	name    string
}

// Engine owns the market book, fixture metadata and EV cache for one
// worker fleet. All state sits behind one mutex; per-batch work dominates
// so contention stays low.
type Engine struct {
	mu          sync.Mutex
	book        map[MarketKey]map[string]*outcomeRecord
	meta        map[string]*FixtureMeta
	evCache     map[evKey]float64
	metaFetched map[string]bool
	leagues     map[string][]string

	fetcher FixtureFetcher
}

// New creates an empty engine. fetcher may be nil, disabling the one-shot
// catalogue backfill.
func New(fetcher FixtureFetcher) *Engine {
	return &Engine{
		book:        make(map[MarketKey]map[string]*outcomeRecord),
		meta:        make(map[string]*FixtureMeta),
		evCache:     make(map[evKey]float64),
		metaFetched: make(map[string]bool),
		leagues:     make(map[string][]string),
		fetcher:     fetcher,
	}
}

// SetLeagues records the league scope of a sport, used as a hint for
// fixtures/active lookups.
func (e *Engine) SetLeagues(sport string, leagues []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leagues[sport] = append([]string(nil), leagues...)
}

// ComputeEVPercent returns the EV% of an offered price against a fair
// probability. Inputs are clamped to their valid ranges.
func ComputeEVPercent(fairProb, offered decimal.Decimal) decimal.Decimal {
	if fairProb.IsNegative() {
		fairProb = decimal.Zero
	}
	if fairProb.GreaterThan(one) {
		fairProb = one
	}
	if offered.LessThan(one) {
		offered = one
	}
	return fairProb.Mul(offered).Sub(one).Mul(hundred)
}

type bestEntry struct {
	outcome string
	price   decimal.Decimal
	book    string
}

// computeArbitrage returns the total implied probability when the best
// prices across outcomes sum to an under-round.
func computeArbitrage(best []bestEntry) (decimal.Decimal, bool) {
	if len(best) < 2 {
		return decimal.Zero, false
	}
	total := decimal.Zero
	for _, b := range best {
		if b.price.GreaterThanOrEqual(minBestPrice) {
			total = total.Add(one.DivRound(b.price, 12))
		}
	}
	if total.IsPositive() && total.LessThan(one) {
		return total, true
	}
	return decimal.Zero, false
}

// ProcessBatch folds a batch of quotes into the market book and derives
// EV records and arbitrage opportunities for every touched market.
func (e *Engine) ProcessBatch(sport string, quotes []*odds.Quote) ([]EVQuote, []Arbitrage) {
	type parsed struct {
		q          *odds.Quote
		fixtureID  string
		marketNorm string
		outcome    string
		price      decimal.Decimal
	}
	batch := make([]parsed, 0, len(quotes))

	var affected []MarketKey
	seen := make(map[MarketKey]bool)

	e.mu.Lock()
	for _, q := range quotes {
		market := q.ComposedMarket()
		outcome := q.OutcomeName()
		sb := strings.TrimSpace(q.Sportsbook)
		if market == "" || outcome == "" || sb == "" {
			continue
		}
		price, ok := odds.ParseDecimalOdds(q.Raw)
		if !ok {
			continue
		}
		fid := q.FixtureID()
		if fid == "" {
			continue
		}
		key := MarketKey{
			Sport:     sport,
			FixtureID: fid,
			Market:    odds.NormalizeMarket(market),
			IsLive:    q.IsLive,
		}
		outcomes := e.book[key]
		if outcomes == nil {
			outcomes = make(map[string]*outcomeRecord)
			e.book[key] = outcomes
		}
		rec := outcomes[outcome]
		if rec == nil {
			rec = &outcomeRecord{}
			outcomes[outcome] = rec
		}
		rec.Prices = append(rec.Prices, price)
		if price.GreaterThan(rec.BestPrice) {
			rec.BestPrice = price
			rec.BestBook = sb
		}
		if !seen[key] {
			seen[key] = true
			affected = append(affected, key)
		}
		batch = append(batch, parsed{q: q, fixtureID: fid, marketNorm: key.Market, outcome: outcome, price: price})
	}
	e.mu.Unlock()

	var evItems []EVQuote
	var arbs []Arbitrage

	for _, key := range affected {
		e.mu.Lock()
		outcomeMap := e.book[key]
		best := make([]bestEntry, 0, len(outcomeMap))
		allOutcomes := make([]string, 0, len(outcomeMap))
		for out, rec := range outcomeMap {
			allOutcomes = append(allOutcomes, out)
			if rec.BestPrice.GreaterThanOrEqual(minBestPrice) {
				best = append(best, bestEntry{outcome: out, price: rec.BestPrice, book: rec.BestBook})
			}
		}
		e.mu.Unlock()
		sort.Strings(allOutcomes)

		baseProbs := make(map[string]decimal.Decimal, len(best))
		for _, b := range best {
			baseProbs[b.outcome] = one.DivRound(b.price, 12)
		}

		fairProbs := e.fairProbabilities(key.Market, baseProbs)

		if total, ok := computeArbitrage(best); ok {
			ordered := append([]bestEntry(nil), best...)
			sort.Slice(ordered, func(i, j int) bool {
				if !ordered[i].price.Equal(ordered[j].price) {
					return ordered[i].price.GreaterThan(ordered[j].price)
				}
				return ordered[i].outcome < ordered[j].outcome
			})
			outs := make([]ArbOutcome, 0, len(ordered))
			for _, b := range ordered {
				outs = append(outs, ArbOutcome{
					Name:  b.outcome,
					Book:  b.book,
					Price: b.price.InexactFloat64(),
				})
			}
			arbs = append(arbs, Arbitrage{
				Sport:               key.Sport,
				FixtureID:           key.FixtureID,
				MarketName:          key.Market,
				IsLive:              key.IsLive,
				Outcomes:            outs,
				TotalImpliedPercent: total.Mul(hundred).Round(3).InexactFloat64(),
				ArbitragePercent:    one.Sub(total).Mul(hundred).Round(3).InexactFloat64(),
			})
		}

		if len(fairProbs) == 0 {
			continue
		}

		bySB, aggPair := participantPairs(quotes, key.FixtureID)

		for _, p := range batch {
			if p.marketNorm != key.Market || p.fixtureID != key.FixtureID {
				continue
			}
			fp, ok := fairProbs[p.outcome]
			if !ok {
				continue
			}
			e.mu.Lock()
			if e.meta[key.FixtureID] == nil {
				e.ensureMetaLocked(key.Sport, key.FixtureID)
			}
			meta := FixtureMeta{}
			if m := e.meta[key.FixtureID]; m != nil {
				meta = *m
			}
			e.mu.Unlock()

			ev := ComputeEVPercent(fp, p.price).Round(3)

			home, away := odds.ExtractHomeAway(p.q.Raw)
			effHome := firstNonEmpty(meta.HomeTeam, home)
			effAway := firstNonEmpty(meta.AwayTeam, away)
			if effHome == "" && effAway == "" {
				sb := strings.ToLower(strings.TrimSpace(p.q.Sportsbook))
				pair, ok := bySB[sb]
				if !ok {
					pair, ok = aggPair, aggPair != [2]string{}
				}
				if ok && pair != [2]string{} {
					effHome, effAway = pair[0], pair[1]
				}
			}
			if effHome == "" || effAway == "" {
				ih, ia := inferTeamsFromOutcomes(allOutcomes)
				if ih != "" && effHome == "" {
					effHome = ih
				}
				if ia != "" && effAway == "" {
					effAway = ia
				}
				if ih != "" && ia != "" {
					e.mu.Lock()
					fm := e.meta[key.FixtureID]
					if fm == nil {
						fm = &FixtureMeta{}
						e.meta[key.FixtureID] = fm
					}
					if fm.HomeTeam == "" {
						fm.HomeTeam = ih
					}
					if fm.AwayTeam == "" {
						fm.AwayTeam = ia
					}
					e.mu.Unlock()
				}
			}

			league := meta.League
			if league == "" {
				league = odds.ExtractLeagueName(p.q.Raw)
			}
			start := meta.StartDate
			if start == 0 {
				start, _ = odds.ExtractStartTime(p.q.Raw)
			}

			evItems = append(evItems, EVQuote{
				Sport:      key.Sport,
				FixtureID:  key.FixtureID,
				Market:     key.Market,
				MarketBase: p.q.BaseMarket(),
				MarketType: p.q.MarketType(),
				League:     league,
				HomeTeam:   effHome,
				AwayTeam:   effAway,
				StartDate:  start,
				Name:       p.outcome,
				Price:      p.price.InexactFloat64(),
				Sportsbook: strings.TrimSpace(p.q.Sportsbook),
				IsLive:     key.IsLive,
				EVValue:    ev.InexactFloat64(),
				DeepLink:   odds.ExtractDeepLink(p.q.Raw),
			})

			ck := evKey{
				fixture: key.FixtureID,
				book:    strings.ToLower(strings.TrimSpace(p.q.Sportsbook)),
				market:  strings.ToLower(key.Market),
				name:    strings.ToLower(p.outcome),
			}
			if ck.fixture != "" && ck.book != "" && ck.market != "" && ck.name != "" {
				e.mu.Lock()
				e.evCache[ck] = ev.InexactFloat64()
				e.mu.Unlock()
			}
		}
	}
	return evItems, arbs
}

// fairProbabilities removes the overround. Team-grouped normalisation
// handles Over/Under style markets where each team contributes a pair of
// outcomes; whole-market normalisation covers exclusive markets.
func (e *Engine) fairProbabilities(marketNorm string, baseProbs map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(baseProbs) == 0 {
		return nil
	}
	groups := make(map[string][]string)
	for out := range baseProbs {
		team := strings.ToLower(odds.CleanOutcomeTeamName(out))
		if team == "" {
			team = strings.ToLower(strings.TrimSpace(out))
		}
		groups[team] = append(groups[team], out)
	}

	fair := make(map[string]decimal.Decimal)
	for _, outs := range groups {
		if len(outs) < 2 {
			continue
		}
		total := decimal.Zero
		for _, o := range outs {
			total = total.Add(baseProbs[o])
		}
		if total.GreaterThanOrEqual(probWindowLo) && total.LessThanOrEqual(probWindowHi) {
			for _, o := range outs {
				fair[o] = baseProbs[o].DivRound(total, 12)
			}
		}
	}
	if len(fair) == 0 && len(baseProbs) >= 2 && !odds.IsNonexclusiveMarket(marketNorm) {
		total := decimal.Zero
		for _, bp := range baseProbs {
			total = total.Add(bp)
		}
		if total.GreaterThanOrEqual(probWindowLo) && total.LessThanOrEqual(probWindowHi) {
			for o, bp := range baseProbs {
				fair[o] = bp.DivRound(total, 12)
			}
		}
	}
	if len(fair) == 0 {
		return nil
	}
	return fair
}

var (
	genericOutcomeLabels = map[string]bool{
		"over": true, "under": true, "odd": true, "even": true, "yes": true, "no": true,
	}
	overUnderPrefixRe = regexp.MustCompile(`^(over|under)\b`)
	h2hMarketTokens   = []string{"moneyline", "match winner", "matchwinner", "ml", "winner"}
)

// participantPairs scans a batch for outcome names that look like team
// names, keyed per sportsbook with an aggregate fallback. Names drawn
// from H2H style markets are preferred.
func participantPairs(quotes []*odds.Quote, fixtureID string) (map[string][2]string, [2]string) {
	lists := make(map[string][]string)
	var agg []string
	for _, q := range quotes {
		if q.FixtureID() != fixtureID {
			continue
		}
		name := q.OutcomeName()
		if name == "" {
			continue
		}
		low := strings.ToLower(strings.TrimSpace(name))
		if genericOutcomeLabels[low] || overUnderPrefixRe.MatchString(low) {
			continue
		}
		sb := strings.ToLower(strings.TrimSpace(q.Sportsbook))
		mk := strings.ToLower(q.BaseMarket())
		h2h := false
		for _, tok := range h2hMarketTokens {
			if strings.Contains(mk, tok) {
				h2h = true
				break
			}
		}
		if h2h {
			lists[sb] = append([]string{name}, lists[sb]...)
			agg = append([]string{name}, agg...)
		} else {
			lists[sb] = append(lists[sb], name)
			agg = append(agg, name)
		}
	}

	firstPair := func(names []string) ([2]string, bool) {
		var uniq []string
		seen := make(map[string]bool)
		for _, n := range names {
			if seen[n] {
				continue
			}
			uniq = append(uniq, n)
			seen[n] = true
			if len(uniq) >= 2 {
				return [2]string{uniq[0], uniq[1]}, true
			}
		}
		return [2]string{}, false
	}

	bySB := make(map[string][2]string)
	for sb, names := range lists {
		if pair, ok := firstPair(names); ok {
			bySB[sb] = pair
		}
	}
	aggPair, _ := firstPair(agg)
	return bySB, aggPair
}

var skipInferredOutcomes = map[string]bool{
	"draw": true, "tie": true, "over": true, "under": true,
}

// inferTeamsFromOutcomes derives a home/away pair from outcome labels
// when nothing better is known.
func inferTeamsFromOutcomes(outcomes []string) (string, string) {
	var uniq []string
	seen := make(map[string]bool)
	for _, o := range outcomes {
		clean := odds.CleanOutcomeTeamName(o)
		if clean == "" || skipInferredOutcomes[strings.ToLower(clean)] {
			continue
		}
		low := strings.ToLower(clean)
		if seen[low] {
			continue
		}
		uniq = append(uniq, clean)
		seen[low] = true
		if len(uniq) >= 2 {
			return uniq[0], uniq[1]
		}
	}
	return "", ""
}

// ensureMetaLocked schedules a one-shot fixtures/active fetch for a
// fixture with no metadata yet. Caller holds e.mu.
func (e *Engine) ensureMetaLocked(sport, fixtureID string) {
	if e.fetcher == nil || fixtureID == "" || e.metaFetched[fixtureID] {
		return
	}
	e.metaFetched[fixtureID] = true
	leagues := e.leagues[sport]
	go func() {
		items, err := e.fetcher.ActiveFixtures(context.Background(), sport, fixtureID, leagues)
		if err != nil || len(items) == 0 {
			return
		}
		e.RefreshFixtureMetaFromMaps(items)
	}()
}

// RefreshFixtureMeta folds metadata found on stream items into the
// fixture cache. Present fields overwrite; absent fields never blank out
// what an earlier item established.
func (e *Engine) RefreshFixtureMeta(quotes []*odds.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range quotes {
		fid := q.FixtureID()
		if fid == "" {
			continue
		}
		e.applyMetaLocked(fid, q.Raw)
	}
}

// RefreshFixtureMetaFromMaps folds fixtures/active catalogue objects into
// the fixture cache. Catalogue items may carry several id aliases; each
// gets the same metadata.
func (e *Engine) RefreshFixtureMetaFromMaps(items []map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range items {
		for _, k := range []string{"id", "fixture_id", "event_id", "match_id"} {
			fid := scalarID(it[k])
			if fid == "" {
				continue
			}
			e.applyMetaLocked(fid, it)
		}
	}
}

func (e *Engine) applyMetaLocked(fixtureID string, raw map[string]any) {
	m := e.meta[fixtureID]
	if m == nil {
		m = &FixtureMeta{}
		e.meta[fixtureID] = m
	}
	if hm, aw := odds.ExtractHomeAway(raw); hm != "" || aw != "" {
		if hm != "" {
			m.HomeTeam = hm
		}
		if aw != "" {
			m.AwayTeam = aw
		}
	}
	if st, ok := odds.ExtractStartTime(raw); ok && st != 0 {
		m.StartDate = st
	}
	if lg := odds.ExtractLeagueName(raw); lg != "" {
		m.League = lg
	}
}

// Meta returns a snapshot of the cached metadata for a fixture.
func (e *Engine) Meta(fixtureID string) (FixtureMeta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.meta[fixtureID]
	if m == nil {
		return FixtureMeta{}, false
	}
	return *m, true
}

// LookupEV reads the latest derived EV% for a quote, used to annotate
// grouped raw payloads between derivations.
func (e *Engine) LookupEV(fixtureID, book, market, name string) (float64, bool) {
	k := evKey{
		fixture: fixtureID,
		book:    strings.ToLower(strings.TrimSpace(book)),
		market:  strings.ToLower(strings.TrimSpace(market)),
		name:    strings.ToLower(strings.TrimSpace(name)),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.evCache[k]
	return v, ok
}

// scalarID renders catalogue id values, which arrive as strings or JSON
// numbers.
func scalarID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
