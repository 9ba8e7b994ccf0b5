// Package server is the websocket fan-out layer: it keeps per-subscriber
// preferences, matches derived records against subscriber filters and
// regroups them into the wire payload shapes.
package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/odds"
)

// FilterValues is one subscriber's raw filter tokens, lower-cased and
// deduplicated but otherwise as the client sent them.
type FilterValues struct {
	Sport      []string
	Market     []string
	Sportsbook []string
	League     []string
}

// Empty reports whether no axis carries any token.
func (fv FilterValues) Empty() bool {
	return len(fv.Sport) == 0 && len(fv.Market) == 0 &&
		len(fv.Sportsbook) == 0 && len(fv.League) == 0
}

// Snapshot renders the four axes as a sorted, JSON-friendly echo.
func (fv FilterValues) Snapshot() map[string]any {
	return map[string]any{
		"sport":      sortedEcho(fv.Sport),
		"market":     sortedEcho(fv.Market),
		"sportsbook": sortedEcho(fv.Sportsbook),
		"league":     sortedEcho(fv.League),
	}
}

// FilterSets is the compiled form of FilterValues: each axis pre-normalised
// for the match rule it uses, so the hot broadcast path does no rewriting
// of filter tokens.
type FilterSets struct {
	Sport map[string]bool

	MarketRaw  map[string]bool
	MarketNorm map[string]bool

	SportsbookRaw   map[string]bool
	SportsbookClean map[string]bool

	LeagueRaw   map[string]bool
	LeagueClean map[string]bool
}

// Compile builds the matcher sets for the current tokens.
func (fv FilterValues) Compile() FilterSets {
	fs := FilterSets{
		Sport:           lowerSet(fv.Sport),
		MarketRaw:       lowerSet(fv.Market),
		MarketNorm:      mappedSet(fv.Market, odds.CanonMarketText),
		SportsbookRaw:   lowerSet(fv.Sportsbook),
		SportsbookClean: mappedSet(fv.Sportsbook, odds.CleanAlnum),
		LeagueRaw:       lowerSet(fv.League),
		LeagueClean:     mappedSet(fv.League, odds.NormalizeLeagueAlias),
	}
	return fs
}

// NormalizeFilterValues accepts the shapes clients send for one filter
// axis: a CSV string, a list of scalars or a single scalar. Tokens come
// back lower-cased, deduplicated and sorted.
func NormalizeFilterValues(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = []string{fmt.Sprint(t)}
	}
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		tok := strings.ToLower(strings.TrimSpace(r))
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// EVMatches applies the subscriber's filters to one EV record. An empty
// axis passes everything; a populated axis must match.
func EVMatches(e *engine.EVQuote, fs FilterSets) bool {
	if len(fs.Sport) > 0 && !fs.Sport[strings.ToLower(strings.TrimSpace(e.Sport))] {
		return false
	}
	if len(fs.MarketNorm) > 0 && !marketMatches(e.Market, fs) {
		return false
	}
	if len(fs.SportsbookClean) > 0 && !sportsbookMatches(e.Sportsbook, fs) {
		return false
	}
	if len(fs.LeagueClean) > 0 && !leagueMatches(e.League, fs) {
		return false
	}
	return true
}

// ArbMatches applies the subscriber's filters to one arbitrage record.
// The sportsbook axis passes when any leg's book matches; leagues are not
// carried on arbitrage records and are not checked.
func ArbMatches(a *engine.Arbitrage, fs FilterSets) bool {
	if len(fs.Sport) > 0 && !fs.Sport[strings.ToLower(strings.TrimSpace(a.Sport))] {
		return false
	}
	if len(fs.MarketNorm) > 0 && !marketMatches(a.MarketName, fs) {
		return false
	}
	if len(fs.SportsbookClean) > 0 {
		matched := false
		for _, o := range a.Outcomes {
			if sportsbookMatches(o.Book, fs) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// marketMatches: the filter token's canonical form must equal or be a
// substring of the value's canonical form.
func marketMatches(market string, fs FilterSets) bool {
	vc := odds.CanonMarketText(market)
	if vc == "" {
		return false
	}
	if fs.MarketNorm[vc] {
		return true
	}
	for f := range fs.MarketNorm {
		if f != "" && strings.Contains(vc, f) {
			return true
		}
	}
	return false
}

func sportsbookMatches(book string, fs FilterSets) bool {
	vc := odds.CleanAlnum(book)
	if vc == "" {
		return false
	}
	if fs.SportsbookClean[vc] {
		return true
	}
	for f := range fs.SportsbookClean {
		if f != "" && strings.Contains(vc, f) {
			return true
		}
	}
	return false
}

// leagueMatches: alias-resolved compact substring in either direction.
func leagueMatches(league string, fs FilterSets) bool {
	vc := odds.NormalizeLeagueAlias(league)
	if vc == "" {
		return false
	}
	for f := range fs.LeagueClean {
		if f == "" {
			continue
		}
		if strings.Contains(vc, f) || strings.Contains(f, vc) {
			return true
		}
	}
	return false
}

func lowerSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func mappedSet(vals []string, f func(string) string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		if m := f(v); m != "" {
			out[m] = true
		}
	}
	return out
}

func sortedEcho(vals []string) []string {
	out := append([]string(nil), vals...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
