package odds

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// minDecimalOdds is the smallest admissible decimal price.
var minDecimalOdds = decimal.NewFromFloat(1.01)

var (
	decimalOddsKeys  = []string{"decimal", "odds_decimal", "price_decimal", "decimal_price"}
	americanOddsKeys = []string{"american", "odds_american"}
)

// AmericanToDecimal converts American odds to decimal odds. Values in the
// open interval (-100, 100) are not valid American odds.
func AmericanToDecimal(a decimal.Decimal) (decimal.Decimal, bool) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	if a.GreaterThanOrEqual(hundred) {
		return one.Add(a.DivRound(hundred, 9)), true
	}
	if a.LessThanOrEqual(hundred.Neg()) {
		return one.Add(hundred.DivRound(a.Abs(), 9)), true
	}
	return decimal.Zero, false
}

// ParseDecimalOdds resolves the offered decimal price of a quote, applying
// a strict precedence: explicit decimal fields, then explicit American
// fields (both at the top level and nested under a "price" object), then
// generic odds/price fields where |x| >= 100 is read as American.
func ParseDecimalOdds(raw map[string]any) (decimal.Decimal, bool) {
	sources := []map[string]any{raw}
	if p, ok := raw["price"].(map[string]any); ok {
		sources = append(sources, p)
	}

	for _, src := range sources {
		for _, k := range decimalOddsKeys {
			if f, ok := asFloat(src[k]); ok {
				d := decimal.NewFromFloat(f)
				if d.GreaterThanOrEqual(minDecimalOdds) {
					return d, true
				}
			}
		}
	}
	for _, src := range sources {
		for _, k := range americanOddsKeys {
			if f, ok := asFloat(src[k]); ok {
				if d, ok := AmericanToDecimal(decimal.NewFromFloat(f)); ok {
					return d, true
				}
			}
		}
	}
	for _, k := range []string{"odds", "price"} {
		if f, ok := asFloat(raw[k]); ok {
			d := decimal.NewFromFloat(f)
			if dec, ok := AmericanToDecimal(d); ok {
				return dec, true
			}
			if d.GreaterThanOrEqual(minDecimalOdds) {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

const maxExtractDepth = 12

var nestContainers = []string{"raw", "raw_data", "data", "attributes", "payload"}

// ExtractDeepLink searches the nested object tree for a deep link, either a
// bare string or a {desktop|Desktop: url} object, to bounded depth.
func ExtractDeepLink(raw map[string]any) string {
	return searchDeepLink(raw, 0)
}

func searchDeepLink(v any, depth int) string {
	if depth > maxExtractDepth {
		return ""
	}
	switch obj := v.(type) {
	case map[string]any:
		if dl, ok := obj["deep_link"]; ok {
			if s, ok := dl.(string); ok && s != "" {
				return s
			}
			if sub, ok := dl.(map[string]any); ok {
				for _, k := range []string{"desktop", "Desktop"} {
					if s, ok := sub[k].(string); ok && s != "" {
						return s
					}
				}
			}
		}
		for _, k := range nestContainers {
			if sub, ok := obj[k]; ok && sub != nil {
				if r := searchDeepLink(sub, depth+1); r != "" {
					return r
				}
			}
		}
		for _, sub := range obj {
			if r := searchDeepLink(sub, depth+1); r != "" {
				return r
			}
		}
	case []any:
		for _, item := range obj {
			if r := searchDeepLink(item, depth+1); r != "" {
				return r
			}
		}
	}
	return ""
}

var participantKeys = []string{"participants", "participant", "competitors", "teams", "sides"}

// h2hPlayerSports are sports whose participant objects may carry a bare
// "player" field instead of a team name.
var h2hPlayerSports = map[string]bool{
	"tennis": true, "table_tennis": true, "table-tennis": true, "volleyball": true,
}

// ExtractHomeAway pulls participant names from the many shapes the feed
// uses: explicit display fields, participant/competitor arrays, and player
// fields for racket sports. Generic outcome labels are discarded.
func ExtractHomeAway(raw map[string]any) (string, string) {
	if h, a := homeAwayFromObj(raw); h != "" || a != "" {
		return h, a
	}
	for _, k := range []string{"fixture", "event", "match", "game"} {
		if sub, ok := raw[k].(map[string]any); ok {
			if h, a := homeAwayFromObj(sub); h != "" || a != "" {
				return h, a
			}
		}
	}
	return "", ""
}

func homeAwayFromObj(obj map[string]any) (string, string) {
	home := cleanName(asString(pickFirst(obj, "home_team_display")))
	away := cleanName(asString(pickFirst(obj, "away_team_display")))

	if home == "" || away == "" {
		for _, k := range participantKeys {
			coll, ok := obj[k].([]any)
			if !ok || len(coll) < 2 {
				continue
			}
			n0 := participantName(coll[0], false)
			n1 := participantName(coll[1], false)
			if home == "" {
				home = n0
			}
			if away == "" {
				away = n1
			}
			break
		}
	}

	sport := strings.ToLower(strings.TrimSpace(asString(pickFirst(obj, "sport", "sport_name"))))
	if (home == "" || away == "") && h2hPlayerSports[sport] {
		for _, k := range participantKeys {
			coll, ok := obj[k].([]any)
			if !ok || len(coll) < 2 {
				continue
			}
			n0 := participantName(coll[0], true)
			n1 := participantName(coll[1], true)
			if n0 != "" && n1 != "" {
				if home == "" {
					home = n0
				}
				if away == "" {
					away = n1
				}
				break
			}
		}
	}

	if IsGenericLabel(home) {
		home = ""
	}
	if IsGenericLabel(away) {
		away = ""
	}
	return cleanName(home), cleanName(away)
}

func participantName(v any, allowPlayer bool) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	keys := []string{
		"name", "team", "team_name", "full_name", "short_name", "displayName",
		"home_team", "away_team", "homeTeam", "awayTeam",
	}
	if allowPlayer {
		keys = []string{"name", "full_name", "short_name", "displayName", "player", "team"}
	}
	return cleanName(asString(pickFirst(m, keys...)))
}

// cleanName rejects empty and null-ish placeholder strings.
func cleanName(s string) string {
	v := strings.TrimSpace(s)
	switch strings.ToLower(v) {
	case "", "none", "null", "n/a", "na":
		return ""
	}
	return v
}

// ToEpochSeconds converts ints (milliseconds when > 1e12), digit strings
// and ISO-8601 strings to epoch seconds.
func ToEpochSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		if t > 1e12 {
			return int64(t) / 1000, true
		}
		return int64(t), true
	case int64:
		if t > 1_000_000_000_000 {
			return t / 1000, true
		}
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.Unix(), true
		}
		return 0, false
	}
	if f, ok := asFloat(v); ok {
		return ToEpochSeconds(f)
	}
	return 0, false
}

var startTimeKeys = []string{
	"start_time", "commence_time", "start_date", "kickoff", "event_date",
	"game_time", "fixture_start", "start_at", "timestamp",
}

// ExtractStartTime resolves the fixture start as epoch seconds, also
// checking one nested fixture/event/match object.
func ExtractStartTime(raw map[string]any) (int64, bool) {
	v := pickFirst(raw, startTimeKeys...)
	if v == nil {
		for _, k := range []string{"fixture", "event", "match"} {
			if sub, ok := raw[k].(map[string]any); ok {
				v = pickFirst(sub, "start_time", "commence_time", "start_date", "kickoff", "start_at", "timestamp")
				if v != nil {
					break
				}
			}
		}
	}
	return ToEpochSeconds(v)
}

// ExtractLeagueName resolves the league, which may be a string or an
// object with name/title/id.
func ExtractLeagueName(raw map[string]any) string {
	switch lg := raw["league"].(type) {
	case string:
		return lg
	case map[string]any:
		return asString(pickFirst(lg, "name", "title", "id"))
	}
	return ""
}
