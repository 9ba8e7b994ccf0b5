package odds

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Quote is a single odds entry from the upstream feed. The feed is
// polymorphic, so the typed fields cover the common case and Raw keeps the
// full decoded object for the nested extractors (fixture ids, deep links,
// participants).
type Quote struct {
	Market     string `json:"market"`
	MarketName string `json:"market_name"`
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	Sportsbook string `json:"sportsbook"`
	IsLive     bool   `json:"is_live"`

	Raw map[string]any `json:"-"`
}

func (q *Quote) UnmarshalJSON(b []byte) error {
	type quoteAlias Quote
	var a quoteAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*q = Quote(a)
	q.Raw = raw
	return nil
}

// fixtureIDKeys lists the places a fixture id may live, in precedence order.
var fixtureIDKeys = []string{"fixture_id", "event_id", "fixture", "match_id", "id"}

// FixtureID resolves the fixture identifier, which may live under several
// keys and may be nested one level inside an object.
func (q *Quote) FixtureID() string {
	return fixtureIDFromMap(q.Raw)
}

func fixtureIDFromMap(m map[string]any) string {
	for _, k := range fixtureIDKeys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if s := asString(sub["id"]); s != "" {
				return s
			}
			if s := asString(sub["fixture_id"]); s != "" {
				return s
			}
			continue
		}
		if s := asString(v); s != "" {
			return s
		}
	}
	return ""
}

// OutcomeName returns the outcome label ("name" with "outcome" fallback).
func (q *Quote) OutcomeName() string {
	if s := strings.TrimSpace(q.Name); s != "" {
		return s
	}
	return strings.TrimSpace(q.Outcome)
}

// BaseMarket returns the raw market string before segment composition.
func (q *Quote) BaseMarket() string {
	if s := strings.TrimSpace(q.Market); s != "" {
		return s
	}
	return strings.TrimSpace(q.MarketName)
}

var segmentKeys = []string{"period", "bet_period", "segment", "scope", "type", "marketType", "market_type"}

// ComposedMarket joins the first period/segment/type field with the base
// market when the segment is not already part of it.
func (q *Quote) ComposedMarket() string {
	segs := make([]string, 0, len(segmentKeys))
	for _, k := range segmentKeys {
		if s := asScalarString(q.Raw[k]); s != "" {
			segs = append(segs, s)
		}
	}
	return ComposeMarket(q.BaseMarket(), segs)
}

// MarketType returns the raw market type/period field for payload echoes.
func (q *Quote) MarketType() string {
	for _, k := range []string{"type", "marketType", "market_type"} {
		if s := asScalarString(q.Raw[k]); s != "" {
			return s
		}
	}
	return ""
}

// asString renders strings and JSON numbers; integral floats print without
// a fraction so numeric ids round-trip cleanly.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// asScalarString is asString restricted to strings and numbers.
func asScalarString(v any) string {
	switch v.(type) {
	case string, float64, json.Number:
		return asString(v)
	}
	return ""
}

// asFloat coerces strings and JSON numbers to float64.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// pickFirst returns the first non-empty value among keys.
func pickFirst(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}
