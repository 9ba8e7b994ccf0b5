// Package engine holds the in-memory market state and derives EV and
// arbitrage signals from incoming odds batches.
package engine

import (
	"github.com/shopspring/decimal"
)

// MarketKey identifies one priced market within one fixture.
type MarketKey struct {
	Sport     string
	FixtureID string
	Market    string // normalized composed market
	IsLive    bool
}

// outcomeRecord tracks the best offered price per outcome across books.
type outcomeRecord struct {
	BestPrice decimal.Decimal
	BestBook  string
	Prices    []decimal.Decimal
}

// FixtureMeta carries fixture enrichment collected from the feed and the
// fixtures/active catalogue.
type FixtureMeta struct {
	HomeTeam  string
	AwayTeam  string
	League    string
	StartDate int64 // epoch seconds, 0 when unknown
}

// EVQuote is one positive-or-negative expected-value record derived for a
// single sportsbook quote.
type EVQuote struct {
	Sport      string  `json:"sport"`
	FixtureID  string  `json:"fixture_id"`
	Market     string  `json:"market"`
	MarketBase string  `json:"market_base"`
	MarketType string  `json:"market_type"`
	League     string  `json:"league"`
	HomeTeam   string  `json:"home_team"`
	AwayTeam   string  `json:"away_team"`
	StartDate  int64   `json:"start_date,omitempty"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Sportsbook string  `json:"sportsbook"`
	IsLive     bool    `json:"is_live"`
	EVValue    float64 `json:"ev_value"`
	DeepLink   string  `json:"deep_link"`
}

// ArbOutcome is one leg of an arbitrage opportunity.
type ArbOutcome struct {
	Name  string  `json:"name"`
	Book  string  `json:"sports_book_name"`
	Price float64 `json:"price"`
}

// Arbitrage is a market-level opportunity where the best prices across
// books imply less than 100% combined probability.
type Arbitrage struct {
	Sport               string       `json:"sport"`
	FixtureID           string       `json:"fixture_id"`
	MarketName          string       `json:"market_name"`
	IsLive              bool         `json:"is_live"`
	Outcomes            []ArbOutcome `json:"outcomes"`
	TotalImpliedPercent float64      `json:"total_implied_percent"`
	ArbitragePercent    float64      `json:"arbitrage_percent"`
}

// OddsEntry is one priced selection inside a grouped raw-odds payload.
type OddsEntry struct {
	ID            string   `json:"id"`
	Market        string   `json:"market"`
	SportsBook    string   `json:"sports_book_name"`
	DeepLink      string   `json:"deep_link"`
	EVValue       *float64 `json:"ev_value"`
	Name          string   `json:"name"`
	Price         *float64 `json:"price"`
	HasBeenPosted bool     `json:"has_been_posted"`
	IsLive        bool     `json:"is_live"`
}

// Game groups the odds entries of one fixture inside a book's section of
// a grouped payload.
type Game struct {
	HomeTeam  string       `json:"home_team"`
	AwayTeam  string       `json:"away_team"`
	ID        string       `json:"id"`
	StartDate int64        `json:"start_date,omitempty"`
	Sport     string       `json:"sport"`
	League    string       `json:"league"`
	Odds      []*OddsEntry `json:"odds"`
}

// BookOdds is one sportsbook's slice of a grouped payload.
type BookOdds struct {
	Data []*Game `json:"data"`
}

// Payload is the envelope workers hand to the hub. Exactly one of the
// three fields is set; the hub classifies on that.
type Payload struct {
	Raw map[string]*BookOdds
	EV  []EVQuote
	Arb *Arbitrage
}

// Kind reports which payload class is carried.
func (p *Payload) Kind() string {
	switch {
	case p.Arb != nil:
		return "arbitrage"
	case p.EV != nil:
		return "ev"
	default:
		return "raw"
	}
}
