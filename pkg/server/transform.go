package server

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/odds"
)

// Sports whose markets are two-participant head-to-heads, where team names
// can be recovered from the outcome labels themselves.
var h2hInferSports = map[string]bool{
	"tennis":       true,
	"table tennis": true,
	"table-tennis": true,
	"mma":          true,
	"boxing":       true,
}

var (
	reTrailingLine  = regexp.MustCompile(`\s*[+-]\d+(\.\d+)?$`)
	reHasLetter     = regexp.MustCompile(`[a-zA-Z]`)
	reLeadingOU     = regexp.MustCompile(`(?i)^(over|under)\b`)
	reNameSeparator = regexp.MustCompile(`\s+`)
)

// notGenericTeam reports whether a label can stand as a team/player name.
// Over/Under variants, Yes/No, Odd/Even and strings without a letter are
// all placeholders, not names.
func notGenericTeam(s string) bool {
	v := strings.TrimSpace(s)
	if v == "" {
		return false
	}
	if odds.IsGenericLabel(v) {
		return false
	}
	if reLeadingOU.MatchString(v) {
		return false
	}
	return reHasLetter.MatchString(v)
}

// leagueDisplay renders a league id for payloads. Short ids are acronyms
// and read better upper-cased.
func leagueDisplay(league string) string {
	if league != "" && len(league) <= 6 {
		return strings.ToUpper(league)
	}
	return league
}

func oddsEntryID(fixtureID, book, market, name string) string {
	n := reNameSeparator.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	return fmt.Sprintf("%s:%s:%s:%s",
		fixtureID, strings.ToLower(strings.TrimSpace(book)), market, n)
}

// GroupEVList regroups flat EV records into the book -> games -> odds tree
// the raw-odds payloads use, backfilling team names from the shared
// fixture-participant cache and, for head-to-head sports, from the outcome
// labels. Inferred pairs are written back into fxParticipants.
func GroupEVList(evList []engine.EVQuote, fxParticipants map[string][2]string) map[string]*engine.BookOdds {
	type gameSlot struct {
		game  *engine.Game
		sport string
	}
	grouped := make(map[string]*engine.BookOdds)
	slots := make(map[string]map[string]*gameSlot)

	for _, e := range evList {
		if e.FixtureID == "" || e.Sportsbook == "" {
			continue
		}
		book := strings.TrimSpace(e.Sportsbook)
		bo := grouped[book]
		if bo == nil {
			bo = &engine.BookOdds{}
			grouped[book] = bo
			slots[book] = make(map[string]*gameSlot)
		}
		slot := slots[book][e.FixtureID]
		if slot == nil {
			g := &engine.Game{
				ID:        e.FixtureID,
				StartDate: e.StartDate,
				Sport:     odds.SportDisplay(e.Sport),
				League:    leagueDisplay(e.League),
			}
			if notGenericTeam(e.HomeTeam) {
				g.HomeTeam = e.HomeTeam
			}
			if notGenericTeam(e.AwayTeam) {
				g.AwayTeam = e.AwayTeam
			}
			bo.Data = append(bo.Data, g)
			slot = &gameSlot{game: g, sport: strings.ToLower(strings.TrimSpace(e.Sport))}
			slots[book][e.FixtureID] = slot
		}
		marketNorm := odds.NormalizeMarket(e.Market)
		ev := e.EVValue
		price := e.Price
		slot.game.Odds = append(slot.game.Odds, &engine.OddsEntry{
			ID:         oddsEntryID(e.FixtureID, book, marketNorm, e.Name),
			Market:     marketNorm,
			SportsBook: book,
			DeepLink:   e.DeepLink,
			EVValue:    &ev,
			Name:       e.Name,
			Price:      &price,
			IsLive:     e.IsLive,
		})
	}

	for _, byFixture := range slots {
		for fid, slot := range byFixture {
			g := slot.game
			if g.HomeTeam != "" || g.AwayTeam != "" {
				continue
			}
			if pair, ok := fxParticipants[fid]; ok && pair[0] != "" && pair[1] != "" {
				g.HomeTeam, g.AwayTeam = pair[0], pair[1]
				continue
			}
			if !h2hInferSports[slot.sport] {
				continue
			}
			if home, away, ok := inferH2HNamesFromOdds(g.Odds); ok {
				g.HomeTeam, g.AwayTeam = home, away
				if fxParticipants != nil {
					fxParticipants[fid] = [2]string{home, away}
				}
			}
		}
	}
	return grouped
}

var h2hMarketTokens = []string{"moneyline", "match winner", "matchwinner", "h2h", "winner"}

// inferH2HNamesFromOdds recovers two participant names from outcome
// labels, preferring names seen on head-to-head style markets.
func inferH2HNamesFromOdds(entries []*engine.OddsEntry) (home, away string, ok bool) {
	var preferred, rest []string
	for _, o := range entries {
		if o == nil {
			continue
		}
		name := odds.CleanOutcomeTeamName(o.Name)
		name = strings.TrimSpace(reTrailingLine.ReplaceAllString(name, ""))
		if !notGenericTeam(name) {
			continue
		}
		h2h := false
		ml := strings.ToLower(o.Market)
		for _, tok := range h2hMarketTokens {
			if strings.Contains(ml, tok) {
				h2h = true
				break
			}
		}
		if h2h {
			preferred = append(preferred, name)
		} else {
			rest = append(rest, name)
		}
	}
	seen := make(map[string]bool)
	var names []string
	for _, n := range append(preferred, rest...) {
		key := strings.ToLower(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, n)
		if len(names) == 2 {
			return names[0], names[1], true
		}
	}
	return "", "", false
}

// FilterGroupedRawOdds prunes a grouped raw-odds tree against one
// subscriber's filters: books by sportsbook tokens, games by sport and
// league, odds entries by market. Books and games that end up empty are
// dropped entirely. The input tree is shared across subscribers and is
// never mutated.
func FilterGroupedRawOdds(raw map[string]*engine.BookOdds, fs FilterSets) map[string]*engine.BookOdds {
	out := make(map[string]*engine.BookOdds, len(raw))
	for book, bo := range raw {
		if bo == nil {
			continue
		}
		if len(fs.SportsbookClean) > 0 && !sportsbookMatches(book, fs) {
			continue
		}
		var games []*engine.Game
		for _, g := range bo.Data {
			if g == nil {
				continue
			}
			if len(fs.Sport) > 0 && !fs.Sport[strings.ToLower(strings.TrimSpace(g.Sport))] {
				continue
			}
			if len(fs.LeagueClean) > 0 && !leagueMatches(g.League, fs) {
				continue
			}
			var kept []*engine.OddsEntry
			for _, o := range g.Odds {
				if o == nil {
					continue
				}
				if len(fs.MarketNorm) > 0 && !marketMatches(o.Market, fs) {
					continue
				}
				kept = append(kept, o)
			}
			if len(kept) == 0 {
				continue
			}
			gg := *g
			gg.Odds = kept
			games = append(games, &gg)
		}
		if len(games) > 0 {
			out[book] = &engine.BookOdds{Data: games}
		}
	}
	return out
}
