// Package odds holds the quote model and the normalisation and extraction
// rules that make fuzzy upstream identifiers (markets, leagues, outcome
// labels) tractable for matching and state keeping.
package odds

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var genericOutcomeTokens = map[string]bool{
	"over": true, "under": true, "yes": true, "no": true, "odd": true, "even": true,
}

var (
	reOverUnderLine   = regexp.MustCompile(`(?i)^(over|under)\s+[+-]?\d+(\.\d+)?$`)
	reGenericTrailing = regexp.MustCompile(`(?i)^(over|under|yes|no|odd|even)[^a-zA-Z]*$`)
	reNonAlnum        = regexp.MustCompile(`[^a-z0-9]+`)

	reOutcomeOU     = regexp.MustCompile(`(?i)\s+(?:over|under)\s+[+-]?\d+(\.\d+)?$`)
	reOutcomeML     = regexp.MustCompile(`(?i)\s+moneyline$`)
	reOutcomeParens = regexp.MustCompile(`\s+\([^)]*\)$`)
	reOutcomeLine   = regexp.MustCompile(`\s*[+-]\d+(\.\d+)?$`)

	reQ1 = regexp.MustCompile(`\b(first|1st)\s+quarter\b`)
	reQ2 = regexp.MustCompile(`\b(second|2nd)\s+quarter\b`)
	reQ3 = regexp.MustCompile(`\b(third|3rd)\s+quarter\b`)
	reQ4 = regexp.MustCompile(`\b(fourth|4th)\s+quarter\b`)
	reH1 = regexp.MustCompile(`\b(first|1st)\s+half\b`)
	reH2 = regexp.MustCompile(`\b(second|2nd)\s+half\b`)

	reShort1H = regexp.MustCompile(`\b1h\b`)
	reShort2H = regexp.MustCompile(`\b2h\b`)
	reTokQ1   = regexp.MustCompile(`\bq1\b`)
	reTokQ2   = regexp.MustCompile(`\bq2\b`)
	reTokQ3   = regexp.MustCompile(`\bq3\b`)
	reTokQ4   = regexp.MustCompile(`\bq4\b`)
)

var leagueAliases = map[string]string{
	"ncaaf":  "ncaafootball",
	"ncaafb": "ncaafootball",
	"ncaam":  "ncaabasketball",
	"ncaab":  "ncaabasketball",
	"ncaaw":  "ncaawbasketball",
}

// IsGenericLabel reports whether a string is a generic non-team outcome
// label such as "Over", "Under 11.5" or "Yes".
func IsGenericLabel(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return false
	}
	if genericOutcomeTokens[v] {
		return true
	}
	if reOverUnderLine.MatchString(v) {
		return true
	}
	return reGenericTrailing.MatchString(v)
}

// NormalizeMarket lower-cases and trims a market string. The state engine
// keys books on this form of the composed market.
func NormalizeMarket(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsNonexclusiveMarket reports whether a market's outcomes do not form a
// probability simplex (player props, anytime scorer style markets).
func IsNonexclusiveMarket(marketNorm string) bool {
	s := strings.ToLower(marketNorm)
	scorerish := strings.Contains(s, "scorer") ||
		strings.Contains(s, "to score") ||
		strings.Contains(s, "touchdown") ||
		strings.Contains(s, "goalscorer") ||
		strings.Contains(s, "home run")
	if scorerish && !strings.Contains(s, "first") && !strings.Contains(s, "1st") {
		return true
	}
	if strings.Contains(s, "anytime") {
		for _, t := range []string{"td", "touchdown", "goal", "home run", "scorer"} {
			if strings.Contains(s, t) {
				return true
			}
		}
	}
	return false
}

// ComposeMarket prepends the first non-empty segment to the base market
// unless the segment already appears in it. The state engine keys on the
// lower-cased composed string.
func ComposeMarket(base string, segments []string) string {
	base = strings.TrimSpace(base)
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(base), strings.ToLower(seg)) {
			return strings.TrimSpace(seg + " " + base)
		}
		break
	}
	return base
}

// CleanOutcomeTeamName derives a team/player name from an outcome label by
// stripping Over/Under lines, a trailing "moneyline" and a trailing
// parenthesised suffix.
func CleanOutcomeTeamName(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		return ""
	}
	s = reOutcomeOU.ReplaceAllString(s, "")
	s = reOutcomeML.ReplaceAllString(s, "")
	s = reOutcomeParens.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// CompactToken lower-cases and removes spaces and separators for
// contains-style comparisons.
func CompactToken(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	r := strings.NewReplacer(" ", "", "_", "", "-", "", "/", "")
	return r.Replace(v)
}

// SoftTokens splits into lower-cased words, keeping word boundaries.
func SoftTokens(s string) []string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "-", " ")
	v = strings.ReplaceAll(v, "_", " ")
	return strings.Fields(v)
}

// CleanAlnum folds accents, lower-cases and strips every non-alphanumeric
// rune.
func CleanAlnum(s string) string {
	v := strings.ToLower(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	v, _, _ = transform.String(t, v)
	return reNonAlnum.ReplaceAllString(v, "")
}

// CanonMarketText canonicalises a market string for fuzzy matching:
// ordinal periods collapse to q1..q4/h1/h2, ignorable tokens are dropped,
// team-points variants alias to "team total" and the remainder is
// alnum-compacted.
func CanonMarketText(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = reQ1.ReplaceAllString(v, " q1 ")
	v = reQ2.ReplaceAllString(v, " q2 ")
	v = reQ3.ReplaceAllString(v, " q3 ")
	v = reQ4.ReplaceAllString(v, " q4 ")
	v = reH1.ReplaceAllString(v, " h1 ")
	v = reH2.ReplaceAllString(v, " h2 ")
	v = reShort1H.ReplaceAllString(v, " h1 ")
	v = reShort2H.ReplaceAllString(v, " h2 ")
	v = reTokQ1.ReplaceAllString(v, " q1 ")
	v = reTokQ2.ReplaceAllString(v, " q2 ")
	v = reTokQ3.ReplaceAllString(v, " q3 ")
	v = reTokQ4.ReplaceAllString(v, " q4 ")
	v = strings.ReplaceAll(v, "team total points", " team total ")
	v = strings.ReplaceAll(v, "team points", " team total ")
	for _, t := range []string{"quarter", "half", "points", "point", "pts"} {
		v = strings.ReplaceAll(v, t, " ")
	}
	return reNonAlnum.ReplaceAllString(v, "")
}

// NormalizeLeagueAlias resolves a league identifier to its canonical
// alnum-compacted form, mapping common NCAA aliases.
func NormalizeLeagueAlias(s string) string {
	v := CleanAlnum(s)
	if canon, ok := leagueAliases[v]; ok {
		return canon
	}
	return strings.ReplaceAll(v, "collegefootball", "ncaafootball")
}

// SportDisplay renders a sport id for payloads: underscores become spaces
// and every word is title-cased.
func SportDisplay(s string) string {
	if s == "" {
		return ""
	}
	v := strings.ReplaceAll(s, "_", " ")
	return cases.Title(language.English).String(v)
}
