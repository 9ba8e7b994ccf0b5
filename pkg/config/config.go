// Package config resolves the gateway's runtime tunables from the
// environment.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port       int
	APIKey     string
	OddsFormat string

	EVThreshold  float64
	ArbThreshold float64

	WSDebug       bool
	IngestFilters bool
	Trace         bool
	TraceFile     string

	IncludeFixtureUpdates bool
	MaxWorkers            int
	SportsbookChunkSize   int
	LeagueChunkSize       int
	SoccerSportsbookChunk int
	SoccerLeagueChunk     int

	// AllowedMarkets is nil when every market is admitted.
	AllowedMarkets  []string
	SportsAllowlist []string
}

// Load reads the environment. Every knob has a default; nothing is
// required except the API key for live upstream access.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8000)
	v.SetDefault("ODDS_FORMAT", "decimal")
	v.SetDefault("EV_THRESHOLD_PERCENT", 3.0)
	v.SetDefault("ARB_THRESHOLD_PERCENT", 3.0)
	v.SetDefault("INCLUDE_FIXTURE_UPDATES", true)
	v.SetDefault("INGEST_FILTERS", true)
	v.SetDefault("MAX_WORKERS", 8)
	v.SetDefault("SPORTSBOOK_CHUNK_SIZE", 10)
	v.SetDefault("LEAGUE_CHUNK_SIZE", 5)
	v.SetDefault("SPORTSBOOK_CHUNK_SIZE_SOCCER", 6)
	v.SetDefault("LEAGUE_CHUNK_SIZE_SOCCER", 3)

	cfg := &Config{
		Port:                  v.GetInt("PORT"),
		APIKey:                v.GetString("OPTICODDS_API_KEY"),
		OddsFormat:            normalizeFormat(v.GetString("ODDS_FORMAT")),
		EVThreshold:           v.GetFloat64("EV_THRESHOLD_PERCENT"),
		ArbThreshold:          v.GetFloat64("ARB_THRESHOLD_PERCENT"),
		WSDebug:               truthy(v.GetString("WS_DEBUG")),
		IngestFilters:         boolDefault(v, "INGEST_FILTERS", true),
		Trace:                 truthy(v.GetString("TRACE")),
		TraceFile:             v.GetString("TRACE_FILE"),
		IncludeFixtureUpdates: boolDefault(v, "INCLUDE_FIXTURE_UPDATES", true),
		MaxWorkers:            v.GetInt("MAX_WORKERS"),
		SportsbookChunkSize:   v.GetInt("SPORTSBOOK_CHUNK_SIZE"),
		LeagueChunkSize:       v.GetInt("LEAGUE_CHUNK_SIZE"),
		SoccerSportsbookChunk: v.GetInt("SPORTSBOOK_CHUNK_SIZE_SOCCER"),
		SoccerLeagueChunk:     v.GetInt("LEAGUE_CHUNK_SIZE_SOCCER"),
		AllowedMarkets:        arbMarkets(v.GetString("ARB_MARKETS")),
	}

	sports := v.GetString("SPORTS_ALLOWLIST")
	if sports == "" {
		sports = v.GetString("SPORTS")
	}
	cfg.SportsAllowlist = splitCSV(sports)
	return cfg
}

func normalizeFormat(s string) string {
	f := strings.ToLower(strings.TrimSpace(s))
	if f == "american" {
		return "american"
	}
	return "decimal"
}

// arbMarkets parses the market allowlist. "all", "*" and empty mean no
// restriction.
func arbMarkets(s string) []string {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" || t == "all" || t == "*" {
		return nil
	}
	return splitCSV(s)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// boolDefault keeps a true default while still honouring explicit "off"
// spellings viper's bool cast does not know.
func boolDefault(v *viper.Viper, key string, def bool) bool {
	s := strings.ToLower(strings.TrimSpace(v.GetString(key)))
	switch s {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
