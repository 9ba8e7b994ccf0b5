package config

import (
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != 8000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.OddsFormat != "decimal" {
		t.Errorf("OddsFormat = %q", cfg.OddsFormat)
	}
	if cfg.EVThreshold != 3.0 || cfg.ArbThreshold != 3.0 {
		t.Errorf("thresholds = %v / %v", cfg.EVThreshold, cfg.ArbThreshold)
	}
	if !cfg.IncludeFixtureUpdates {
		t.Error("IncludeFixtureUpdates default must be true")
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.SportsbookChunkSize != 10 || cfg.LeagueChunkSize != 5 {
		t.Errorf("chunks = %d / %d", cfg.SportsbookChunkSize, cfg.LeagueChunkSize)
	}
	if cfg.SoccerSportsbookChunk != 6 || cfg.SoccerLeagueChunk != 3 {
		t.Errorf("soccer chunks = %d / %d", cfg.SoccerSportsbookChunk, cfg.SoccerLeagueChunk)
	}
	if cfg.AllowedMarkets != nil {
		t.Errorf("AllowedMarkets = %v", cfg.AllowedMarkets)
	}
	if cfg.WSDebug {
		t.Error("WSDebug must default off")
	}
	if !cfg.IngestFilters {
		t.Error("IngestFilters must default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("ODDS_FORMAT", "AMERICAN")
	t.Setenv("EV_THRESHOLD_PERCENT", "1.5")
	t.Setenv("WS_DEBUG", "yes")
	t.Setenv("INGEST_FILTERS", "off")
	t.Setenv("INCLUDE_FIXTURE_UPDATES", "0")
	t.Setenv("ARB_MARKETS", "moneyline, total points")
	t.Setenv("SPORTS_ALLOWLIST", "basketball,tennis")

	cfg := Load()
	if cfg.Port != 9100 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.OddsFormat != "american" {
		t.Errorf("OddsFormat = %q", cfg.OddsFormat)
	}
	if cfg.EVThreshold != 1.5 {
		t.Errorf("EVThreshold = %v", cfg.EVThreshold)
	}
	if !cfg.WSDebug {
		t.Error("WS_DEBUG=yes must parse as true")
	}
	if cfg.IngestFilters {
		t.Error("INGEST_FILTERS=off must disable")
	}
	if cfg.IncludeFixtureUpdates {
		t.Error("INCLUDE_FIXTURE_UPDATES=0 must disable")
	}
	if !reflect.DeepEqual(cfg.AllowedMarkets, []string{"moneyline", "total points"}) {
		t.Errorf("AllowedMarkets = %v", cfg.AllowedMarkets)
	}
	if !reflect.DeepEqual(cfg.SportsAllowlist, []string{"basketball", "tennis"}) {
		t.Errorf("SportsAllowlist = %v", cfg.SportsAllowlist)
	}
}

func TestLoadSportsFallback(t *testing.T) {
	t.Setenv("SPORTS", "soccer")
	cfg := Load()
	if !reflect.DeepEqual(cfg.SportsAllowlist, []string{"soccer"}) {
		t.Errorf("SportsAllowlist = %v", cfg.SportsAllowlist)
	}
}

func TestArbMarketsWildcard(t *testing.T) {
	for _, v := range []string{"all", "*", "  ", "ALL"} {
		if got := arbMarkets(v); got != nil {
			t.Errorf("arbMarkets(%q) = %v, want nil", v, got)
		}
	}
}

func TestInvalidOddsFormatFallsBack(t *testing.T) {
	t.Setenv("ODDS_FORMAT", "fractional")
	if cfg := Load(); cfg.OddsFormat != "decimal" {
		t.Errorf("OddsFormat = %q", cfg.OddsFormat)
	}
}
