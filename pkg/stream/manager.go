package stream

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/vTajae/predictable/pkg/engine"
	"github.com/vTajae/predictable/pkg/metrics"
	"github.com/vTajae/predictable/pkg/odds"
	"github.com/vTajae/predictable/pkg/opticodds"
)

// Catalogue is the slice of the OpticOdds client the manager needs.
type Catalogue interface {
	Sports(ctx context.Context) ([]opticodds.Sport, error)
	Leagues(ctx context.Context, sport string) ([]opticodds.League, error)
	Sportsbooks(ctx context.Context) ([]string, error)
	ActiveFixtures(ctx context.Context, sport, fixtureID string, leagues []string) ([]map[string]any, error)
	StreamOddsURL(sport string, q url.Values) string
	HasAPIKey() bool
}

// Filters is the subscriber-supplied scope restriction for one fleet.
type Filters struct {
	SportAllow      []string
	SportsbookAllow []string
	LeagueAllow     []string
	AllowedMarkets  []string
}

// ManagerConfig carries the tunables resolved from the environment.
type ManagerConfig struct {
	MaxWorkers            int
	SportsbookChunkSize   int
	LeagueChunkSize       int
	SoccerSportsbookChunk int
	SoccerLeagueChunk     int
	IncludeFixtureUpdates bool
	Debug                 bool
}

// Manager resolves the streaming scope and runs one worker per sport.
type Manager struct {
	Client  Catalogue
	Engine  *engine.Engine
	Filters Filters
	Config  ManagerConfig
	Format  *FormatHolder
	Metrics *metrics.GatewayMetrics

	OnPayload PayloadSink
	OnScope   ControlSink
}

type sportScope struct {
	Sport   string
	Leagues []string
}

type resolvedScope struct {
	Sports      []string
	Sportsbooks []string
	PerSport    []sportScope
	LeagueNames []string
}

// Run resolves the scope, announces it, and blocks streaming until ctx is
// cancelled. Workers are joined before returning.
func (m *Manager) Run(ctx context.Context) {
	scope, ok := m.resolveScope(ctx)
	if !ok {
		return
	}

	m.sendScope(map[string]any{
		"control":     "stream_scope",
		"sports":      scope.Sports,
		"sportsbooks": scope.Sportsbooks,
		"filters":     m.filterEcho(),
		"leagues":     scope.LeagueNames,
	})

	var wg sync.WaitGroup
	for i, ss := range scope.PerSport {
		m.Engine.SetLeagues(ss.Sport, ss.Leagues)
		sbSize, lgSize := m.chunksFor(ss.Sport)
		w := &Worker{
			Sport:                 ss.Sport,
			Leagues:               ss.Leagues,
			Sportsbooks:           scope.Sportsbooks,
			ID:                    i + 1,
			LeagueChunkSize:       lgSize,
			SportsbookChunkSize:   sbSize,
			IncludeFixtureUpdates: m.Config.IncludeFixtureUpdates,
			AllowedMarkets:        m.Filters.AllowedMarkets,
			Engine:                m.Engine,
			URLs:                  m.Client,
			Fixtures:              m.Client,
			Format:                m.Format,
			Metrics:               m.Metrics,
			OnPayload:             m.OnPayload,
			OnScope:               m.OnScope,
			Debug:                 m.Config.Debug,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Metrics != nil {
				m.Metrics.ActiveWorkers.Inc()
				defer m.Metrics.ActiveWorkers.Dec()
			}
			w.Run(ctx)
		}()
	}
	log.Printf("[SCOPE] fleet started: %d workers, %d sportsbooks", len(scope.PerSport), len(scope.Sportsbooks))

	wg.Wait()
}

// resolveScope applies the sport, sportsbook and league allowlists to the
// catalogue. Returns ok=false when no fleet should start.
func (m *Manager) resolveScope(ctx context.Context) (*resolvedScope, bool) {
	sports, err := m.Client.Sports(ctx)
	if err != nil {
		log.Printf("[SCOPE] sports catalogue: %v", err)
	}
	sportsbooks, err := m.Client.Sportsbooks(ctx)
	if err != nil {
		log.Printf("[SCOPE] sportsbook catalogue: %v", err)
	}

	if len(sportsbooks) == 0 {
		m.sendScope(map[string]any{
			"control":         "error",
			"where":           "subscribe",
			"message":         "no_sportsbooks",
			"api_key_present": m.Client.HasAPIKey(),
			"sports_count":    len(sports),
		})
	}

	// Sport allowlist: equals or contains on id and display name. An
	// allowlist that matches nothing falls back to the full catalogue.
	if want := lowerSet(m.Filters.SportAllow); len(want) > 0 {
		var kept []opticodds.Sport
		for _, s := range sports {
			idl := strings.ToLower(s.ID)
			nml := strings.ToLower(strings.TrimSpace(s.Name))
			match := want[idl] || want[nml]
			if !match {
				for w := range want {
					if strings.Contains(nml, w) || strings.Contains(idl, w) {
						match = true
						break
					}
				}
			}
			if match {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			sports = kept
		}
	}

	if allow := lowerSet(m.Filters.SportsbookAllow); len(allow) > 0 {
		var kept []string
		for _, sb := range sportsbooks {
			nl := strings.ToLower(strings.TrimSpace(sb))
			for a := range allow {
				if a != "" && strings.Contains(nl, a) {
					kept = append(kept, sb)
					break
				}
			}
		}
		if len(kept) == 0 {
			m.sendScope(map[string]any{
				"control":     "stream_scope",
				"sports":      sportIDs(sports),
				"sportsbooks": []string{},
				"note":        "no_sportsbooks_matched",
				"filters":     m.filterEcho(),
			})
			return nil, false
		}
		sportsbooks = kept
	}

	scope := &resolvedScope{
		Sports:      sportIDs(sports),
		Sportsbooks: sportsbooks,
	}

	leagueNames := make(map[string]bool)
	for _, s := range sports {
		leagues, err := m.Client.Leagues(ctx, s.ID)
		if err != nil {
			log.Printf("[SCOPE] leagues for %s: %v", s.ID, err)
			continue
		}
		for _, lg := range leagues {
			if lg.Name != "" {
				leagueNames[lg.Name] = true
			}
		}
		ids := filterLeagues(leagues, m.Filters.LeagueAllow)
		if len(ids) > 0 {
			scope.PerSport = append(scope.PerSport, sportScope{Sport: s.ID, Leagues: ids})
		}
	}
	scope.LeagueNames = sortedKeys(leagueNames)

	if m.Config.MaxWorkers > 0 && len(scope.PerSport) > m.Config.MaxWorkers {
		scope.PerSport = scope.PerSport[:m.Config.MaxWorkers]
	}
	return scope, true
}

// filterLeagues applies the league allowlist to one sport's catalogue:
// exact raw match, then alias-resolved compact substring in either
// direction, then the filter tokens themselves as league ids.
func filterLeagues(leagues []opticodds.League, allow []string) []string {
	ids := make([]string, 0, len(leagues))
	for _, lg := range leagues {
		ids = append(ids, lg.ID)
	}
	if len(allow) == 0 {
		return ids
	}

	allowRaw := lowerSet(allow)
	var allowClean []string
	for _, a := range allow {
		if c := odds.NormalizeLeagueAlias(a); c != "" {
			allowClean = append(allowClean, c)
		}
	}

	var kept []string
	for _, lg := range leagues {
		idl := strings.ToLower(strings.TrimSpace(lg.ID))
		nml := strings.ToLower(strings.TrimSpace(lg.Name))
		if allowRaw[idl] || allowRaw[nml] {
			kept = append(kept, lg.ID)
			continue
		}
		idClean := odds.NormalizeLeagueAlias(lg.ID)
		nmClean := odds.NormalizeLeagueAlias(lg.Name)
		for _, a := range allowClean {
			if containsEither(nmClean, a) || containsEither(idClean, a) {
				kept = append(kept, lg.ID)
				break
			}
		}
	}
	if len(kept) > 0 {
		return kept
	}
	// Nothing matched: trust the filter tokens as league ids.
	var fallback []string
	for _, a := range allow {
		if strings.TrimSpace(a) != "" {
			fallback = append(fallback, a)
		}
	}
	return fallback
}

func containsEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func (m *Manager) chunksFor(sport string) (sbSize, lgSize int) {
	if strings.EqualFold(sport, "soccer") {
		return m.Config.SoccerSportsbookChunk, m.Config.SoccerLeagueChunk
	}
	return m.Config.SportsbookChunkSize, m.Config.LeagueChunkSize
}

func (m *Manager) filterEcho() map[string]any {
	return map[string]any{
		"sport_allow":      sortedCopy(m.Filters.SportAllow),
		"sportsbook_allow": sortedCopy(m.Filters.SportsbookAllow),
		"league_allow":     sortedCopy(m.Filters.LeagueAllow),
		"allowed_markets":  sortedCopy(m.Filters.AllowedMarkets),
	}
}

func (m *Manager) sendScope(ctrl map[string]any) {
	if m.OnScope != nil {
		m.OnScope(ctrl)
	}
}

func sportIDs(sports []opticodds.Sport) []string {
	out := make([]string, 0, len(sports))
	for _, s := range sports {
		out = append(out, s.ID)
	}
	return out
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

func sortedCopy(vals []string) []string {
	out := append([]string(nil), vals...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
