// Package opticodds is a client for the OpticOdds catalogue and stream
// endpoints: sports, leagues, sportsbooks and active fixtures, plus URL
// assembly for the SSE odds stream.
package opticodds

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the OpticOdds API base URL.
	DefaultBaseURL = "https://api.opticodds.com/api/v3"

	defaultRateLimit = 10.0 // requests per second
	defaultBurst     = 5

	catalogueTimeout = 30 * time.Second
	fixturesTimeout  = 15 * time.Second
)

// Client is a rate-limited OpticOdds API client.
type Client struct {
	baseURL string
	apiKey  string
	rest    *resty.Client
	limiter *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (used by tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRestyClient swaps the underlying HTTP client.
func WithRestyClient(rc *resty.Client) ClientOption {
	return func(c *Client) {
		c.rest = rc
	}
}

// NewClient creates a catalogue client. An empty API key is tolerated: the
// upstream then returns empty catalogues and the subscription manager
// reports the condition instead of spawning workers.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		rest:    resty.New().SetTimeout(catalogueTimeout),
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasAPIKey reports whether the client was built with an upstream key.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := c.rest.R().SetContext(ctx).SetResult(out)
	if c.apiKey != "" {
		req.SetQueryParam("key", c.apiKey)
	}
	for k, v := range params {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode())
	}
	return nil
}

// Sports fetches the sport catalogue (ids with display names).
func (c *Client) Sports(ctx context.Context) ([]Sport, error) {
	var env catalogueEnvelope
	if err := c.get(ctx, "/sports", nil, &env); err != nil {
		return nil, err
	}
	out := make([]Sport, 0, len(env.Data))
	for _, e := range env.Data {
		if e.ID == "" {
			continue
		}
		name := e.DisplayName()
		if name == "" {
			name = e.ID
		}
		out = append(out, Sport{ID: e.ID, Name: name})
	}
	return out, nil
}

// Leagues fetches the league catalogue for one sport.
func (c *Client) Leagues(ctx context.Context, sport string) ([]League, error) {
	var env catalogueEnvelope
	if err := c.get(ctx, "/leagues", map[string]string{"sport": sport}, &env); err != nil {
		return nil, err
	}
	out := make([]League, 0, len(env.Data))
	for _, e := range env.Data {
		if e.ID == "" {
			continue
		}
		name := e.DisplayName()
		if name == "" {
			name = e.ID
		}
		out = append(out, League{ID: e.ID, Name: name})
	}
	return out, nil
}

// Sportsbooks fetches sportsbook display names, deduplicated preserving
// order. Inactive variants are intentionally included so the stream scope
// stays broad.
func (c *Client) Sportsbooks(ctx context.Context) ([]string, error) {
	var env catalogueEnvelope
	if err := c.get(ctx, "/sportsbooks", nil, &env); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(env.Data))
	out := make([]string, 0, len(env.Data))
	for _, e := range env.Data {
		n := e.DisplayName()
		if n == "" {
			n = e.ID
		}
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// ActiveFixtures fetches fixture metadata objects for a sport, optionally
// narrowed to one fixture id and a league list. The upstream is
// inconsistent about the id parameter name, so both spellings are tried.
func (c *Client) ActiveFixtures(ctx context.Context, sport, fixtureID string, leagues []string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, fixturesTimeout)
	defer cancel()

	idParams := []string{""}
	if fixtureID != "" {
		idParams = []string{"id", "fixture_id"}
	}

	var lastErr error
	for _, idKey := range idParams {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := c.rest.R().SetContext(ctx)
		if c.apiKey != "" {
			req.SetQueryParam("key", c.apiKey)
		}
		req.SetQueryParam("sport", sport)
		if idKey != "" {
			req.SetQueryParam(idKey, fixtureID)
		}
		for _, lg := range leagues {
			if lg != "" {
				req.QueryParam.Add("league", lg)
			}
		}
		var env fixturesEnvelope
		req.SetResult(&env)
		resp, err := req.Get(c.baseURL + "/fixtures/active")
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("GET /fixtures/active: status %d", resp.StatusCode())
			continue
		}
		if items := env.Items(); len(items) > 0 {
			return items, nil
		}
	}
	return nil, lastErr
}

// StreamOddsURL assembles the SSE stream URL for a sport. Extra query
// values (league, sportsbook, odds_format, flags) come from the caller;
// the API key is attached here.
func (c *Client) StreamOddsURL(sport string, q url.Values) string {
	v := url.Values{}
	if c.apiKey != "" {
		v.Set("key", c.apiKey)
	}
	for k, vals := range q {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return c.baseURL + "/stream/odds/" + url.PathEscape(sport) + "?" + v.Encode()
}
