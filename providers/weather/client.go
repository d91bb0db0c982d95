package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
)

const (
	// DefaultBaseURL is the National Weather Service API root.
	DefaultBaseURL = "https://api.weather.gov"

	// DefaultUserAgent identifies the gateway to api.weather.gov, which
	// rejects anonymous requests.
	DefaultUserAgent = "mcpme-gateway (github.com/ggoodman/mcp-gateway)"

	maxBodyBytes = 4 << 20
)

// Period is one entry of a forecast feed.
type Period struct {
	Name            string `json:"name"`
	Temperature     int    `json:"temperature"`
	TemperatureUnit string `json:"temperatureUnit"`
	WindSpeed       string `json:"windSpeed"`
	WindDirection   string `json:"windDirection"`
}

// String renders the period as the multi-line block returned by the forecast
// tool.
func (p Period) String() string {
	return fmt.Sprintf("Forecast Period\nname: %s\ntemperature: %d %s\nwindSpeed: %s %s\n---",
		p.Name, p.Temperature, p.TemperatureUnit, p.WindSpeed, p.WindDirection)
}

// FormatPeriods joins rendered periods with newlines.
func FormatPeriods(periods []Period) string {
	parts := make([]string, len(periods))
	for i, p := range periods {
		parts[i] = p.String()
	}
	return strings.Join(parts, "\n")
}

type pointsResult struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResult struct {
	Properties struct {
		Units   string   `json:"units"`
		Periods []Period `json:"periods"`
	} `json:"properties"`
}

// Client talks to the weather.gov points and forecast endpoints. Lookups of
// the forecast URL for a coordinate may be cached in a storage.Store.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	cache     storage.Store
	cacheTTL  time.Duration
	log       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPointsCache caches coordinate to forecast URL lookups in store for ttl.
func WithPointsCache(store storage.Store, ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = store
		c.cacheTTL = ttl
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a weather.gov client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forecast resolves the forecast URL for the coordinate and returns its
// periods. The two requests are made sequentially.
func (c *Client) Forecast(ctx context.Context, latitude, longitude float64) ([]Period, error) {
	forecastURL, err := c.ForecastURL(ctx, latitude, longitude)
	if err != nil {
		return nil, err
	}
	return c.Periods(ctx, forecastURL)
}

// ForecastURL asks the points endpoint which forecast feed serves the
// coordinate.
func (c *Client) ForecastURL(ctx context.Context, latitude, longitude float64) (string, error) {
	coord := formatCoord(latitude) + "," + formatCoord(longitude)

	if c.cache != nil {
		item, err := c.cache.Get(ctx, coord, storage.WithNamespace(storage.NamespaceWeatherPoints))
		if err != nil {
			c.log.WarnContext(ctx, "weather.points.cache_get.fail", slog.String("coord", coord), slog.String("err", err.Error()))
		} else if item != nil {
			c.log.DebugContext(ctx, "weather.points.cache_hit", slog.String("coord", coord))
			return string(item.Data), nil
		}
	}

	pointsURL, err := url.Parse(c.baseURL + "/points/" + coord)
	if err != nil || !pointsURL.IsAbs() {
		return "", &InvalidURLError{Op: OpPoints, URL: c.baseURL + "/points/" + coord}
	}

	var res pointsResult
	if err := c.getJSON(ctx, OpPoints, pointsURL.String(), &res); err != nil {
		return "", err
	}
	forecastURL := res.Properties.Forecast
	if forecastURL == "" {
		return "", &APIError{Op: OpPoints, Err: fmt.Errorf("response has no forecast url")}
	}

	if c.cache != nil && c.cacheTTL > 0 {
		if err := c.cache.Set(ctx, coord, []byte(forecastURL), storage.WithNamespace(storage.NamespaceWeatherPoints), storage.WithTTL(c.cacheTTL)); err != nil {
			c.log.WarnContext(ctx, "weather.points.cache_set.fail", slog.String("coord", coord), slog.String("err", err.Error()))
		}
	}
	return forecastURL, nil
}

// Periods fetches the forecast feed at forecastURL.
func (c *Client) Periods(ctx context.Context, forecastURL string) ([]Period, error) {
	u, err := url.Parse(forecastURL)
	if err != nil || !u.IsAbs() {
		return nil, &InvalidURLError{Op: OpForecast, URL: forecastURL}
	}
	var res forecastResult
	if err := c.getJSON(ctx, OpForecast, u.String(), &res); err != nil {
		return nil, err
	}
	return res.Properties.Periods, nil
}

func (c *Client) getJSON(ctx context.Context, op Op, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &InvalidURLError{Op: op, URL: u}
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	c.log.DebugContext(ctx, "weather.request.done",
		slog.String("op", string(op)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
