// Package weather provides the US forecast tool backed by api.weather.gov.
//
// The forecast tool never fails from the caller's point of view: upstream
// problems are logged and answered with UnavailableMessage.
package weather

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
)

// Name is the registration name of the weather provider.
const Name = "weather"

// UnavailableMessage is the forecast tool's answer when no forecast could be
// retrieved.
const UnavailableMessage = "Unable to get forecast"

// Provider serves the forecast tool.
type Provider struct {
	*mcpservice.ToolSet

	client *Client
	log    *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

type forecastArgs struct {
	Latitude  float64 `json:"latitude" jsonschema:"description=A geographic coordinate that specifies a location's north-south position on Earth"`
	Longitude float64 `json:"longitude" jsonschema:"description=A geographic coordinate that specifies a location's east-west position on Earth"`
}

// New returns a weather provider using client.
func New(client *Client, opts ...Option) *Provider {
	p := &Provider{client: client, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}

	forecast := mcpservice.NewTool[forecastArgs]("forecast", p.forecast,
		mcpservice.WithToolDescription("Provides the current weather forecast for a provided latitude and longitude. Example: Mesa, Arizona - Latitude: 33.415184, Longitude: -111.831474"),
	)
	p.ToolSet = mcpservice.MustToolSet(forecast)
	return p
}

func (p *Provider) forecast(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[forecastArgs]) error {
	args := r.Args()
	log := p.log.With(slog.Float64("latitude", args.Latitude), slog.Float64("longitude", args.Longitude))

	periods, err := p.client.Forecast(ctx, args.Latitude, args.Longitude)
	if err != nil {
		log.ErrorContext(ctx, "weather.forecast.fail", slog.String("err", err.Error()))
		return w.AppendText(UnavailableMessage)
	}

	log.InfoContext(ctx, "weather.forecast.ok", slog.Int("periods", len(periods)))
	// An empty feed still answers with a (blank) text block.
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: FormatPeriods(periods)})
}
