// Command mcpme runs the MCP gateway: ping, mail and weather tools behind one
// streamable HTTP endpoint, or over stdin/stdout with --stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ggoodman/mcp-gateway/aggregate"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	redisbroker "github.com/ggoodman/mcp-gateway/broker/redis"
	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/providers/mail"
	"github.com/ggoodman/mcp-gateway/providers/mail/imapclient"
	"github.com/ggoodman/mcp-gateway/providers/ping"
	"github.com/ggoodman/mcp-gateway/providers/weather"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/stdio"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	"github.com/ggoodman/mcp-gateway/storage/redis"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
)

const (
	serverName = "mcpme"
	mcpPath    = "/mcp"

	shutdownTimeout = 10 * time.Second
)

var version = "dev"

const instructions = "Tools: ping checks liveness; list_mailboxes, fetch_email_headers, " +
	"fetch_message_parts and decode_attachment read the configured mailbox; forecast " +
	"returns the weather.gov forecast for a US coordinate. Message parts are also " +
	"readable as mail://{mailbox}/{uid}/{section} resources."

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           serverName,
		Short:         "MCP gateway for mail and weather tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(v.GetString("log-level"))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			if err := run(cmd.Context(), v, log, level); err != nil {
				log.Error("gateway.fail", slog.String("err", err.Error()))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("hostname", "127.0.0.1", "interface to listen on")
	flags.Int("port", 8080, "port to listen on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("public-url", "", "externally visible URL of the MCP endpoint (default http://<hostname>:<port>/mcp)")
	flags.String("env-file", "", "dotenv file to load (default .env when present)")
	flags.Bool("stdio", false, "serve a single client on stdin/stdout instead of HTTP")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("MCPME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

// parseLevel returns a LevelVar so the level can change at runtime.
func parseLevel(s string) (*slog.LevelVar, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	v := new(slog.LevelVar)
	v.Set(lvl)
	return v, nil
}

func run(ctx context.Context, v *viper.Viper, log *slog.Logger, level *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFile := v.GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := config.WatchLogLevel(ctx, envFile, level, log); err != nil {
			log.Warn("config.watch.fail", slog.String("err", err.Error()))
		}
	}

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	imap, err := imapclient.Dial(ctx, imapclient.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		TLS:      cfg.IMAP.TLS,
		Timeout:  cfg.IMAP.Timeout,
	}, imapclient.WithLogger(log))
	if err != nil {
		return err
	}
	mailbox := mail.New(imap, mail.WithLogger(log))
	defer mailbox.Close()

	forecasts := weather.New(weather.NewClient(
		weather.WithBaseURL(cfg.Weather.BaseURL),
		weather.WithUserAgent(cfg.Weather.UserAgent),
		weather.WithPointsCache(be.cache, cfg.Weather.CacheTTL),
		weather.WithClientLogger(log),
	), weather.WithLogger(log))

	agg, err := aggregate.New(ctx, []aggregate.Entry{
		aggregate.ToolEntry(ping.Name, ping.New()),
		aggregate.FullEntry(mail.Name, mailbox),
		aggregate.ToolEntry(weather.Name, forecasts),
	}, aggregate.WithLogger(log), aggregate.WithCallTimeout(cfg.CallTimeout))
	if err != nil {
		return err
	}

	eng := engine.New(agg,
		sessions.NewManager(be.sessions, sessions.WithTTL(cfg.SessionTTL), sessions.WithLogger(log)),
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: version}),
		engine.WithInstructions(instructions),
		engine.WithBroker(be.bus),
	)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if v.GetBool("stdio") {
		log.Info("gateway.stdio")
		if err := stdio.NewHandler(eng, stdio.WithLogger(log)).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	return serveHTTP(ctx, v, cfg, eng, log)
}

func serveHTTP(ctx context.Context, v *viper.Viper, cfg *config.Config, eng *engine.Engine, log *slog.Logger) error {
	addr := net.JoinHostPort(v.GetString("hostname"), strconv.Itoa(v.GetInt("port")))
	publicURL := v.GetString("public-url")
	if publicURL == "" {
		publicURL = "http://" + addr + mcpPath
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerName(serverName),
	}
	if cfg.Auth.Enabled() {
		audiences := cfg.Auth.Audiences
		if len(audiences) == 0 {
			audiences = []string{publicURL}
		}
		authenticator, err := auth.NewFromDiscovery(ctx, auth.Config{
			Issuer:         cfg.Auth.Issuer,
			Audiences:      audiences,
			RequiredScopes: cfg.Auth.RequiredScopes,
		})
		if err != nil {
			return err
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authenticator), streaminghttp.WithRealm(serverName))
	}

	h, err := streaminghttp.New(publicURL, eng, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway.listen", slog.String("addr", addr), slog.String("endpoint", publicURL), slog.Bool("auth", cfg.Auth.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("gateway.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// backends holds the stores the gateway runs on. Sessions and the weather
// cache share one Redis keyspace under distinct namespaces, but in memory
// they get separate LRUs so cache churn cannot evict live sessions.
type backends struct {
	sessions storage.Store
	cache    storage.Store
	bus      broker.Broker
}

func (b *backends) Close() {
	_ = b.sessions.Close()
	if b.cache != b.sessions {
		_ = b.cache.Close()
	}
	if b.bus != nil {
		_ = b.bus.Close()
	}
}

// openBackends returns the Redis store and broker when REDIS_ADDR is set.
// Otherwise it returns two in-memory LRUs of CacheItems entries each and no
// broker, since a single replica cancels its own requests directly.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	if cfg.Redis.Addr == "" {
		sess, err := memory.New(cfg.CacheItems)
		if err != nil {
			return nil, err
		}
		cache, err := memory.New(cfg.CacheItems)
		if err != nil {
			_ = sess.Close()
			return nil, err
		}
		return &backends{sessions: sess, cache: cache}, nil
	}
	store, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	if err != nil {
		return nil, err
	}
	bus, err := redisbroker.New(redisbroker.Config{Client: store.Client(), KeyPrefix: cfg.Redis.KeyPrefix + "broker:"})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &backends{sessions: store, cache: store, bus: bus}, nil
}
