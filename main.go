package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"whalescan/internal/config"
	"whalescan/internal/inspect"
	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/polygon"
	"whalescan/internal/scan"
	"whalescan/internal/web"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Env); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()
	defer log.Sync()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc := cfg.Location()
	clk := clock.New()
	srv := web.NewServer(ctx, web.Options{
		Open:     opener(cfg, loc, clk, log),
		Location: loc,
		Clock:    clk,
		Log:      log,
	})
	defer srv.Close()

	if err := cfg.RequireAPIKey(); err != nil {
		log.Warnw("no API key configured; submit one from the Home page", "error", err)
	} else if err := srv.SetAPIKey(cfg.APIKey); err != nil {
		log.Fatalw("open session", "error", err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infow("dashboard listening", "url", fmt.Sprintf("http://localhost:%d", cfg.ServerPort),
		"mode", cfg.Scan.Mode, "stream", cfg.Stream.Enabled)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("http server", "error", err)
	}
	log.Infow("shut down")
}

// opener builds the per-key backend: REST client, stream broker, session and
// inspector.
func opener(cfg *config.Config, loc *time.Location, clk clock.Clock, log *logger.Logger) web.Opener {
	return func(ctx context.Context, apiKey string, ev web.Events) (*web.Backend, error) {
		client, err := polygon.NewClient(apiKey, polygon.ClientOptions{
			CallTimeout:       cfg.Gateway.CallTimeout,
			Retries:           cfg.Gateway.Retries,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			BaseURL:           cfg.Gateway.BaseURL,
			Log:               log,
		})
		if err != nil {
			return nil, err
		}
		broker := polygon.NewBroker(apiKey, cfg.Stream.URL, log)

		sess := scan.NewSession(ctx, scan.SessionConfig{
			Gateway:  client,
			Feed:     broker,
			Capacity: cfg.Buffer.Capacity,
			Scan: scan.Options{
				Mode:              scan.Mode(cfg.Scan.Mode),
				MaxContracts:      cfg.Scan.MaxContracts,
				BucketWidth:       cfg.Scan.BucketWidth,
				TickerParallelism: cfg.Scan.TickerParallelism,
				TradesPerContract: cfg.Scan.TradesPerContract,
				CallTimeout:       cfg.Gateway.CallTimeout,
				Location:          loc,
			},
			Topics:          cfg.Stream.Params,
			StartListener:   cfg.Stream.Enabled,
			RefreshInterval: cfg.Refresh.Interval,
			RefreshEnabled:  cfg.Refresh.Enabled,
			Watchlist:       cfg.DefaultWatchlist(),
			Sort:            market.SortOrder(cfg.Scan.Sort),
			OnRecord:        ev.OnRecord,
			OnScan:          ev.OnScan,
			Clock:           clk,
			Log:             log,
		})
		return &web.Backend{
			Session:   sess,
			Inspector: inspect.New(client, clk, loc, log),
		}, nil
	}
}
