// Command dispatchd serves the dispatch planner and simulation clock over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/api"
	"dispatchsim/internal/config"
	"dispatchsim/internal/engine"
	"dispatchsim/internal/ingest"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
	"dispatchsim/internal/store"
	"dispatchsim/internal/webhooks"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *envFile)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("dispatchd stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	eng, err := engine.New(cfg, log, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	var scenario ingest.Dataset
	if cfg.Simulation.DataDir != "" {
		if scenario, err = eng.Load(ctx, ingest.DirSource{Dir: cfg.Simulation.DataDir}); err != nil {
			return err
		}
	}

	st, closeStore, err := openStore(ctx, cfg.Server, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var broker api.EventBroker = api.NewBroker()
	if cfg.Server.RedisURL != "" {
		rb, err := api.NewRedisBroker(cfg.Server.RedisURL, log)
		if err != nil {
			return err
		}
		defer rb.Close()
		broker = rb
		log.Info("using redis event broker")
	}

	if len(cfg.Webhooks.URLs) > 0 {
		startWebhooks(ctx, cfg.Webhooks, broker, log)
	}

	// periodic state events and blockage refresh, in virtual time
	if _, err := eng.Clock.ScheduleTask("publish-state", eng.Clock.Now(), cfg.Simulation.PublishEvery, func(now time.Time) error {
		changed := eng.Grid.Refresh(now)
		broker.Publish(api.TopicSimulation, api.Event{Type: "simulation.tick", At: now, Data: map[string]any{
			"state":       eng.Clock.State(),
			"gridChanged": changed,
			"generation":  eng.Grid.Generation(),
		}})
		return nil
	}); err != nil {
		return err
	}

	srv, err := api.NewServer(api.Deps{
		Clock:       eng.Clock,
		Grid:        eng.Grid,
		Finder:      eng.Finder,
		Planner:     eng.Planner,
		Store:       st,
		Broker:      broker,
		Scenario:    scenario,
		Log:         log,
		PlanTimeout: cfg.Server.PlanTimeout,
		RateRPS:     cfg.Server.RateRPS,
		RateBurst:   cfg.Server.RateBurst,
		Config:      cfg.Redacted(),
	})
	if err != nil {
		return err
	}

	go eng.Clock.Run(ctx)

	hs := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", hs.Addr).Info("dispatchd listening")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Server, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory plan store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = pg.Close() }
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		closeFn()
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	log.Info("using postgres plan store")
	return pg, closeFn, nil
}

// startWebhooks forwards plan events to the configured receivers.
func startWebhooks(ctx context.Context, cfg config.Webhooks, broker api.EventBroker, log logrus.FieldLogger) {
	w := webhooks.NewWorker(webhooks.Config{URLs: cfg.URLs, Secret: cfg.Secret, MaxAttempts: cfg.MaxAttempts}, log)
	ch := broker.Subscribe(api.TopicPlans)
	go func() {
		<-ctx.Done()
		broker.Unsubscribe(api.TopicPlans, ch)
	}()
	go func() {
		for evt := range ch {
			if err := w.Emit(evt.Type, evt.At, evt.Data); err != nil {
				log.WithError(err).Warn("webhook event dropped")
			}
		}
	}()
	go w.Run(ctx)
	log.WithField("urls", len(cfg.URLs)).Info("webhook delivery enabled")
}
