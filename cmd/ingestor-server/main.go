// Command ingestor-server runs the Job Service HTTP API (C7): the REST
// surface, the progress-bus WebSocket, and the composite health endpoint.
// It is the composition root for the server process — the hand-wired
// equivalent of what a google/wire provider set would generate, since
// running wire's code generator is outside this module's build
// constraints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/internal/config"
	"github.com/buildbeaver/ingestioncore/server/api/rest"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/dependency"
	"github.com/buildbeaver/ingestioncore/server/services/health"
	"github.com/buildbeaver/ingestioncore/server/services/job"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
)

func main() {
	root := &cobra.Command{
		Use:   "ingestor-server",
		Short: "Serves the ingestion pipeline's Job Service HTTP API",
		RunE:  run,
	}
	config.RegisterFlags(root.Flags())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	logRegistry, err := logger.NewLogRegistry(cfg.LogLevels)
	if err != nil {
		return err
	}
	logFactory := logger.MakeLogrusLogFactory(logRegistry)
	log := logFactory("main")

	redisOpts, err := redis.ParseURL(cfg.KeyValueURI)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	brokerOpts, err := redis.ParseURL(cfg.BrokerURI)
	if err != nil {
		return err
	}
	brokerRDB := redis.NewClient(brokerOpts)
	defer brokerRDB.Close()

	metricsRegistry := prometheus.NewRegistry()

	stepRegistry := registry.New(logFactory)
	if err := stepRegistry.Discover(); err != nil {
		log.WithField("error", err).Warn("some step registrations were skipped during discovery")
	}

	b := broker.New(brokerRDB, logFactory, broker.Config{TaskTimeout: cfg.TaskTimeout})
	bus := progressbus.New(rdb, logFactory)
	scheduler := dependency.New(rdb, logFactory)
	jobs := job.New(b, bus, scheduler, stepRegistry, logFactory)

	healthSvc := health.New("broker", cfg.HealthTimeout)
	healthSvc.Register("broker", func(ctx context.Context) error {
		return brokerRDB.Ping(ctx).Err()
	})
	healthSvc.Register("key_value_store", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	server := rest.New(jobs, bus, healthSvc, logFactory).WithHeartbeat(cfg.Heartbeat)

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.HTTPAddress, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.HTTPAddress).Info("starting ingestor-server")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
	return nil
}
