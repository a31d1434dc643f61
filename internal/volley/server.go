package volley

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/volleyproject/volley/internal/common/health"
	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/agent/acapy"
	"github.com/volleyproject/volley/internal/volley/configuration"
	"github.com/volleyproject/volley/internal/volley/handlers"
	"github.com/volleyproject/volley/internal/volley/metrics"
	"github.com/volleyproject/volley/internal/volley/reporting"
	"github.com/volleyproject/volley/internal/volley/repository"
	"github.com/volleyproject/volley/internal/volley/simulation"
)

// Serve wires the ledger, the agent provider and the simulation services
// together and runs the HTTP API until the context is cancelled.
func Serve(ctx context.Context, config *configuration.VolleyConfig, healthChecks *health.MultiChecker) error {
	log.Info("Volley server starting")
	defer log.Info("Volley server shutting down")

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	db := createRedisClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()
	healthChecks.Add(repository.NewRedisHealth(db))

	testRepository := repository.NewRedisTestRepository(db)
	messageRepository := repository.NewRedisMessageRepository(db)

	provider := acapy.NewClient(config.Agent)
	pool := agent.NewPool(provider)

	simulationMetrics := metrics.New(prometheus.DefaultRegisterer)
	mesh := simulation.NewMeshBuilder(pool, provider, config.Simulation.MeshMaxAttempts, config.Simulation.MeshRetryDelay)
	orchestrator := simulation.NewOrchestrator(pool, provider, testRepository, messageRepository, mesh, simulationMetrics, config.Simulation)

	recorder := simulation.NewDeliveryRecorder(messageRepository, testRepository, simulationMetrics)
	provider.Subscribe(recorder.Record)

	aggregator := reporting.NewAggregator(testRepository, messageRepository, config.Reports.Directory)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	handlers.NewServer(orchestrator, aggregator, provider).Register(e)

	g.Go(func() error {
		log.Infof("Starting API server listening on %d", config.HttpPort)
		if err := e.Start(fmt.Sprintf(":%d", config.HttpPort)); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return e.Shutdown(shutdownCtx)
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func createRedisClient(config *configuration.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.Db,
	})
}
