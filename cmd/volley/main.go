package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/volleyproject/volley/internal/common"
	"github.com/volleyproject/volley/internal/common/health"
	"github.com/volleyproject/volley/internal/volley"
	"github.com/volleyproject/volley/internal/volley/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.VolleyConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/volley", userSpecifiedConfig)

	log.Info("Starting...")

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	mux := http.NewServeMux()
	healthChecks := health.NewMultiChecker()
	health.SetupHttpMux(mux, healthChecks)
	shutdownHealthServer := common.ServeHttp(config.HealthPort, mux)
	defer shutdownHealthServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	if err := volley.Serve(ctx, &config, healthChecks); err != nil {
		log.WithError(err).Error("server failure")
		os.Exit(1)
	}
}
