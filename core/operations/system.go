/*
Copyright IBM Corp All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package operations serves the health, metrics, version and log level
// endpoints of a node.
package operations

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/beacon-ledger/beacon/common/metadata"
	"github.com/gorilla/mux"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	"github.com/hyperledger/fabric-lib-go/common/metrics/prometheus"
	"github.com/hyperledger/fabric-lib-go/healthz"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Logger interface {
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

type Options struct {
	Logger        Logger
	ListenAddress string
	// MetricsProvider is one of prometheus or disabled.
	MetricsProvider string
	Version         string
}

// System is the operations HTTP server of a node. It also owns the metrics
// provider handed to the rest of the node.
type System struct {
	metrics.Provider

	logger        Logger
	options       Options
	router        *mux.Router
	httpServer    *http.Server
	listener      net.Listener
	healthHandler *healthz.HealthHandler
	versionGauge  metrics.Gauge
}

func NewSystem(o Options) *System {
	logger := o.Logger
	if logger == nil {
		logger = flogging.MustGetLogger("operations.runner")
	}
	if o.Version == "" {
		o.Version = metadata.Version
	}

	router := mux.NewRouter()
	system := &System{
		logger:  logger,
		options: o,
		router:  router,
		httpServer: &http.Server{
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      2 * time.Minute,
		},
	}

	system.initializeHealthCheckHandler()
	system.initializeLoggingHandler()
	system.initializeMetricsProvider()
	system.initializeVersionInfoHandler()

	return system
}

// Run implements ifrit.Runner.
func (s *System) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	if err := s.Start(); err != nil {
		return err
	}
	close(ready)
	<-signals
	return s.Stop()
}

func (s *System) Start() error {
	listener, err := net.Listen("tcp", s.options.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.options.ListenAddress)
	}
	s.listener = listener
	s.versionGauge.With("version", s.options.Version).Set(1)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("operations server stopped: %s", err)
		}
	}()
	s.logger.Infof("Operations server listening on %s", listener.Addr())
	return nil
}

func (s *System) Stop() error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server listens on once started.
func (s *System) Addr() string {
	if s.listener == nil {
		return s.options.ListenAddress
	}
	return s.listener.Addr().String()
}

func (s *System) RegisterHandler(path string, handler http.Handler) {
	s.router.Handle(path, handler)
}

func (s *System) RegisterChecker(component string, checker healthz.HealthChecker) error {
	return s.healthHandler.RegisterChecker(component, checker)
}

func (s *System) initializeMetricsProvider() {
	switch providerType := s.options.MetricsProvider; providerType {
	case "prometheus":
		s.Provider = &prometheus.Provider{}
		s.versionGauge = versionGauge(s.Provider)
		s.RegisterHandler("/metrics", promhttp.Handler())

	default:
		if providerType != "disabled" && providerType != "" {
			s.logger.Warnf("Unknown provider type: %s; metrics disabled", providerType)
		}
		s.Provider = &disabled.Provider{}
		s.versionGauge = versionGauge(s.Provider)
	}
}

func (s *System) initializeLoggingHandler() {
	spec := &LogSpecHandler{Logger: s.logger}
	s.router.Handle("/logspec", spec).Methods(http.MethodGet, http.MethodPut)
	s.router.Handle("/logspec", http.HandlerFunc(notAllowed))
}

func (s *System) initializeHealthCheckHandler() {
	s.healthHandler = healthz.NewHealthHandler()
	s.RegisterHandler("/healthz", s.healthHandler)
}

func (s *System) initializeVersionInfoHandler() {
	versionInfo := &VersionInfoHandler{
		Logger: s.logger,
		VersionInfo: &VersionInfo{
			CommitSHA: metadata.CommitSHA,
			Version:   s.options.Version,
		},
	}
	s.RegisterHandler("/version", versionInfo)
}
