// Copyright 2024 Brock Logistics Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/brocku/logistics/config"
	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/health"
	"github.com/brocku/logistics/interceptors"
	"github.com/brocku/logistics/internal/idempotency"
	"github.com/brocku/logistics/internal/rabbitmq"
	"github.com/brocku/logistics/internal/reliability"
	"github.com/brocku/logistics/messaging"
	"github.com/brocku/logistics/monitor"
	"github.com/brocku/logistics/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service wires the dispatch pipeline: connection, topology, publisher,
// consumer engine, retry router, idempotency store, metrics and health
type Service struct {
	cfg          *config.Config
	logger       *slog.Logger
	prometheus   *prometheus.Registry
	destinations reliability.Destinations
	retryPolicy  *reliability.ExponentialBackoff

	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	scheduler *reliability.DelayScheduler
	publisher *messaging.EnvelopePublisher
	router    *reliability.Router
	registry  *messaging.Registry
	metrics   *monitor.Metrics
	health    *health.Registry

	mu         sync.Mutex
	engine     *messaging.Engine
	store      idempotency.Store
	closeStore func() error
	server     *http.Server
	serveErr   chan error
	started    bool
	stopOnce   sync.Once
	stopErr    error
}

type serviceConfig struct {
	logger     *slog.Logger
	prometheus *prometheus.Registry
	dialer     rabbitmq.Dialer
}

// ServiceOption configures the Service
type ServiceOption func(*serviceConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.logger = logger
	}
}

// WithPrometheusRegistry registers metrics on registry and serves it on
// /metrics instead of the global default registry
func WithPrometheusRegistry(registry *prometheus.Registry) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.prometheus = registry
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.dialer = dialer
	}
}

// New builds a Service from cfg. Nothing touches the network until Start.
// The route-planning handler is registered; further handlers can be added
// through Registry before Start.
func New(cfg *config.Config, options ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := &serviceConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(sc)
	}
	logger := sc.logger

	destinations := reliability.Destinations{
		PrimaryExchange:    cfg.PrimaryExchange,
		PrimaryQueue:       cfg.PrimaryQueue,
		RetryExchange:      cfg.RetryExchange,
		RetryQueue:         cfg.RetryQueue,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}
	if err := destinations.Validate(); err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
		rabbitmq.WithMaxReconnectDelay(cfg.ReconnectMaxDelay),
		rabbitmq.WithMaxRetries(cfg.ReconnectMaxRetries),
	}
	if sc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(sc.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.AMQPURL, connOpts...)

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.PublisherChannels),
		rabbitmq.WithChannelLogger(logger))
	if err != nil {
		return nil, err
	}

	metrics := monitor.NewMetrics(registerer(sc.prometheus))
	if err := metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	manager.AddStateListener(metrics)

	confirm := rabbitmq.NewPublisher(pool,
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(logger))
	publisher := messaging.NewEnvelopePublisher(confirm,
		messaging.WithPublisherLogger(logger),
		messaging.WithPublisherMetrics(metrics))

	topology := rabbitmq.NewTopologyManager(pool)
	scheduler := reliability.NewDelayScheduler(topology, destinations, logger)

	// fixed delays keep the number of delay queues bounded
	retryPolicy := reliability.NewExponentialBackoff(cfg.RetryInitialDelay, cfg.RetryMaxDelay, cfg.RetryMultiplier, cfg.MaxAttempts)
	retryPolicy.Jitter = false

	router, err := reliability.NewRouter(publisher, scheduler, retryPolicy, destinations.DeadLetter(),
		reliability.WithRouterLogger(logger))
	if err != nil {
		return nil, err
	}

	chain := interceptors.NewChain().Add(interceptors.NewLoggingInterceptor(logger))
	if cfg.MessageMaxAge > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(
			interceptors.NewMaxAgeFilter(cfg.MessageMaxAge), interceptors.SkipWithError, logger))
	}

	registry := messaging.NewRegistry(messaging.WithRegistryLogger(logger))
	planner := routing.NewHandler(publisher, routing.WithHandlerLogger(logger))
	if err := registry.Register(routing.RouteRequestedType, chain.Then(planner)); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:          cfg,
		logger:       logger,
		prometheus:   sc.prometheus,
		destinations: destinations,
		retryPolicy:  retryPolicy,
		manager:      manager,
		pool:         pool,
		topology:     topology,
		scheduler:    scheduler,
		publisher:    publisher,
		router:       router,
		registry:     registry,
		metrics:      metrics,
		health:       health.NewRegistry(),
	}

	s.health.SetMetadata("primaryQueue", cfg.PrimaryQueue)
	s.health.Register(health.NewConnectionChecker(manager))
	s.health.Register(health.NewChannelPoolChecker(pool))
	s.health.Register(health.NewQueueChecker(cfg.PrimaryQueue, topology, 10000))
	s.health.Register(health.NewMemoryChecker(10000, 50000))

	collector := monitor.NewQueueDepthCollector(topology, []string{cfg.PrimaryQueue, cfg.DeadLetterQueue}, logger)
	if err := registerer(sc.prometheus).Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, fmt.Errorf("register queue collector: %w", err)
		}
	}

	return s, nil
}

func registerer(registry *prometheus.Registry) prometheus.Registerer {
	if registry == nil {
		return prometheus.DefaultRegisterer
	}
	return registry
}

// Registry returns the dispatch registry. Handlers must be registered before Start.
func (s *Service) Registry() *messaging.Registry {
	return s.registry
}

// Publisher returns the envelope publisher
func (s *Service) Publisher() *messaging.EnvelopePublisher {
	return s.publisher
}

// Destinations returns the exchanges and queues of the pipeline
func (s *Service) Destinations() reliability.Destinations {
	return s.destinations
}

// Connect opens the broker connection, retrying with backoff, and declares
// the pipeline topology including the retry delay queues
func (s *Service) Connect(ctx context.Context) error {
	attempts := s.cfg.ReconnectMaxRetries
	if attempts <= 0 {
		attempts = math.MaxInt32
	}
	policy := reliability.NewExponentialBackoff(s.cfg.ReconnectDelay, s.cfg.ReconnectMaxDelay, 2, attempts)

	if err := reliability.Retry(ctx, policy, func() error {
		err := s.manager.Connect(ctx)
		if err != nil {
			s.logger.Warn("broker connection failed", "error", err)
		}
		return err
	}); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	if err := s.topology.DeclareTopology(ctx, s.destinations.Topology()); err != nil {
		return err
	}
	if err := s.scheduler.Prepare(ctx, s.retryPolicy.Delays()); err != nil {
		return err
	}

	s.logger.Info("topology declared",
		"primaryQueue", s.destinations.PrimaryQueue,
		"deadLetterQueue", s.destinations.DeadLetterQueue,
		"retryDelays", s.retryPolicy.Delays())
	return nil
}

// Start connects, starts consuming the primary queue and serves health and
// metrics over HTTP
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return messaging.ErrEngineStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return err
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}

	consumer := rabbitmq.NewConsumer(s.manager,
		rabbitmq.WithPrefetchCount(s.cfg.PrefetchCount),
		rabbitmq.WithConsumerLogger(s.logger))

	engine, err := messaging.NewEngine(consumer, s.registry, s.router,
		messaging.WithEngineLogger(s.logger),
		messaging.WithWorkers(s.cfg.WorkerPoolSize),
		messaging.WithHandlerTimeout(s.cfg.HandlerTimeout),
		messaging.WithIdempotencyStore(store),
		messaging.WithEngineMetrics(s.metrics),
		messaging.WithGenerationCheck(s.manager.IsCurrent))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	if err := engine.Subscribe(s.destinations.PrimaryQueue); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	return s.serve()
}

func (s *Service) openStore(ctx context.Context) (idempotency.Store, error) {
	var (
		store      idempotency.Store
		closeStore func() error
	)

	if s.cfg.RedisAddr == "" {
		store = idempotency.NewMemoryStore(s.cfg.IdempotencyTTL)
		s.logger.Info("using in-memory idempotency store", "ttl", s.cfg.IdempotencyTTL)
	} else {
		redisStore, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
			TTL:      s.cfg.IdempotencyTTL,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		store, closeStore = redisStore, redisStore.Close
		s.health.Register(health.NewComponentChecker("idempotency", redisStore.Ping))
	}

	s.mu.Lock()
	s.store = store
	s.closeStore = closeStore
	s.mu.Unlock()

	return store, nil
}

// Handler returns the HTTP handler serving /healthz, /livez and /metrics
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(s.health, 2*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	if s.prometheus != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.prometheus, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *Service) serve() error {
	if s.cfg.HTTPAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.server = server
	s.serveErr = serveErr
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Run starts the service and blocks until ctx is cancelled or the broker
// connection is lost for good. It then shuts down within the configured
// grace period. A lost connection is returned as the error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		return errors.Join(err, s.Shutdown(shutdownCtx))
	}

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case <-s.manager.Done():
		runErr = s.manager.Err()
		s.logger.Error("broker connection lost for good", "error", runErr)
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			s.logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// Publish sends an envelope to the primary destination
func (s *Service) Publish(ctx context.Context, env *contracts.Envelope) error {
	return s.publisher.Publish(ctx, env, s.destinations.Primary())
}

// QueueStat is the depth of one pipeline queue
type QueueStat struct {
	Name      string
	Messages  int
	Consumers int
}

// Queues lists the pipeline queues: primary, retry delay queues and dead-letter
func (s *Service) Queues() []string {
	queues := []string{s.destinations.PrimaryQueue}
	for _, delay := range s.retryPolicy.Delays() {
		name := s.scheduler.QueueName(delay)
		if queues[len(queues)-1] != name {
			queues = append(queues, name)
		}
	}
	return append(queues, s.destinations.DeadLetterQueue)
}

// InspectQueues reports the depth of every pipeline queue. Connect first.
func (s *Service) InspectQueues(ctx context.Context) ([]QueueStat, error) {
	var stats []QueueStat
	for _, name := range s.Queues() {
		queue, err := s.topology.InspectQueue(ctx, name)
		if err != nil {
			return stats, fmt.Errorf("inspect queue %s: %w", name, err)
		}
		stats = append(stats, QueueStat{Name: name, Messages: queue.Messages, Consumers: queue.Consumers})
	}
	return stats, nil
}

// Shutdown stops consuming, drains in-flight deliveries until ctx ends and
// releases every resource. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		engine, server, closeStore := s.engine, s.server, s.closeStore
		s.mu.Unlock()

		var errs []error

		if engine != nil {
			if err := engine.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := s.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		if closeStore != nil {
			if err := closeStore(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.manager.Close(); err != nil {
			errs = append(errs, err)
		}
		s.metrics.SetConnectionState(rabbitmq.StateClosed)

		s.stopErr = errors.Join(errs...)
		s.logger.Info("service stopped", "error", s.stopErr)
	})
	return s.stopErr
}
