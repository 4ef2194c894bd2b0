package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/mmate-consumer/config"
	"github.com/glimte/mmate-consumer/consumer"
	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/health"
	"github.com/glimte/mmate-consumer/internal/rabbitmq"
	"github.com/glimte/mmate-consumer/metrics"
	"github.com/glimte/mmate-consumer/serialization"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-consumer",
		Short: "Consume RabbitMQ queues with error-queue handling",
		Long: `mmate-consumer subscribes to the configured RabbitMQ queues, survives
reconnections and copies failed messages to error exchanges.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start consuming",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, config.NewLogger(cfg.Log.Level, cfg.Log.Format))
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK: %d queue(s), broker %s\n",
				len(cfg.Consumer.Queues), rabbitmq.SanitizeURL(cfg.AMQP.URL))
			return nil
		},
	}
	checkCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")

	rootCmd.AddCommand(runCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		consumerOpts = []consumer.Option{
			consumer.WithLogger(logger),
			consumer.WithHandlerConcurrency(cfg.Consumer.HandlerPoolSize),
		}
		strategyOpts = []consumer.ErrorStrategyOption{
			consumer.WithErrorStrategyLogger(logger),
			consumer.WithConventions(cfg.Conventions()),
			consumer.WithErrorMessageSerializer(cfg.ErrorMessageSerializer()),
		}
		registry *prometheus.Registry
	)

	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err := metrics.NewPrometheusCollector(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		consumerOpts = append(consumerOpts, consumer.WithMetrics(collector))
		strategyOpts = append(strategyOpts, consumer.WithErrorStrategyMetrics(collector))
	}

	connection := rabbitmq.NewConnectionManager(cfg.AMQP.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialTimeout(cfg.AMQP.DialTimeout),
		rabbitmq.WithReconnectDelay(cfg.AMQP.ReconnectDelay),
		rabbitmq.WithMaxReconnectDelay(cfg.AMQP.MaxReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.AMQP.MaxRetries),
	)
	openChannel, openErrorChannel := consumer.ChannelsFrom(connection)

	errorStrategy := consumer.NewDefaultErrorStrategy(openErrorChannel, strategyOpts...)

	types := serialization.NewTypeRegistry()
	serialization.MustRegister[consumer.Error](types, consumer.ErrorTypeName)
	middlewares := []consumer.Middleware{consumer.WithTimeout(cfg.Consumer.HandlerTimeout)}
	if len(cfg.Consumer.AcceptTypes) > 0 {
		middlewares = append(middlewares, consumer.WithFilter(consumer.TypeFilter(cfg.Consumer.AcceptTypes...), logger))
	}
	handler := consumer.Chain(logDelivery(logger, types, serialization.NewStrategy(types)), middlewares...)

	internal, err := consumer.NewInternalConsumer(cfg.ConsumerConfiguration(handler), openChannel, errorStrategy, consumerOpts...)
	if err != nil {
		return err
	}
	c := consumer.NewConsumer(internal, logger)
	connection.AddStateListener(c)

	g, ctx := errgroup.WithContext(ctx)

	checks := health.NewRegistry(
		health.NewConnectionChecker(connection),
		health.NewSubscriptionChecker(c, queueNames(cfg)),
	)
	for _, server := range newServers(cfg, registry, checks) {
		g.Go(func() error {
			logger.Info("http server started", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", server.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := connection.Connect(ctx); err != nil {
			return err
		}
		logger.Info("consumer running", "broker", rabbitmq.SanitizeURL(cfg.AMQP.URL), "queues", len(cfg.Consumer.Queues))

		<-ctx.Done()
		logger.Info("shutting down")

		return errors.Join(
			c.Close(),
			errorStrategy.Close(),
			connection.Close(),
		)
	})

	return g.Wait()
}

// newServers mounts the metrics and health endpoints, one server per distinct
// address. A nil registry disables /metrics.
func newServers(cfg *config.Config, registry *prometheus.Registry, checks *health.Registry) []*http.Server {
	muxes := make(map[string]*http.ServeMux)
	var addrs []string
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		addrs = append(addrs, addr)
		return m
	}

	if cfg.Metrics.Enabled && registry != nil {
		mux(cfg.Metrics.Addr).Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	if cfg.Health.Enabled {
		m := mux(cfg.Health.Addr)
		m.Handle("/healthz", health.Handler(checks, 5*time.Second))
		m.Handle("/livez", health.LivenessHandler())
	}

	servers := make([]*http.Server, 0, len(addrs))
	for _, addr := range addrs {
		servers = append(servers, &http.Server{Addr: addr, Handler: muxes[addr], ReadHeaderTimeout: 5 * time.Second})
	}
	return servers
}

func queueNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Consumer.Queues))
	for i, q := range cfg.Consumer.Queues {
		names[i] = q.Name
	}
	return names
}

// logDelivery logs each message and acks it. Messages from error queues are
// decoded so the failure shows up in the log line.
func logDelivery(logger *slog.Logger, types *serialization.TypeRegistry, strategy serialization.Strategy) consumer.MessageHandler {
	return func(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (consumer.AckStrategy, error) {
		attrs := []any{
			"queue", info.Queue,
			"routingKey", info.RoutingKey,
			"deliveryTag", info.DeliveryTag,
			"redelivered", info.Redelivered,
			"type", properties.Type,
			"correlationId", properties.CorrelationID,
			"size", len(body),
		}

		if types.IsRegistered(properties.Type) {
			envelope, err := strategy.DeserializeMessage(properties, body)
			if err != nil {
				return consumer.NackWithRequeue, err
			}
			if failed, ok := envelope.(*contracts.Message[consumer.Error]); ok && failed.HasBody() {
				attrs = append(attrs,
					"failedQueue", failed.Body().Queue,
					"exception", failed.Body().Exception,
				)
			}
		}

		logger.InfoContext(ctx, "message received", attrs...)
		return consumer.Ack, nil
	}
}
