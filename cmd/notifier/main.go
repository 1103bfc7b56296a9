package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"

	"taskpulse.app/pipeline/common/id"
	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/common/otel"
	"taskpulse.app/pipeline/core/config"
	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/handler"
	"taskpulse.app/pipeline/internal/health"
	"taskpulse.app/pipeline/internal/notifier"
	"taskpulse.app/pipeline/internal/queue"
	"taskpulse.app/pipeline/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeNotifier)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "notifier starting",
		"env", cfg.Env,
		"topic", cfg.Kafka.Topic,
		"consumer_group", cfg.Consumer.GroupID,
		"listener_mode", cfg.Consumer.ListenerMode,
		"concurrency", cfg.Consumer.Concurrency)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		slog.ErrorContext(ctx, "notifier stopped with error", "error", err)
		shutdownTelemetry(telemetry)
		os.Exit(1)
	}

	shutdownTelemetry(telemetry)
	slog.InfoContext(ctx, "shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	// Admin and dead-letter traffic share one client; the consumer members
	// open their own.
	kafkaClient, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID+"-admin"),
		kgo.DialTimeout(cfg.Kafka.DialTimeout),
		kgo.WithLogger(kslog.New(slog.Default())),
	)
	if err != nil {
		return err
	}
	defer kafkaClient.Close()

	if cfg.Kafka.ProvisionOnStart {
		if err := provisionTopics(ctx, cfg, kafkaClient); err != nil {
			return err
		}
	}

	registry, err := event.NewRegistry(cfg.Consumer.TrustedTypes...)
	if err != nil {
		return err
	}

	n, err := newNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	checks := map[string]health.Check{}

	sink, closeSink, err := newDeadLetterSink(ctx, cfg, kafkaClient, checks)
	if err != nil {
		return err
	}
	defer closeSink()

	coord := worker.NewCoordinator(
		worker.NewGuard(registry),
		handler.NewTaskStatusHandler(n, cfg.Notify.Recipient),
		worker.CoordinatorConfig{
			Policy: worker.RetryPolicy{
				Backoff:    cfg.Retry.Backoff,
				MaxRetries: cfg.Retry.MaxRetries,
			},
			NotRetryable: []error{notifier.ErrPermanent, event.ErrInvalidEvent},
			Listeners:    []worker.RetryListener{worker.LogRetries},
			DeadLetters:  sink,
		})

	consumer, err := queue.NewKafkaConsumer(queue.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		ClientID:       cfg.Kafka.ClientID,
		GroupID:        cfg.Consumer.GroupID,
		Topics:         []string{cfg.Kafka.Topic},
		ResetOffset:    cfg.Consumer.AutoOffsetReset,
		AutoCommit:     cfg.Consumer.AutoCommit,
		ListenerMode:   queue.ListenerMode(cfg.Consumer.ListenerMode),
		AckMode:        queue.AckMode(cfg.Consumer.AckMode),
		PollTimeout:    cfg.Consumer.PollTimeout,
		Concurrency:    cfg.Consumer.Concurrency,
		DrainTimeout:   cfg.Consumer.DrainTimeout,
		MaxPollRecords: cfg.Consumer.MaxPollRecords,
	}, coord, coord)
	if err != nil {
		return err
	}

	checks["consumer"] = func(context.Context) error {
		if !consumer.Ready() {
			return errors.New("consumer has not joined the group yet")
		}
		return nil
	}

	router := health.NewRouter(health.RouterConfig{
		ServiceName:  cfg.OTel.ServiceName,
		OTelEnabled:  cfg.OTel.Enabled(),
		IsProduction: cfg.IsProduction(),
	}, checks)
	server := health.NewServer(cfg.Port, router)

	go func() {
		slog.InfoContext(ctx, "health server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "health server error", "error", err)
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "consumer running")
	runErr := consumer.Run(runCtx)

	slog.InfoContext(ctx, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "health server shutdown error", "error", err)
	}

	return runErr
}

func provisionTopics(ctx context.Context, cfg config.Config, cl *kgo.Client) error {
	topics := cfg.ProvisionedTopics()
	decls := make([]queue.TopicDeclaration, 0, len(topics))
	for _, t := range topics {
		decls = append(decls, queue.TopicDeclaration{
			Name:              t.Name,
			Partitions:        t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			MinInSyncReplicas: t.MinInSyncReplicas,
		})
	}

	provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return queue.NewProvisioner(queue.NewKafkaTopicAdmin(cl), slog.Default()).EnsureTopics(provisionCtx, decls...)
}

func newNotifier(cfg config.NotifyConfig) (notifier.Notifier, error) {
	if cfg.Driver == "smtp" {
		return notifier.NewSMTPNotifier(notifier.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			TLSPolicy: cfg.SMTP.TLSPolicy,
			Timeout:   cfg.SMTP.Timeout,
		})
	}
	return notifier.NewLogNotifier(slog.Default()), nil
}

// newDeadLetterSink builds the configured sink and registers a readiness
// check for it when it has its own connection.
func newDeadLetterSink(ctx context.Context, cfg config.Config, cl *kgo.Client, checks map[string]health.Check) (queue.DeadLetterSink, func(), error) {
	switch cfg.DeadLetter.Sink {
	case "kafka":
		slog.InfoContext(ctx, "dead letters go to kafka", "topic", cfg.DeadLetterTopic())
		return queue.NewKafkaDeadLetterSink(cl, cfg.DeadLetter.TopicSuffix), func() {}, nil
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.DeadLetter.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		slog.InfoContext(ctx, "redis connected", "stream", cfg.DeadLetter.RedisStream)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return queue.NewRedisDeadLetterSink(client, cfg.DeadLetter.RedisStream), func() { client.Close() }, nil
	default:
		slog.WarnContext(ctx, "dead letters are discarded after logging")
		return queue.DiscardSink{Logger: slog.Default()}, func() {}, nil
	}
}

func shutdownTelemetry(telemetry *otel.Telemetry) {
	if telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "otel shutdown error", "error", err)
	}
}
