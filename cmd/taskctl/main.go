package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"

	"taskpulse.app/pipeline/common/id"
	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/core/config"
	"taskpulse.app/pipeline/core/db"
	"taskpulse.app/pipeline/internal/model"
	"taskpulse.app/pipeline/internal/queue"
	"taskpulse.app/pipeline/internal/service"
	"taskpulse.app/pipeline/internal/store"
)

const usage = `usage: taskctl <command> [flags]

commands:
  migrate                        apply database migrations
  provision                      create or verify the declared Kafka topics
  create -title T [-description D]
  get <id>
  list [-limit N] [-offset N]
  set-status <id> <Active|Processing|Completed>
  update <id> [-title T] [-description D] [-status S]
  delete <id>
  dead-letters [-count N]        list entries of the Redis dead-letter stream
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ServiceTypeTaskCtl)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetupWriter(cfg, os.Stderr)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if err := dispatch(ctx, cfg, cmd, args); err != nil {
		slog.ErrorContext(ctx, "command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg config.Config, cmd string, args []string) error {
	switch cmd {
	case "migrate":
		return withDB(ctx, cfg, func(database *db.DB) error {
			return database.Migrate(ctx)
		})
	case "provision":
		return provision(ctx, cfg)
	case "dead-letters":
		return deadLetters(ctx, cfg, args)
	case "create", "get", "list", "set-status", "update", "delete":
		return withTaskService(ctx, cfg, func(svc service.TaskService) error {
			return taskCommand(ctx, cfg, svc, cmd, args)
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func taskCommand(ctx context.Context, cfg config.Config, svc service.TaskService, cmd string, args []string) error {
	switch cmd {
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		title := fs.String("title", "", "task title")
		description := fs.String("description", "", "task description")
		if err := fs.Parse(args); err != nil {
			return err
		}
		task, err := svc.Create(ctx, service.CreateTaskParams{
			Title:       *title,
			Description: optional(*description),
		})
		if err != nil {
			return err
		}
		return printJSON(task)

	case "get":
		taskID, _, err := parseID(args)
		if err != nil {
			return err
		}
		task, err := svc.Get(ctx, taskID)
		if err != nil {
			return err
		}
		return printJSON(task)

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		limit := fs.Int("limit", cfg.Tasks.PageSize, "page size")
		offset := fs.Int("offset", 0, "rows to skip")
		if err := fs.Parse(args); err != nil {
			return err
		}
		tasks, err := svc.List(ctx, int32(*limit), int32(*offset))
		if err != nil {
			return err
		}
		return printJSON(tasks)

	case "set-status":
		taskID, rest, err := parseID(args)
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return errors.New("set-status needs <id> <status>")
		}
		status, err := model.ParseTaskStatus(rest[0])
		if err != nil {
			return err
		}
		return update(ctx, svc, taskID, service.UpdateTaskParams{Status: &status})

	case "update":
		taskID, rest, err := parseID(args)
		if err != nil {
			return err
		}
		fs := flag.NewFlagSet("update", flag.ContinueOnError)
		title := fs.String("title", "", "new title")
		description := fs.String("description", "", "new description")
		rawStatus := fs.String("status", "", "new status")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		params := service.UpdateTaskParams{
			Title:       optional(*title),
			Description: optional(*description),
		}
		if *rawStatus != "" {
			status, err := model.ParseTaskStatus(*rawStatus)
			if err != nil {
				return err
			}
			params.Status = &status
		}
		return update(ctx, svc, taskID, params)

	case "delete":
		taskID, _, err := parseID(args)
		if err != nil {
			return err
		}
		return svc.Delete(ctx, taskID)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

type updateOutput struct {
	Task          *model.Task `json:"task"`
	StatusChanged bool        `json:"status_changed"`
	Published     bool        `json:"published"`
	PublishError  string      `json:"publish_error,omitempty"`
}

func update(ctx context.Context, svc service.TaskService, taskID int64, params service.UpdateTaskParams) error {
	result, err := svc.Update(ctx, taskID, params)
	if err != nil {
		return err
	}
	out := updateOutput{
		Task:          result.Task,
		StatusChanged: result.StatusChanged,
		Published:     result.Published,
	}
	if result.PublishErr != nil {
		out.PublishError = result.PublishErr.Error()
	}
	return printJSON(out)
}

func withDB(ctx context.Context, cfg config.Config, fn func(database *db.DB) error) error {
	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}

func withTaskService(ctx context.Context, cfg config.Config, fn func(svc service.TaskService) error) error {
	return withDB(ctx, cfg, func(database *db.DB) error {
		var publisher queue.Publisher
		if cfg.Producer.Enabled {
			p, err := queue.NewKafkaProducer(queue.ProducerConfig{
				Brokers:     cfg.Kafka.Brokers,
				ClientID:    cfg.Kafka.ClientID,
				Acks:        queue.Acks(cfg.Producer.Acks),
				Idempotence: cfg.Producer.Idempotence,
				KeyByEvent:  cfg.Producer.KeyByTask,
				Timeout:     cfg.Producer.Timeout,
			})
			if err != nil {
				return err
			}
			defer p.Close()
			publisher = p
		}

		svc, err := service.NewTaskService(
			service.NewTxRunner(database),
			store.NewStores(database.Querier()).Tasks(),
			publisher,
			service.TaskServiceConfig{
				Topic:      cfg.Kafka.Topic,
				EmitPolicy: service.EmitPolicy(cfg.Tasks.EmitPolicy),
			})
		if err != nil {
			return err
		}
		return fn(svc)
	})
}

func provision(ctx context.Context, cfg config.Config) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID),
		kgo.DialTimeout(cfg.Kafka.DialTimeout),
		kgo.WithLogger(kslog.New(slog.Default())),
	)
	if err != nil {
		return err
	}
	defer cl.Close()

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

	provisionCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := queue.NewProvisioner(queue.NewKafkaTopicAdmin(cl), slog.Default()).EnsureTopics(provisionCtx, decls...); err != nil {
		return err
	}
	return printJSON(decls)
}

func deadLetters(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	count := fs.Int64("count", 50, "entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.DeadLetter.Sink != "redis" {
		return fmt.Errorf("dead-letters reads the redis stream, but DEAD_LETTER_SINK=%s", cfg.DeadLetter.Sink)
	}

	redisOpts, err := redis.ParseURL(cfg.DeadLetter.RedisURL)
	if err != nil {
		return err
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	entries, err := queue.NewRedisDeadLetterSink(client, cfg.DeadLetter.RedisStream).List(ctx, *count)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func parseID(args []string) (int64, []string, error) {
	if len(args) == 0 {
		return 0, nil, errors.New("task id is required")
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid task id %q: %w", args[0], err)
	}
	return taskID, args[1:], nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
