package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mao/internal/aggregate"
	"mao/internal/cache"
	"mao/internal/clock"
	"mao/internal/engine"
	"mao/internal/logging"
	"mao/internal/metrics"
	"mao/internal/model"
	"mao/internal/notify"
	"mao/internal/ordernum"
	"mao/internal/peers"
	"mao/internal/store"
	"mao/internal/stream"
	"mao/internal/sweep"
	"mao/internal/view"
)

// Config holds CLI flags for the order lifecycle daemon.
type Config struct {
	PostgresDSN    string
	CacheDir       string
	KafkaBootstrap string
	GroupID        string
	TopicCommands  string
	TopicApplied   string
	PeerGateway    string
	PeerTimeoutSec int
	NotifyEndpoint string
	HTTPAddr       string
	NodeID         int64
}

func main() {
	cfg := readFlags()
	log, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	if err := run(cfg, log); err != nil {
		log.Fatal("ordersd failed", zap.Error(err))
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.PostgresDSN, "postgres", "postgres://localhost:5432/mao", "postgres dsn")
	flag.StringVar(&cfg.CacheDir, "cache-dir", "./data/cache", "pebble cache directory")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "localhost:9092", "kafka bootstrap servers")
	flag.StringVar(&cfg.GroupID, "group-id", "ordersd", "consumer group id")
	flag.StringVar(&cfg.TopicCommands, "topic-commands", "mao.order-commands", "inbound command topic")
	flag.StringVar(&cfg.TopicApplied, "topic-applied", "mao.order-applied", "applied transition topic, empty disables")
	flag.StringVar(&cfg.PeerGateway, "peer-gateway", "http://localhost:7700", "peer rpc gateway base url")
	flag.IntVar(&cfg.PeerTimeoutSec, "peer-timeout", 3, "peer call timeout seconds")
	flag.StringVar(&cfg.NotifyEndpoint, "notify-endpoint", "", "push notification endpoint, empty disables")
	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "http listen for /metrics and /healthz")
	flag.Int64Var(&cfg.NodeID, "node-id", 1, "order number node id")
	flag.Parse()
	return cfg
}

func run(cfg Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()
	if err := store.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	cacheStore, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	mreg := metrics.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mreg.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		_ = http.ListenAndServe(cfg.HTTPAddr, mux)
	}()

	dir := peers.Directory{Call: peers.NewClient(cfg.PeerGateway, time.Duration(cfg.PeerTimeoutSec)*time.Second).Call}
	orders := store.NewOrders(pool)
	events := store.NewEvents(pool)
	agg := aggregate.New(dir, log.Named("aggregate"), mreg)
	mat := view.NewMaterializer(orders, agg, cacheStore, log.Named("view"), mreg)

	nums, err := ordernum.New(cfg.NodeID)
	if err != nil {
		return err
	}

	var pub stream.Publisher = stream.Nop{}
	if cfg.TopicApplied != "" {
		pub = stream.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.TopicApplied)
	}
	var notifier engine.Notifier = notify.Nop{}
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewHTTP(cfg.NotifyEndpoint, 5*time.Second, log.Named("notify"), mreg)
	}

	clk := clock.NewSystem()
	eng := engine.New(orders, events, mat, dir, notifier, pub, nums, clk, log.Named("engine"), mreg)

	sched := sweep.New(orders, eng, dir, dir, clk, log.Named("sweep"), mreg)
	go sched.Run(ctx)

	return consume(ctx, cfg, eng, log.Named("consumer"), mreg)
}

// consume reads command envelopes from Kafka and drives the dispatcher.
// Offsets commit after handling: rejections and validation failures are
// permanent and commit too; only infrastructure failures leave the offset
// uncommitted so redelivery retries them. Duplicate delivery is harmless
// because the transition table's state guard makes transitions idempotent.
func consume(ctx context.Context, cfg Config, eng *engine.Engine, log *zap.Logger, mreg *metrics.Registry) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{cfg.TopicCommands}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info("consuming commands", zap.String("topic", cfg.TopicCommands))

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := c.ReadMessage(time.Second)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			log.Warn("read message", zap.Error(err))
			continue
		}
		mreg.CommandsConsumed.Inc()

		var cmd model.Command
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			log.Warn("bad command envelope, skipping", zap.Error(err))
			_, _ = c.CommitMessage(msg)
			continue
		}

		err = eng.Dispatch(ctx, cmd)
		switch {
		case err == nil:
			_, _ = c.CommitMessage(msg)
		case model.IsRejected(err):
			log.Info("transition rejected",
				zap.String("type", string(cmd.Type)),
				zap.String("orderId", cmd.OrderID),
				zap.Error(err))
			_, _ = c.CommitMessage(msg)
		default:
			if permanent(err) {
				log.Warn("permanent command failure, skipping",
					zap.String("type", string(cmd.Type)),
					zap.String("orderId", cmd.OrderID),
					zap.Error(err))
				_, _ = c.CommitMessage(msg)
				continue
			}
			// Infrastructure failure: leave uncommitted so the queue redelivers.
			log.Error("command failed, will retry on redelivery",
				zap.String("type", string(cmd.Type)),
				zap.String("orderId", cmd.OrderID),
				zap.Error(err))
		}
	}
}

// permanent reports whether a dispatch failure can never succeed on
// redelivery, so the offset commits instead of the consumer reprocessing the
// same message forever.
func permanent(err error) bool {
	var ve *model.ValidationError
	return errors.As(err, &ve) || errors.Is(err, model.ErrOrderNotFound)
}
