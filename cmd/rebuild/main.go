// rebuild runs a full materialization pass: every live order's view and
// index set is recomputed from the durable store. Operators use it to repair
// the cache after a detected inconsistency or a cache wipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mao/internal/aggregate"
	"mao/internal/cache"
	"mao/internal/logging"
	"mao/internal/peers"
	"mao/internal/store"
	"mao/internal/view"
)

func main() {
	var (
		postgresDSN string
		cacheDir    string
		peerGateway string
		peerTimeout int
		orderID     string
	)
	flag.StringVar(&postgresDSN, "postgres", "postgres://localhost:5432/mao", "postgres dsn")
	flag.StringVar(&cacheDir, "cache-dir", "./data/cache", "pebble cache directory")
	flag.StringVar(&peerGateway, "peer-gateway", "http://localhost:7700", "peer rpc gateway base url")
	flag.IntVar(&peerTimeout, "peer-timeout", 3, "peer call timeout seconds")
	flag.StringVar(&orderID, "order", "", "rebuild a single order instead of the full set")
	flag.Parse()

	log, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(postgresDSN, cacheDir, peerGateway, peerTimeout, orderID, log); err != nil {
		log.Fatal("rebuild failed", zap.Error(err))
	}
}

func run(postgresDSN, cacheDir, peerGateway string, peerTimeout int, orderID string, log *zap.Logger) error {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()

	cacheStore, err := cache.Open(cacheDir)
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	dir := peers.Directory{Call: peers.NewClient(peerGateway, time.Duration(peerTimeout)*time.Second).Call}
	orders := store.NewOrders(pool)
	agg := aggregate.New(dir, log.Named("aggregate"), nil)
	mat := view.NewMaterializer(orders, agg, cacheStore, log.Named("view"), nil)

	start := time.Now()
	var ids []string
	if orderID != "" {
		ids = []string{orderID}
	}
	if err := mat.Materialize(ctx, ids); err != nil {
		return err
	}
	log.Info("rebuild complete", zap.Duration("took", time.Since(start)))
	return nil
}
