// Command archive-indexer runs the indexing-core pipeline: subscribes
// to a node's finalized-head stream, resolves block bodies from a
// local store, enriches blocks with runtime metadata, and persists
// everything to a Postgres-compatible sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jakehemmerle/substrate-archive-go/internal/actor"
	"github.com/jakehemmerle/substrate-archive-go/internal/aggregator"
	"github.com/jakehemmerle/substrate-archive-go/internal/blockstore"
	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/config"
	"github.com/jakehemmerle/substrate-archive-go/internal/db"
	"github.com/jakehemmerle/substrate-archive-go/internal/deferred"
	"github.com/jakehemmerle/substrate-archive-go/internal/headsource"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/metadataworker"
	"github.com/jakehemmerle/substrate-archive-go/internal/metrics"
	"github.com/jakehemmerle/substrate-archive-go/internal/rpcclient"
)

func main() {
	cfgPath := flag.String("config", "archive-indexer.toml", "path to TOML configuration file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "archive-indexer:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := logging.Initialize(os.Stderr, cfg.Logging.Level); err != nil {
		return err
	}
	logger := logging.GetLogger("main")

	metrics.MustRegister()
	go serveMetrics(cfg.Metrics.Addr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpc, err := rpcclient.Dial(ctx, cfg.Node.RPCURL)
	if err != nil {
		return err
	}
	defer rpc.Close()

	store, err := blockstore.Open(cfg.Node.BlockStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, rawDB, err := db.Open(cfg.Database.DSN, cfg.Database.MinConns, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer rawDB.Close()

	if err := db.Migrate(rawDB); err != nil {
		return err
	}

	// The storage-diff compute pool lives in a separate process; this
	// channel exists only so the aggregator has somewhere to forward
	// BlockData, matching the external interface.
	computeOut := make(chan chain.BlockData, 256)
	go drainComputeOut(ctx, computeOut)

	metaPool := metadataworker.New(rpc, sink, sink, cfg.Pipeline.MetadataWorkers)
	defer metaPool.Stop()

	deferredWorker := deferred.New(sink, sink, cfg.Pipeline.DeferredPollPeriod, cfg.Pipeline.DeferredMaxAge)

	// Factories rebuild a fresh actor on every (re)start, as
	// actor.Supervisor requires: a stopped Aggregator/Source can't be
	// restarted in place since its internal context is already
	// canceled.
	sup := actor.NewSupervisor()
	sup.Supervise(func() actor.Actor {
		return aggregator.New(metaPool, sink, sink, deferredWorker, computeOut, cfg.Pipeline.TickInterval)
	})
	sup.Supervise(func() actor.Actor {
		return headsource.New(headsource.RPCSubscriber{Client: rpc}, store, metaPool)
	})

	if err := sup.Start(); err != nil {
		return err
	}
	logger.Info("archive-indexer started", "rpc_url", cfg.Node.RPCURL)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	return sup.StopAll()
}

func serveMetrics(addr string, logger *logging.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// drainComputeOut stands in for the storage-diff compute pool: it just
// discards BlockData messages so the aggregator's non-blocking send
// never has to special-case "nobody is listening yet".
func drainComputeOut(ctx context.Context, ch <-chan chain.BlockData) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}
