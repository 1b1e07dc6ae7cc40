// Command bamboo-node runs a p2p append-only-log node: it loads
// configuration, opens the Postgres-backed entry store, builds the log
// index, joins the libp2p network, wires the task-queue factory's pools
// to all of it, and serves the JSON-RPC-style HTTP API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/banyannet/bamboo-node/pkg/config"
	"github.com/banyannet/bamboo-node/pkg/entry"
	"github.com/banyannet/bamboo-node/pkg/logging"
	"github.com/banyannet/bamboo-node/pkg/logindex"
	"github.com/banyannet/bamboo-node/pkg/logstore"
	"github.com/banyannet/bamboo-node/pkg/nodekey"
	"github.com/banyannet/bamboo-node/pkg/p2pnet"
	"github.com/banyannet/bamboo-node/pkg/pipeline"
	"github.com/banyannet/bamboo-node/pkg/rpcapi"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		listenAddr = flag.String("listen", "", "RPC listen address (overrides config)")
		dbConn     = flag.String("db", "", "Postgres connection string (overrides config)")
		dataDir    = flag.String("data-dir", "", "Node data directory (overrides config)")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bamboo-node: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.RPC.ListenAddr = *listenAddr
	}
	if *dbConn != "" {
		cfg.Storage.ConnectionString = *dbConn
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
		cfg.Node.PrivateKeyFile = filepath.Join(*dataDir, "node.key")
		cfg.Index.BleveIndexPath = filepath.Join(*dataDir, "index.bleve")
	}

	loggerConfig, err := cfg.LoggerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bamboo-node: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(loggerConfig)
	logger := logging.GetGlobalLogger()

	if err := run(cfg, *configFile); err != nil {
		logger.Error("bamboo-node: fatal", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string) error {
	ctx := context.Background()

	if configFile != "" {
		watcher, err := config.Watch(configFile, func(reloaded *config.Config, err error) {
			if err != nil {
				logging.Warn("bamboo-node: config reload failed, keeping current settings", map[string]interface{}{"error": err.Error()})
				return
			}
			// Pool sizes and listen addresses are fixed once the factory
			// and servers are built; only the log level is safe to apply
			// without a restart.
			if level, err := logging.ParseLogLevel(reloaded.Logging.Level); err == nil {
				logging.GetGlobalLogger().SetLevel(level)
				logging.Info("bamboo-node: applied reloaded log level", map[string]interface{}{"level": reloaded.Logging.Level})
			}
		})
		if err != nil {
			return fmt.Errorf("watch config file: %w", err)
		}
		defer watcher.Close()
	}

	store, err := logstore.Open(ctx, &logstore.Config{
		ConnectionString: cfg.Storage.ConnectionString,
		MaxConnections:   cfg.Storage.MaxConnections,
		ConnectTimeout:   time.Duration(cfg.Storage.ConnectTimeoutS) * time.Second,
		MigrationsPath:   cfg.Storage.MigrationsPath,
	})
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer store.Close()

	if err := store.MigrateToLatest(ctx); err != nil {
		return fmt.Errorf("migrate log store: %w", err)
	}

	bloom := logindex.NewBloomIndex(cfg.Index.BloomExpectedN, cfg.Index.BloomFalsePosRate)

	search, err := logindex.OpenSearchIndex(cfg.Index.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("open search index: %w", err)
	}
	defer search.Close()

	factory, deps := pipeline.NewFactory(store, bloom, search, nil, cfg.Pipeline.BusCapacity)

	rpc := rpcapi.NewServer(store, func(s entry.Signed) {
		pipeline.Submit(factory, s)
	})
	deps.Notify = rpc.Notify

	var passphrase nodekey.PassphraseFunc
	if cfg.Node.KeyPassphraseProtected {
		passphrase = nodekey.PromptPassphrase
	}
	identity, err := nodekey.LoadOrCreate(cfg.Node.PrivateKeyFile, passphrase)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	host, err := p2pnet.New(p2pnet.Config{
		ListenAddrs: cfg.P2P.ListenAddrs,
		MaxPeers:    cfg.P2P.MaxPeers,
		Identity:    identity,
	}, func(from peer.ID, s entry.Signed) {
		pipeline.Submit(factory, s)
	})
	if err != nil {
		return fmt.Errorf("start p2p host: %w", err)
	}
	defer host.Close()
	deps.Host = host
	host.Bootstrap(ctx, cfg.P2P.BootstrapPeers)

	pipeline.Build(factory, pipeline.PoolSizes{
		Verify:    cfg.Pipeline.VerifyPoolSize,
		Store:     cfg.Pipeline.StorePoolSize,
		Index:     cfg.Pipeline.IndexPoolSize,
		Broadcast: cfg.Pipeline.BroadcastPoolSize,
	})

	httpServer := &http.Server{Addr: cfg.RPC.ListenAddr, Handler: rpc.Router()}
	serveErr := make(chan error, 1)
	go func() {
		logging.Info("bamboo-node: rpc listening", map[string]interface{}{"addr": cfg.RPC.ListenAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("bamboo-node: received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		logging.Error("bamboo-node: rpc server error", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("bamboo-node: http shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := factory.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down task queue: %w", err)
	}
	return nil
}
