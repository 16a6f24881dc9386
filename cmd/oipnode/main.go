// Command oipnode runs a full OIP index node: it tails the ledger,
// syncs the peer graph, commits both into the shared search store, and
// serves queries and publishes over HTTP. Grounded on
// stellar-query-api/go/main.go's flag-loaded-config / HTTP-server /
// signal-driven-graceful-shutdown shape, combined with the
// zap.NewProduction logger setup used throughout the rest of this
// codebase's cmd entrypoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/accessstore"
	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/config"
	"github.com/withobsrvr/oip-index-node/internal/httpx"
	"github.com/withobsrvr/oip-index-node/internal/identity"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/ledger"
	"github.com/withobsrvr/oip-index-node/internal/memmonitor"
	"github.com/withobsrvr/oip-index-node/internal/peergraph"
	"github.com/withobsrvr/oip-index-node/internal/publisher"
	"github.com/withobsrvr/oip-index-node/internal/query"
	"github.com/withobsrvr/oip-index-node/internal/resolver"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
	syncengine "github.com/withobsrvr/oip-index-node/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("starting oipnode", zap.String("service", cfg.Service.Name), zap.Int("port", cfg.Service.Port))

	dir := codec.NewDirectory()

	searchStore, err := search.Open(cfg.Search.IndexPath, logger)
	if err != nil {
		logger.Fatal("failed to open search store", zap.Error(err))
	}
	defer searchStore.Close()

	stateStore, err := state.Open(cfg.State.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer stateStore.Close()

	ix := indexer.New(dir, searchStore, stateStore, logger)
	go ix.Run()
	defer ix.Stop()

	var orgStore *accessstore.Store
	if cfg.AccessStore != nil {
		orgStore, err = accessstore.Open(cfg.AccessStore.DSN(), logger)
		if err != nil {
			logger.Fatal("failed to open access store", zap.Error(err))
		}
		defer orgStore.Close()
		ix.SetOrgMirror(orgStore)
	}

	ledgerReader := ledger.New(cfg.Ledger.Endpoint, stateStore, logger)
	defer ledgerReader.Close()

	ledgerStop := make(chan struct{})
	go runLedgerIngestion(ledgerStop, ledgerReader, ix, cfg.Sync.SyncInterval(), logger)
	defer close(ledgerStop)

	peers := make([]syncengine.Peer, 0, len(cfg.Peers))
	peerClients := make(map[string]*peergraph.Client, len(cfg.Peers))
	for _, p := range cfg.Peers {
		rc := httpx.NewRecyclingClient(15*time.Second, 30*time.Minute)
		defer rc.Close()
		breaker := httpx.NewCircuitBreaker(5, 30*time.Second)
		client := peergraph.New(p.BaseURL, rc, breaker, logger)
		peerClients[p.Soul] = client
		peers = append(peers, syncengine.Peer{Soul: p.Soul, Client: client})
	}

	monitor := memmonitor.New(32*1024*1024, func(growthPerMin float64) {
		logger.Warn("memory growth alert", zap.Float64("bytesPerMin", growthPerMin))
	})
	go monitor.Run(time.Minute, nil)

	syncEngine := syncengine.New(peers, stateStore, ix, monitor, logger)
	stop := make(chan struct{})
	go syncEngine.Run(stop)
	defer close(stop)

	resolv := resolver.New(searchStore)
	queryEngine := query.New(searchStore, resolv)

	var wallet *identity.ExtendedKey
	mnemonic, err := cfg.Wallet.ResolveMnemonic()
	if err != nil {
		logger.Fatal("failed to resolve wallet mnemonic", zap.Error(err))
	}
	if mnemonic != "" {
		master, err := identity.WalletFromMnemonic(mnemonic, cfg.Wallet.Passphrase)
		if err != nil {
			logger.Fatal("failed to derive wallet from mnemonic", zap.Error(err))
		}
		wallet, err = master.DerivePath(identity.SigningPath(0)...)
		if err != nil {
			logger.Fatal("failed to derive signing account", zap.Error(err))
		}
	}

	var defaultPeer *peergraph.Client
	for _, c := range peerClients {
		defaultPeer = c
		break
	}
	pub := publisher.New(wallet, ledgerReader, defaultPeer, ix, dir, logger)

	mux := http.NewServeMux()
	server := newServer(cfg, queryEngine, pub, ix, syncEngine, monitor, orgStore, logger, mux)

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Service.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}
