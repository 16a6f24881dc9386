package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/config"
	"github.com/withobsrvr/oip-index-node/internal/httpx"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/peergraph"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
	syncengine "github.com/withobsrvr/oip-index-node/internal/sync"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "drive SyncEngine from the command line"}
	cmd.AddCommand(syncRunOnceCmd())
	return cmd
}

func syncRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "run exactly one sync cycle against every configured peer, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := zap.NewNop()
			dir := codec.NewDirectory()
			searchStore, err := search.Open(cfg.Search.IndexPath, log)
			if err != nil {
				return fmt.Errorf("open search store: %w", err)
			}
			defer searchStore.Close()
			stateStore, err := state.Open(cfg.State.DataDir, log)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer stateStore.Close()

			ix := indexer.New(dir, searchStore, stateStore, log)
			go ix.Run()
			defer ix.Stop()

			peers := make([]syncengine.Peer, 0, len(cfg.Peers))
			for _, p := range cfg.Peers {
				rc := httpx.NewRecyclingClient(15*time.Second, 30*time.Minute)
				defer rc.Close()
				breaker := httpx.NewCircuitBreaker(5, 30*time.Second)
				peers = append(peers, syncengine.Peer{Soul: p.Soul, Client: peergraph.New(p.BaseURL, rc, breaker, log)})
			}

			engine := syncengine.New(peers, stateStore, ix, nil, log)
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(10)*cfg.Sync.SyncInterval())
			defer cancel()
			if err := engine.RunOnce(ctx); err != nil {
				return fmt.Errorf("sync cycle: %w", err)
			}

			stats := engine.Stats()
			fmt.Printf("cycle complete: fetched=%d skipped=%d deleted=%d errors=%d duration=%s\n",
				stats.Fetched, stats.Skipped, stats.Deleted, stats.Errors, stats.Duration)
			return nil
		},
	}
}
