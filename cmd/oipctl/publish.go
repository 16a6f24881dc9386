package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/config"
	"github.com/withobsrvr/oip-index-node/internal/identity"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/ledger"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/publisher"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

func publishCmd() *cobra.Command {
	var sectionsPath, recordType, storageFlag, localID string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish a record to the ledger or the peer graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			raw, err := os.ReadFile(sectionsPath)
			if err != nil {
				return fmt.Errorf("read sections file: %w", err)
			}
			var sections map[string]map[string]any
			if err := json.Unmarshal(raw, &sections); err != nil {
				return fmt.Errorf("parse sections file: %w", err)
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

			ledgerReader := ledger.New(cfg.Ledger.Endpoint, stateStore, log)
			defer ledgerReader.Close()

			mnemonic, err := cfg.Wallet.ResolveMnemonic()
			if err != nil {
				return fmt.Errorf("resolve wallet mnemonic: %w", err)
			}
			if mnemonic == "" {
				return fmt.Errorf("no wallet configured; set wallet.mnemonic or wallet.mnemonic_file")
			}
			master, err := identity.WalletFromMnemonic(mnemonic, cfg.Wallet.Passphrase)
			if err != nil {
				return fmt.Errorf("derive wallet: %w", err)
			}
			signingKey, err := master.DerivePath(identity.SigningPath(0)...)
			if err != nil {
				return fmt.Errorf("derive signing account: %w", err)
			}

			pub := publisher.New(signingKey, ledgerReader, nil, ix, dir, log)

			storage := oip.StorageLedger
			if storageFlag == "peer" {
				storage = oip.StoragePeer
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			receipt, err := pub.Publish(ctx, sections, recordType, publisher.Options{Storage: storage, LocalID: localID})
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			fmt.Printf("published %s (storage=%s, encrypted=%v)\n", receipt.Did, receipt.Storage, receipt.Encrypted)
			return nil
		},
	}

	cmd.Flags().StringVar(&sectionsPath, "sections", "", "path to a JSON file of {section: {field: value}}")
	cmd.Flags().StringVar(&recordType, "record-type", "", "the record's primary template name")
	cmd.Flags().StringVar(&storageFlag, "storage", "ledger", "ledger or peer")
	cmd.Flags().StringVar(&localID, "local-id", "", "stable local id for the peer-graph soul (peer storage only)")
	cmd.MarkFlagRequired("sections")
	cmd.MarkFlagRequired("record-type")
	return cmd
}
