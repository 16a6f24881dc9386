package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/config"
	"github.com/withobsrvr/oip-index-node/internal/query"
	"github.com/withobsrvr/oip-index-node/internal/resolver"
	"github.com/withobsrvr/oip-index-node/internal/search"
)

func queryCmd() *cobra.Command {
	var recordType, searchTerm, storageFlag, sortBy, tags string
	var limit, offset, resolveDepth int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "run a one-off query against the node's search store and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := search.Open(cfg.Search.IndexPath, zap.NewNop())
			if err != nil {
				return fmt.Errorf("open search store: %w", err)
			}
			defer store.Close()

			engine := query.New(store, resolver.New(store))
			req := query.Request{
				RecordType:   recordType,
				Search:       searchTerm,
				Storage:      storageFlag,
				SortBy:       sortBy,
				Tags:         tags,
				Limit:        itoaOrEmpty(limit),
				Offset:       itoaOrEmpty(offset),
				ResolveDepth: itoaOrEmpty(resolveDepth),
			}

			page, err := engine.Query(req, query.Caller{})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		},
	}

	cmd.Flags().StringVar(&recordType, "record-type", "", "filter by record type")
	cmd.Flags().StringVar(&searchTerm, "search", "", "full-text search term")
	cmd.Flags().StringVar(&storageFlag, "storage", "", "all, ledger, or peer")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "<field>:asc|desc (default date:desc)")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tag filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = default)")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().IntVar(&resolveDepth, "resolve-depth", 0, "dref resolution depth, 0-3")
	return cmd
}

func itoaOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
