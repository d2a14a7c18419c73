package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"region-similarity/internal/catalog"
)

var bandsCmd = &cobra.Command{
	Use:   "bands <dataset id>",
	Short: "List the bands of a catalog dataset",
	Long: `Looks the dataset up in the STAC catalog, falling back to asking the
engine when credentials are available.

Example:
  regionsim bands MODIS/061/MOD13Q1`,
	Args: cobra.ExactArgs(1),
	RunE: runBands,
}

var searchCmd = &cobra.Command{
	Use:   "search <keywords...>",
	Short: "Search the dataset lists",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func newCatalog(cmd *cobra.Command) *catalog.Catalog {
	client, err := newClient(cmd.Context())
	if err != nil {
		logger.Debug("engine fallback disabled", zap.Error(err))
		return catalog.New(nil, catalog.WithLogger(logger))
	}
	return catalog.New(client, catalog.WithLogger(logger))
}

func runBands(cmd *cobra.Command, args []string) error {
	bands, err := newCatalog(cmd).Bands(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, b := range bands {
		fmt.Fprintln(cmd.OutOrStdout(), b)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	results, err := catalog.New(nil, catalog.WithLogger(logger)).Search(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no datasets found")
		return nil
	}
	for _, d := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%-50s %s\n", d.ID, d.Title)
	}
	return nil
}
