package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"martianls/internal/driver"
)

// cacheApp names the cache directory under $XDG_CACHE_HOME.
const cacheApp = "martianls"

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the record of already formatted files",
}

var cacheCleanCmd = &cobra.Command{
	Use:          "clean",
	Short:        "Forget every file recorded as formatted",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runCacheClean,
}

func init() {
	cacheCmd.AddCommand(cacheCleanCmd)
}

func runCacheClean(cmd *cobra.Command, _ []string) error {
	cache, err := driver.OpenDiskCache(cacheApp)
	if err != nil {
		return err
	}
	if err := cache.DropAll(); err != nil {
		return fmt.Errorf("cache clean: %w", err)
	}
	logger.Info("format cache cleared", zap.String("dir", cache.Dir()))
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", cache.Dir())
	}
	return nil
}
