package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"martianls/internal/lsp"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Aliases:      []string{"lsp"},
	Short:        "Run the mro formatting language server over stdio",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	serveCmd.Flags().Bool("watch-config", true, "reload martianls.toml when it changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	watch, err := cmd.Flags().GetBool("watch-config")
	if err != nil {
		return err
	}
	log := logger.Named("lsp")
	log.Info("starting language server", zap.Int("pid", os.Getpid()))

	server := lsp.NewServer(os.Stdin, os.Stdout, lsp.ServerOptions{
		Logger:      log,
		WatchConfig: watch,
	})
	if err := server.Run(cmd.Context()); err != nil {
		if errors.Is(err, lsp.ErrExit) {
			return nil
		}
		if errors.Is(err, lsp.ErrExitWithoutShutdown) {
			return fmt.Errorf("lsp exit without shutdown")
		}
		return err
	}
	return nil
}
