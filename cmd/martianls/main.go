package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"martianls/internal/logging"
	"martianls/internal/version"
)

// logger is replaced in PersistentPreRunE once flags are parsed.
var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "martianls",
	Short: "Formatting bridge between editors and the mro formatter",
	Long: `martianls runs "mro format" on behalf of editors. It serves the
Language Server Protocol over stdio and can format files from the command line.`,
	PersistentPreRunE: setupGlobals,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.Version = version.Plain()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug|info|warn|error|off)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func setupGlobals(cmd *cobra.Command, _ []string) error {
	flags := cmd.Root().PersistentFlags()
	colorMode, err := flags.GetString("color")
	if err != nil {
		return err
	}
	if err := applyColorMode(colorMode); err != nil {
		return err
	}

	level, err := flags.GetString("log-level")
	if err != nil {
		return err
	}
	path, err := flags.GetString("log-file")
	if err != nil {
		return err
	}
	asJSON, err := flags.GetBool("log-json")
	if err != nil {
		return err
	}
	l, err := logging.New(logging.Options{Level: level, Path: path, JSON: asJSON})
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func applyColorMode(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", value)
	}
	return nil
}

// isTerminal reports whether f is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
