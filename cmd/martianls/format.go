package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"martianls/internal/config"
	"martianls/internal/driver"
	"martianls/internal/mroenv"
	"martianls/internal/mrofmt"
)

var formatCmd = &cobra.Command{
	Use:   "format [flags] <file.mro|dir>...",
	Short: "Format mro files through the mro formatter",
	Long: `Format runs "mro format --stdin" for every file. Without --rewrite or
--check the formatted sources are printed to stdout.

Settings come from the nearest martianls.toml and may be overridden by flags.`,
	Args: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}
		if all {
			if len(args) > 0 {
				return errors.New("format: --all does not take file arguments")
			}
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().Bool("includes", false, "let the formatter add and remove includes")
	formatCmd.Flags().String("mropath", "", "MROPATH for the formatter (supports ${workspaceFolder})")
	formatCmd.Flags().String("mro", "", "mro executable (supports ${workspaceFolder})")
	formatCmd.Flags().Bool("rewrite", false, "rewrite files in place")
	formatCmd.Flags().Bool("check", false, "list files that are not formatted")
	formatCmd.Flags().Bool("all", false, "format every .mro file in MROPATH")
	formatCmd.Flags().Int("jobs", 0, "max parallel formatter processes (0=auto)")
	ui := uiModeAuto
	formatCmd.Flags().Var(&ui, "ui", "progress UI (auto|on|off)")
	formatCmd.Flags().Bool("no-cache", false, "ignore the record of already formatted files")
	formatCmd.Flags().String("format", "text", "output format (text|json)")
}

type formatFlags struct {
	rewrite bool
	check   bool
	all     bool
	output  string
}

func (f formatFlags) mode() (driver.Mode, error) {
	switch {
	case f.rewrite && f.check:
		return 0, errors.New("format: --rewrite cannot be used with --check")
	case f.check:
		return driver.ModeCheck, nil
	case f.rewrite, f.all:
		return driver.ModeRewrite, nil
	default:
		if f.output != "text" {
			return 0, errors.New("format: printing sources is only supported with text output")
		}
		return driver.ModeStdout, nil
	}
}

func runFormat(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	var flags formatFlags
	var err error
	if flags.rewrite, err = cmd.Flags().GetBool("rewrite"); err != nil {
		return err
	}
	if flags.check, err = cmd.Flags().GetBool("check"); err != nil {
		return err
	}
	if flags.all, err = cmd.Flags().GetBool("all"); err != nil {
		return err
	}
	if flags.output, err = cmd.Flags().GetString("format"); err != nil {
		return err
	}
	flags.output = strings.ToLower(flags.output)
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("format: unsupported output format %q", flags.output)
	}
	mode, err := flags.mode()
	if err != nil {
		return err
	}
	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return err
	}
	uiPref := uiModeOf(cmd)
	noCache, err := cmd.Flags().GetBool("no-cache")
	if err != nil {
		return err
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	settings, root, err := loadFormatSettings(cmd, cwd)
	if err != nil {
		return err
	}

	var files []string
	if flags.all {
		files, err = driver.SearchPathFiles(searchPathFor(settings, root, cwd))
	} else {
		files, err = driver.CollectSourceFiles(cmd.Context(), args)
	}
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("format: no source files found")
	}

	var cache *driver.DiskCache
	if !noCache {
		if cache, err = driver.OpenDiskCache(cacheApp); err != nil {
			logger.Warn("format cache disabled", zap.Error(err))
			cache = nil
		}
	}

	opts := driver.FormatOptions{
		Mode:          mode,
		Settings:      settings,
		WorkspaceRoot: root,
		Jobs:          jobs,
		Formatter:     mrofmt.New(mrofmt.Options{Logger: logger.Named("format")}),
		Cache:         cache,
		Logger:        logger,
	}

	var results []driver.FormatResult
	if !quiet && mode != driver.ModeStdout && shouldUseTUI(uiPref, flags.output == "text") {
		results, err = runFormatWithUI(cmd.Context(), "formatting", files, opts)
	} else {
		results, err = driver.FormatPaths(cmd.Context(), files, opts)
	}
	if err != nil {
		return err
	}

	var hasErrors, hasChanges bool
	switch {
	case mode == driver.ModeStdout:
		hasErrors = renderFmtStdout(cmd.OutOrStdout(), cmd.ErrOrStderr(), results)
	case flags.output == "json":
		if err := renderFmtJSON(cmd.OutOrStdout(), results, mode == driver.ModeCheck); err != nil {
			return err
		}
		hasErrors, hasChanges = summarize(results)
	default:
		hasErrors, hasChanges = renderFmtText(cmd.OutOrStdout(), cmd.ErrOrStderr(), results, mode == driver.ModeCheck, quiet)
	}

	if hasErrors {
		return errors.New("format: failed to format some files")
	}
	if mode == driver.ModeCheck && hasChanges {
		return errors.New("format: formatting changes required")
	}
	return nil
}

// loadFormatSettings reads the nearest martianls.toml and applies flag
// overrides. The workspace root is the directory holding the file, or cwd.
func loadFormatSettings(cmd *cobra.Command, cwd string) (config.Settings, string, error) {
	settings, path, err := config.LoadWorkspace(cwd)
	if err != nil {
		return config.Settings{}, "", err
	}
	root := cwd
	if path != "" {
		root = filepath.Dir(path)
		logger.Debug("using workspace config", zap.String("path", path))
	}

	flags := cmd.Flags()
	if flags.Changed("includes") {
		if settings.FormatImports, err = flags.GetBool("includes"); err != nil {
			return config.Settings{}, "", err
		}
	}
	if flags.Changed("mropath") {
		if settings.MroPath, err = flags.GetString("mropath"); err != nil {
			return config.Settings{}, "", err
		}
	}
	if flags.Changed("mro") {
		if settings.Executable, err = flags.GetString("mro"); err != nil {
			return config.Settings{}, "", err
		}
	}
	return settings, root, nil
}

// searchPathFor returns the directories --all scans: the configured MROPATH,
// else the inherited one, else the working directory.
func searchPathFor(settings config.Settings, root, cwd string) string {
	if settings.MroPath != "" {
		return mroenv.ResolveSearchPath(settings.MroPath, root)
	}
	if value := mroenv.LookupSearchPath(nil); value != "" {
		return value
	}
	return cwd
}

func summarize(results []driver.FormatResult) (hasErrors, hasChanges bool) {
	for _, res := range results {
		if res.Err != nil {
			hasErrors = true
		} else if res.Changed {
			hasChanges = true
		}
	}
	return hasErrors, hasChanges
}

// formatError renders a failure. Formatter messages carry their own blank
// lines around them.
func formatError(res driver.FormatResult) string {
	return fmt.Sprintf("%s %s: %s", color.RedString("error:"), res.Path, strings.TrimSpace(res.Err.Error()))
}

func renderFmtStdout(out, errOut io.Writer, results []driver.FormatResult) (hasErrors bool) {
	for _, res := range results {
		if res.Err != nil {
			hasErrors = true
			fmt.Fprintln(errOut, formatError(res))
			continue
		}
		_, _ = out.Write(res.Formatted)
	}
	return hasErrors
}

func renderFmtText(out, errOut io.Writer, results []driver.FormatResult, check, quiet bool) (hasErrors, hasChanges bool) {
	for _, res := range results {
		if res.Err != nil {
			hasErrors = true
			fmt.Fprintln(errOut, formatError(res))
			continue
		}
		if !res.Changed {
			continue
		}
		hasChanges = true
		if quiet {
			continue
		}
		if check {
			fmt.Fprintln(out, res.Path)
		} else {
			fmt.Fprintf(out, "%s %s\n", color.GreenString("reformatted"), res.Path)
		}
	}
	return hasErrors, hasChanges
}

func renderFmtJSON(out io.Writer, results []driver.FormatResult, check bool) error {
	type jsonResult struct {
		Path     string `json:"path"`
		Changed  bool   `json:"changed"`
		Cached   bool   `json:"cached,omitempty"`
		Error    string `json:"error,omitempty"`
		CheckRun bool   `json:"check"`
		Millis   int64  `json:"elapsed_ms"`
	}

	payload := make([]jsonResult, 0, len(results))
	for _, res := range results {
		jr := jsonResult{
			Path:     res.Path,
			Changed:  res.Changed,
			Cached:   res.Cached,
			CheckRun: check,
			Millis:   res.Elapsed.Milliseconds(),
		}
		if res.Err != nil {
			jr.Error = strings.TrimSpace(res.Err.Error())
		}
		payload = append(payload, jr)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
