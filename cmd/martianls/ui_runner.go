package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"martianls/internal/driver"
	"martianls/internal/ui"
)

type formatOutcome struct {
	results []driver.FormatResult
	err     error
}

// errInterrupted is returned when the progress view is quit before the batch
// finishes; the in-flight formatter processes are cancelled.
var errInterrupted = fmt.Errorf("format: interrupted: %w", context.Canceled)

func runFormatWithUI(ctx context.Context, title string, files []string, opts driver.FormatOptions, progOpts ...tea.ProgramOption) ([]driver.FormatResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan driver.Event, 256)
	outcomeCh := make(chan formatOutcome, 1)

	go func() {
		optsCopy := opts
		optsCopy.Progress = driver.ChannelSink{Ch: events}
		res, err := driver.FormatPaths(ctx, files, optsCopy)
		outcomeCh <- formatOutcome{results: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, files, events)
	progOpts = append([]tea.ProgramOption{tea.WithOutput(os.Stdout), tea.WithContext(ctx)}, progOpts...)
	program := tea.NewProgram(model, progOpts...)
	final, uiErr := program.Run()
	interrupted := ui.Interrupted(final)
	if interrupted || uiErr != nil {
		cancel()
	}
	// the view no longer reads events; keep the producer from blocking
	go func() {
		for range events {
		}
	}()

	outcome := <-outcomeCh
	if interrupted {
		return outcome.results, errInterrupted
	}
	if uiErr != nil && outcome.err == nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}
