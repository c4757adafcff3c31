package lsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"martianls/internal/config"
	"martianls/internal/edit"
	"martianls/internal/invoke"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []invoke.Execution
	run   func(ctx context.Context, ex invoke.Execution, input string) (invoke.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, ex invoke.Execution, input string) (invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ex)
	f.mu.Unlock()
	return f.run(ctx, ex, input)
}

func (f *fakeRunner) executions() []invoke.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invoke.Execution(nil), f.calls...)
}

func frame(t *testing.T, msgs ...map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, msg := range msgs {
		msg["jsonrpc"] = "2.0"
		payload, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := writeMessage(&buf, payload); err != nil {
			t.Fatalf("frame: %v", err)
		}
	}
	return buf.Bytes()
}

func readAll(t *testing.T, out []byte) []rpcMessage {
	t.Helper()
	reader := bufio.NewReader(bytes.NewReader(out))
	var msgs []rpcMessage
	for {
		payload, err := readMessage(reader)
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func responseFor(t *testing.T, msgs []rpcMessage, id int) rpcMessage {
	t.Helper()
	want, _ := json.Marshal(id)
	for _, msg := range msgs {
		if msg.Method == "" && bytes.Equal(bytes.TrimSpace(msg.ID), want) {
			return msg
		}
	}
	t.Fatalf("no response for id %d", id)
	return rpcMessage{}
}

func notifications(msgs []rpcMessage, method string) []rpcMessage {
	var out []rpcMessage
	for _, msg := range msgs {
		if msg.Method == method {
			out = append(out, msg)
		}
	}
	return out
}

func runSession(t *testing.T, opts ServerOptions, input []byte) ([]rpcMessage, error) {
	t.Helper()
	var out bytes.Buffer
	server := NewServer(bytes.NewReader(input), &out, opts)
	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()
	select {
	case err := <-done:
		return readAll(t, out.Bytes()), err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not finish")
		return nil, nil
	}
}

func initialize(id int, root string, options map[string]any) map[string]any {
	params := map[string]any{"rootUri": pathToURI(root)}
	if options != nil {
		params["initializationOptions"] = options
	}
	return map[string]any{"id": id, "method": "initialize", "params": params}
}

func didOpen(uri, languageID, text string) map[string]any {
	return map[string]any{
		"method": "textDocument/didOpen",
		"params": map[string]any{
			"textDocument": map[string]any{"uri": uri, "languageId": languageID, "version": 1, "text": text},
		},
	}
}

func formatting(id int, uri string) map[string]any {
	return map[string]any{
		"id":     id,
		"method": "textDocument/formatting",
		"params": map[string]any{
			"textDocument": map[string]any{"uri": uri},
			"options":      map[string]any{"tabSize": 4, "insertSpaces": true},
		},
	}
}

func shutdownAndExit(id int) []map[string]any {
	return []map[string]any{
		{"id": id, "method": "shutdown"},
		{"method": "exit"},
	}
}

func decodeEdits(t *testing.T, msg rpcMessage) []edit.TextEdit {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %+v", msg.Error)
	}
	var edits []edit.TextEdit
	if err := json.Unmarshal(msg.Result, &edits); err != nil {
		t.Fatalf("decode edits: %v", err)
	}
	return edits
}

func TestFormattingReplacesWholeDocument(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "foo.mro")
	uri := pathToURI(path)
	runner := &fakeRunner{run: func(context.Context, invoke.Execution, string) (invoke.Result, error) {
		return invoke.Result{Stdout: "stage FOO(\n)\n"}, nil
	}}

	msgs := []map[string]any{
		initialize(1, root, nil),
		{"method": "initialized", "params": map[string]any{}},
		didOpen(uri, "mro", "stage FOO(\n)"),
		formatting(2, uri),
	}
	msgs = append(msgs, shutdownAndExit(3)...)
	out, err := runSession(t, ServerOptions{Runner: runner, Environ: func() []string { return nil }}, frame(t, msgs...))
	if !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}

	var init initializeResult
	if err := json.Unmarshal(responseFor(t, out, 1).Result, &init); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	if !init.Capabilities.DocumentFormattingProvider {
		t.Fatal("formatting capability not advertised")
	}

	edits := decodeEdits(t, responseFor(t, out, 2))
	if len(edits) != 1 {
		t.Fatalf("expected one edit, got %d", len(edits))
	}
	want := edit.TextEdit{
		Range:   edit.Range{Start: edit.Position{Line: 0, Character: 0}, End: edit.Position{Line: 1, Character: 1}},
		NewText: "stage FOO(\n)\n",
	}
	if edits[0] != want {
		t.Fatalf("unexpected edit %+v", edits[0])
	}

	calls := runner.executions()
	if len(calls) != 1 {
		t.Fatalf("expected one formatter run, got %d", len(calls))
	}
	if calls[0].Path != "mro" {
		t.Fatalf("unexpected executable %q", calls[0].Path)
	}
	wantArgs := []string{"format", "--stdin", path}
	if len(calls[0].Args) != len(wantArgs) {
		t.Fatalf("unexpected args %v", calls[0].Args)
	}
	for i := range wantArgs {
		if calls[0].Args[i] != wantArgs[i] {
			t.Fatalf("unexpected args %v", calls[0].Args)
		}
	}
	if calls[0].Env != nil {
		t.Fatalf("expected ambient environment, got %v", calls[0].Env)
	}
}

func TestFormattingUnchangedReturnsNoEdits(t *testing.T) {
	root := t.TempDir()
	uri := pathToURI(filepath.Join(root, "foo.mro"))
	runner := &fakeRunner{run: func(_ context.Context, _ invoke.Execution, input string) (invoke.Result, error) {
		return invoke.Result{Stdout: input}, nil
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		didOpen(uri, "mro", "stage FOO()\n"),
		formatting(2, uri),
	}
	msgs = append(msgs, shutdownAndExit(3)...)
	out, _ := runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))

	resp := responseFor(t, out, 2)
	if string(resp.Result) != "[]" {
		t.Fatalf("expected empty edit list, got %s", resp.Result)
	}
}

func TestFormattingUsesEditorSettings(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{run: func(context.Context, invoke.Execution, string) (invoke.Result, error) {
		return invoke.Result{Stdout: "x"}, nil
	}}
	options := map[string]any{
		config.Section: map[string]any{
			"mropath":          "${workspaceFolder}/a:${workspaceFolder}/b",
			"mroFormatImports": true,
		},
	}
	msgs := []map[string]any{
		initialize(1, root, options),
		didOpen(pathToURI(filepath.Join(root, "pipeline.mro")), "mro", "stage FOO()"),
		didOpen("untitled:Untitled-1", "mro", "stage FOO()"),
		formatting(2, pathToURI(filepath.Join(root, "pipeline.mro"))),
		formatting(3, "untitled:Untitled-1"),
	}
	msgs = append(msgs, shutdownAndExit(4)...)
	out, err := runSession(t, ServerOptions{Runner: runner, Environ: func() []string { return []string{"HOME=/h"} }}, frame(t, msgs...))
	if !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
	responseFor(t, out, 2)
	responseFor(t, out, 3)

	calls := runner.executions()
	if len(calls) != 2 {
		t.Fatalf("expected two formatter runs, got %d", len(calls))
	}
	var saved, virtual invoke.Execution
	for _, call := range calls {
		if len(call.Args) == 4 {
			saved = call
		} else {
			virtual = call
		}
	}
	if saved.Args[2] != "--includes" || saved.Args[3] != filepath.Join(root, "pipeline.mro") {
		t.Fatalf("unexpected args %v", saved.Args)
	}
	wantEnv := "MROPATH=" + root + "/a:" + root + "/b"
	if env := saved.Env; len(env) != 2 || env[0] != "HOME=/h" || env[1] != wantEnv {
		t.Fatalf("unexpected env %v", env)
	}
	if got := virtual.Args; len(got) != 3 || got[2] != "--includes" {
		t.Fatalf("virtual documents must not pass a path: %v", got)
	}
	if env := virtual.Env; len(env) != 2 || env[1] != "MROPATH=./a:./b" {
		t.Fatalf("unexpected env without workspace %v", env)
	}
}

func TestFormattingErrorShowsMessage(t *testing.T) {
	root := t.TempDir()
	uri := pathToURI(filepath.Join(root, "foo.mro"))
	stderr := "\nfoo.mro:1:11: unexpected end of input\n\n"
	runner := &fakeRunner{run: func(context.Context, invoke.Execution, string) (invoke.Result, error) {
		return invoke.Result{}, &invoke.ExitError{Code: 1, Stderr: stderr}
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		didOpen(uri, "mro", "stage FOO("),
		formatting(2, uri),
	}
	msgs = append(msgs, shutdownAndExit(3)...)
	out, _ := runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))

	if edits := decodeEdits(t, responseFor(t, out, 2)); len(edits) != 0 {
		t.Fatalf("failures must not produce edits: %+v", edits)
	}
	shown := notifications(out, "window/showMessage")
	if len(shown) != 1 {
		t.Fatalf("expected one message, got %d", len(shown))
	}
	var params showMessageParams
	if err := json.Unmarshal(shown[0].Params, &params); err != nil {
		t.Fatalf("decode showMessage: %v", err)
	}
	if params.Type != messageTypeError || params.Message != stderr {
		t.Fatalf("unexpected message %+v", params)
	}
}

func TestCancelRequestStopsFormatting(t *testing.T) {
	root := t.TempDir()
	uri := pathToURI(filepath.Join(root, "foo.mro"))
	runner := &fakeRunner{run: func(ctx context.Context, _ invoke.Execution, _ string) (invoke.Result, error) {
		<-ctx.Done()
		return invoke.Result{}, invoke.ErrCancelled
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		didOpen(uri, "mro", "stage FOO()"),
		formatting(7, uri),
		{"method": "$/cancelRequest", "params": map[string]any{"id": 7}},
	}
	msgs = append(msgs, shutdownAndExit(8)...)
	out, _ := runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))

	resp := responseFor(t, out, 7)
	if resp.Error == nil || resp.Error.Code != codeRequestCancelled {
		t.Fatalf("expected RequestCancelled, got %+v", resp)
	}
	if shown := notifications(out, "window/showMessage"); len(shown) != 0 {
		t.Fatalf("cancellation must be silent, got %d messages", len(shown))
	}
}

func TestFormattingIgnoresOtherLanguages(t *testing.T) {
	root := t.TempDir()
	uri := pathToURI(filepath.Join(root, "notes.txt"))
	runner := &fakeRunner{run: func(context.Context, invoke.Execution, string) (invoke.Result, error) {
		t.Error("formatter must not run")
		return invoke.Result{}, nil
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		didOpen(uri, "plaintext", "hello"),
		formatting(2, uri),
		formatting(3, pathToURI(filepath.Join(root, "unopened.mro"))),
	}
	msgs = append(msgs, shutdownAndExit(4)...)
	out, _ := runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))

	for _, id := range []int{2, 3} {
		if resp := responseFor(t, out, id); string(resp.Result) != "null" {
			t.Fatalf("expected null result for %d, got %s", id, resp.Result)
		}
	}
}

func TestFormattingSeesIncrementalChanges(t *testing.T) {
	root := t.TempDir()
	uri := pathToURI(filepath.Join(root, "foo.mro"))
	var seen string
	runner := &fakeRunner{run: func(_ context.Context, _ invoke.Execution, input string) (invoke.Result, error) {
		seen = input
		return invoke.Result{Stdout: input}, nil
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		didOpen(uri, "mro", "stage FOO()\n"),
		{
			"method": "textDocument/didChange",
			"params": map[string]any{
				"textDocument": map[string]any{"uri": uri, "version": 2},
				"contentChanges": []any{map[string]any{
					"range": map[string]any{
						"start": map[string]any{"line": 0, "character": 6},
						"end":   map[string]any{"line": 0, "character": 9},
					},
					"text": "BAR",
				}},
			},
		},
		formatting(2, uri),
	}
	msgs = append(msgs, shutdownAndExit(3)...)
	runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))
	if seen != "stage BAR()\n" {
		t.Fatalf("formatter saw %q", seen)
	}
}

func TestWorkspaceConfigFileProvidesDefaults(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, config.FileName), []byte("[format]\nexecutable = \"/opt/mro/bin/mro\"\nincludes = true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	uri := pathToURI(filepath.Join(root, "foo.mro"))
	runner := &fakeRunner{run: func(context.Context, invoke.Execution, string) (invoke.Result, error) {
		return invoke.Result{Stdout: "x"}, nil
	}}
	msgs := []map[string]any{
		initialize(1, root, nil),
		{
			"method": "workspace/didChangeConfiguration",
			"params": map[string]any{"settings": map[string]any{config.Section: map[string]any{"mroFormatImports": false}}},
		},
		didOpen(uri, "mro", "x"),
		formatting(2, uri),
	}
	msgs = append(msgs, shutdownAndExit(3)...)
	runSession(t, ServerOptions{Runner: runner}, frame(t, msgs...))

	calls := runner.executions()
	if len(calls) != 1 {
		t.Fatalf("expected one run, got %d", len(calls))
	}
	if calls[0].Path != "/opt/mro/bin/mro" {
		t.Fatalf("executable from workspace file not used: %q", calls[0].Path)
	}
	for _, arg := range calls[0].Args {
		if arg == "--includes" {
			t.Fatal("editor settings must override the workspace file")
		}
	}
}

func TestExitWithoutShutdown(t *testing.T) {
	_, err := runSession(t, ServerOptions{}, frame(t, map[string]any{"method": "exit"}))
	if !errors.Is(err, ErrExitWithoutShutdown) {
		t.Fatalf("expected ErrExitWithoutShutdown, got %v", err)
	}
}

func TestRequestsAfterShutdownAreRejected(t *testing.T) {
	msgs := []map[string]any{
		{"id": 1, "method": "shutdown"},
		formatting(2, "file:///tmp/a.mro"),
		{"method": "exit"},
	}
	out, err := runSession(t, ServerOptions{}, frame(t, msgs...))
	if !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
	resp := responseFor(t, out, 2)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", resp)
	}
}

func TestUnknownRequestMethod(t *testing.T) {
	msgs := []map[string]any{{"id": 1, "method": "textDocument/hover"}}
	out, err := runSession(t, ServerOptions{}, frame(t, msgs...))
	if err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	resp := responseFor(t, out, 1)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestWorkspaceRootForPicksInnermostFolder(t *testing.T) {
	s := NewServer(bytes.NewReader(nil), io.Discard, ServerOptions{})
	s.workspaceFolders = []string{"/ws", "/ws/nested"}
	if got := s.workspaceRootFor("/ws/nested/a.mro"); got != "/ws/nested" {
		t.Fatalf("got %q", got)
	}
	if got := s.workspaceRootFor("/ws/b.mro"); got != "/ws" {
		t.Fatalf("got %q", got)
	}
	if got := s.workspaceRootFor("/elsewhere/c.mro"); got != "" {
		t.Fatalf("got %q", got)
	}
}
