package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"martianls/internal/config"
	"martianls/internal/mrofmt"
	"martianls/internal/version"
)

// LanguageID is the document language handled by the server.
const LanguageID = "mro"

var (
	// ErrExit signals a graceful shutdown after receiving "exit".
	ErrExit = errors.New("lsp exit")
	// ErrExitWithoutShutdown signals an "exit" without a preceding "shutdown".
	ErrExitWithoutShutdown = errors.New("lsp exit without shutdown")
)

// ServerOptions configures LSP server behavior.
type ServerOptions struct {
	// Runner launches the formatter. Defaults to an invoke.Runner.
	Runner mrofmt.Runner
	Logger *zap.Logger
	// Environ returns the ambient environment passed to the formatter.
	Environ func() []string
	// WatchConfig reloads martianls.toml when it changes on disk.
	WatchConfig bool
}

type document struct {
	uri        string
	path       string
	languageID string
	version    int
	text       string
}

func (d *document) Text() string { return d.text }
func (d *document) Path() string { return d.path }

// Server handles stdio JSON-RPC for the mro formatting server.
type Server struct {
	in     *bufio.Reader
	out    *bufio.Writer
	sendMu sync.Mutex
	mu     sync.Mutex

	docs              map[string]*document
	workspaceFolders  []string
	shutdownRequested bool
	inflight          map[string]context.CancelFunc
	requests          sync.WaitGroup

	fileSettings   config.Settings
	clientSettings json.RawMessage
	watchConfig    bool
	watcher        *config.Watcher

	formatter *mrofmt.Formatter
	logger    *zap.Logger
	baseCtx   context.Context
}

// NewServer constructs a new LSP server.
func NewServer(in io.Reader, out io.Writer, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		in:          bufio.NewReader(in),
		out:         bufio.NewWriter(out),
		docs:        make(map[string]*document),
		inflight:    make(map[string]context.CancelFunc),
		watchConfig: opts.WatchConfig,
		logger:      logger,
		baseCtx:     context.Background(),
	}
	s.formatter = mrofmt.New(mrofmt.Options{
		Runner:        opts.Runner,
		Notifier:      mrofmt.NotifierFunc(s.showError),
		Logger:        logger,
		Environ:       opts.Environ,
		WorkspaceRoot: s.workspaceRootFor,
	})
	return s
}

// Run serves LSP requests until exit or end of input. In-flight formatting
// requests are cancelled and awaited before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.baseCtx = ctx
	defer s.close(cancel)
	for {
		payload, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}
		if msg.Method == "" {
			continue
		}
		if err := s.handleMessage(&msg); err != nil {
			return err
		}
	}
}

func (s *Server) close(cancel context.CancelFunc) {
	cancel()
	s.requests.Wait()
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		if err := w.Close(); err != nil {
			s.logger.Warn("failed to close config watcher", zap.Error(err))
		}
	}
}

func (s *Server) handleMessage(msg *rpcMessage) error {
	s.mu.Lock()
	shuttingDown := s.shutdownRequested
	s.mu.Unlock()
	if shuttingDown && len(msg.ID) > 0 && msg.Method != "shutdown" {
		return s.sendError(msg.ID, codeInvalidRequest, "server is shutting down")
	}

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "initialized":
		return nil
	case "shutdown":
		return s.handleShutdown(msg)
	case "exit":
		if shuttingDown {
			return ErrExit
		}
		return ErrExitWithoutShutdown
	case "$/cancelRequest":
		return s.handleCancelRequest(msg)
	case "workspace/didChangeConfiguration":
		return s.handleDidChangeConfiguration(msg)
	case "textDocument/didOpen":
		return s.handleDidOpen(msg)
	case "textDocument/didChange":
		return s.handleDidChange(msg)
	case "textDocument/didSave":
		return s.handleDidSave(msg)
	case "textDocument/didClose":
		return s.handleDidClose(msg)
	case "textDocument/formatting":
		return s.handleFormatting(msg)
	default:
		if len(msg.ID) > 0 {
			return s.sendError(msg.ID, codeMethodNotFound, "method not found")
		}
		return nil
	}
}

func (s *Server) handleInitialize(msg *rpcMessage) error {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.sendError(msg.ID, codeInvalidParams, "invalid params")
		}
	}
	var folders []string
	for _, folder := range params.WorkspaceFolders {
		if path := uriToPath(folder.URI); path != "" {
			folders = append(folders, path)
		}
	}
	if len(folders) == 0 {
		root := ""
		if params.RootURI != "" {
			root = uriToPath(params.RootURI)
		}
		if root == "" && params.RootPath != "" {
			root = params.RootPath
		}
		if root != "" {
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
			folders = append(folders, root)
		}
	}
	s.mu.Lock()
	s.workspaceFolders = folders
	s.mu.Unlock()

	if len(folders) > 0 {
		s.loadWorkspaceConfig(folders[0])
	}
	s.applyClientSettings(params.InitializationOptions)
	s.logger.Info("initialized", zap.Strings("workspaceFolders", folders))

	result := initializeResult{
		Capabilities: serverCapabilities{
			TextDocumentSync: textDocumentSyncOptions{
				OpenClose: true,
				Change:    2,
				Save: saveOptions{
					IncludeText: true,
				},
			},
			DocumentFormattingProvider: true,
		},
		ServerInfo: serverInfo{Name: "martianls", Version: version.Plain()},
	}
	return s.sendResponse(msg.ID, result)
}

func (s *Server) handleShutdown(msg *rpcMessage) error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()
	return s.sendResponse(msg.ID, nil)
}

func (s *Server) handleDidOpen(msg *rpcMessage) error {
	var params didOpenTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := canonicalURI(params.TextDocument.URI)
	if uri == "" {
		return nil
	}
	s.mu.Lock()
	s.docs[uri] = &document{
		uri:        uri,
		path:       uriToPath(uri),
		languageID: params.TextDocument.LanguageID,
		version:    params.TextDocument.Version,
		text:       params.TextDocument.Text,
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) handleDidChange(msg *rpcMessage) error {
	var params didChangeTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := canonicalURI(params.TextDocument.URI)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return nil
	}
	// Documents are replaced rather than mutated so that formatting requests
	// already running keep the snapshot they started with.
	next := *doc
	next.text = applyChanges(doc.text, params.ContentChanges)
	next.version = params.TextDocument.Version
	s.docs[uri] = &next
	return nil
}

func (s *Server) handleDidSave(msg *rpcMessage) error {
	var params didSaveTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	if params.Text == nil {
		return nil
	}
	uri := canonicalURI(params.TextDocument.URI)
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[uri]; ok {
		next := *doc
		next.text = *params.Text
		s.docs[uri] = &next
	}
	return nil
}

func (s *Server) handleDidClose(msg *rpcMessage) error {
	var params didCloseTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := canonicalURI(params.TextDocument.URI)
	s.mu.Lock()
	delete(s.docs, uri)
	s.mu.Unlock()
	return nil
}

// workspaceRootFor returns the innermost workspace folder containing path.
func (s *Server) workspaceRootFor(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := ""
	for _, folder := range s.workspaceFolders {
		if pathWithinRoot(folder, path) && len(folder) > len(best) {
			best = folder
		}
	}
	return best
}

func (s *Server) sendResponse(id json.RawMessage, result any) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	return s.send(msg)
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": rpcError{
			Code:    code,
			Message: message,
		},
	}
	return s.send(msg)
}

func (s *Server) sendNotification(method string, params any) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	return s.send(msg)
}

func (s *Server) showMessage(kind int, message string) {
	err := s.sendNotification("window/showMessage", showMessageParams{Type: kind, Message: message})
	if err != nil {
		s.logger.Warn("failed to show message", zap.Error(err))
	}
}

func (s *Server) showError(message string) {
	s.showMessage(messageTypeError, message)
}

func (s *Server) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := writeMessage(s.out, payload); err != nil {
		return err
	}
	return s.out.Flush()
}
