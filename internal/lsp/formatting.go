package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"

	"go.uber.org/zap"

	"martianls/internal/edit"
)

func (s *Server) handleFormatting(msg *rpcMessage) error {
	var params documentFormattingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.sendError(msg.ID, codeInvalidParams, "invalid params")
	}
	uri := canonicalURI(params.TextDocument.URI)
	s.mu.Lock()
	doc, ok := s.docs[uri]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("formatting requested for unknown document", zap.String("uri", uri))
		return s.sendResponse(msg.ID, nil)
	}
	if !formattable(doc) {
		return s.sendResponse(msg.ID, nil)
	}
	settings := s.currentSettings()

	key := requestKey(msg.ID)
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	id := msg.ID
	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			cancel()
		}()

		e, changed := s.formatter.Format(ctx, doc, settings)
		var err error
		switch {
		case ctx.Err() != nil:
			err = s.sendError(id, codeRequestCancelled, "request cancelled")
		case !changed:
			err = s.sendResponse(id, []edit.TextEdit{})
		default:
			err = s.sendResponse(id, []edit.TextEdit{e.TextEdit(doc.text)})
		}
		if err != nil {
			s.logger.Warn("failed to send formatting result", zap.String("uri", doc.uri), zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) handleCancelRequest(msg *rpcMessage) error {
	var params cancelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil
	}
	key := requestKey(params.ID)
	s.mu.Lock()
	cancel, ok := s.inflight[key]
	s.mu.Unlock()
	if ok {
		s.logger.Debug("cancelling request", zap.String("id", key))
		cancel()
	}
	return nil
}

func formattable(doc *document) bool {
	if doc.languageID == LanguageID {
		return true
	}
	return doc.languageID == "" && filepath.Ext(doc.path) == ".mro"
}

// requestKey normalizes a JSON-RPC id so that the id of a request and the id
// carried by its $/cancelRequest compare equal.
func requestKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}
