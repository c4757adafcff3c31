package lsp

import (
	"encoding/json"
	"path/filepath"

	"go.uber.org/zap"

	"martianls/internal/config"
)

func (s *Server) handleDidChangeConfiguration(msg *rpcMessage) error {
	if len(msg.Params) == 0 {
		return nil
	}
	var params didChangeConfigurationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("invalid didChangeConfiguration params", zap.Error(err))
		return nil
	}
	s.applyClientSettings(params.Settings)
	return nil
}

// applyClientSettings records the editor settings; they take precedence over
// the workspace file.
func (s *Server) applyClientSettings(raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	if _, err := config.DecodeJSON(raw, config.Settings{}); err != nil {
		s.logger.Warn("ignoring invalid settings", zap.Error(err))
		s.showMessage(messageTypeWarning, err.Error())
		return
	}
	s.mu.Lock()
	s.clientSettings = raw
	s.mu.Unlock()
	s.logger.Debug("client settings updated", zap.Any("settings", s.currentSettings()))
}

func (s *Server) applyFileSettings(settings config.Settings, err error) {
	if err != nil {
		s.logger.Warn("keeping previous workspace settings", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.fileSettings = settings
	s.mu.Unlock()
}

// currentSettings merges the workspace file with the editor settings.
func (s *Server) currentSettings() config.Settings {
	s.mu.Lock()
	base := s.fileSettings
	client := s.clientSettings
	s.mu.Unlock()
	merged, err := config.DecodeJSON(client, base)
	if err != nil {
		return base
	}
	return merged
}

// loadWorkspaceConfig reads martianls.toml for the primary workspace folder
// and, when enabled, starts watching it.
func (s *Server) loadWorkspaceConfig(root string) {
	if root == "" {
		return
	}
	settings, path, err := config.LoadWorkspace(root)
	if err != nil {
		s.logger.Warn("failed to load workspace config", zap.String("path", path), zap.Error(err))
		s.showMessage(messageTypeWarning, err.Error())
	} else {
		s.applyFileSettings(settings, nil)
		if path != "" {
			s.logger.Info("loaded workspace config", zap.String("path", path))
		}
	}
	if !s.watchConfig {
		return
	}
	if path == "" {
		path = filepath.Join(root, config.FileName)
	}
	w, err := config.Watch(path, s.logger, s.applyFileSettings)
	if err != nil {
		s.logger.Warn("failed to watch workspace config", zap.String("path", path), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}
