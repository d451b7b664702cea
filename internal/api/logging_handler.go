package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/busybox42/elemta-queue/internal/logging"
)

// LogLevelRequest represents a request to change the log level
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents the response containing the current log level
type LogLevelResponse struct {
	Level   string `json:"level"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelResponse{Level: logging.LevelToString(logging.Level())})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Level == "" {
		writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	old := logging.Level()
	logging.SetLevel(level)
	s.logger.Info("Log level changed",
		"old_level", logging.LevelToString(old),
		"new_level", logging.LevelToString(level),
		"remote_addr", r.RemoteAddr,
	)

	writeJSON(w, http.StatusOK, LogLevelResponse{
		Level:   logging.LevelToString(level),
		Message: "log level updated",
	})
}
