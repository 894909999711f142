package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/rconsole/internal/connector"
	"github.com/energizer-project/rconsole/internal/protocol"
	"github.com/energizer-project/rconsole/internal/rcon"
	"github.com/energizer-project/rconsole/internal/util"
)

// Version is reported by the ping endpoint. Set at build time.
var Version = "dev"

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

type executeRequest struct {
	Command string `json:"command"`
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "rconsole",
		"version": Version,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": s.console.Status(),
		"host":    util.GetSystemInfo(),
		"process": util.GetProcessStats(),
	})
}

// handleExecute runs {"command": "..."} and answers {"response": "..."}.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	response, err := s.console.Execute(c.Request.Context(), req.Command)
	if err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("execute failed")
		c.JSON(statusForError(err), gin.H{
			"error":   err.Error(),
			"outcome": rcon.Outcome(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"response": response})
}

// statusForError maps Execute errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrMalformedPacket):
		// Unreadable server reply. It also wraps ErrMalformedField.
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrMalformedField):
		return http.StatusBadRequest
	case errors.Is(err, rcon.ErrTooManyPending):
		return http.StatusTooManyRequests
	case errors.Is(err, rcon.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rcon.ErrAuthenticationRejected):
		return http.StatusBadGateway
	case errors.Is(err, connector.ErrNotConnected),
		errors.Is(err, rcon.ErrNotAuthenticated),
		errors.Is(err, rcon.ErrConnectionLost),
		errors.Is(err, rcon.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "command history is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read command history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleReconnect(c *gin.Context) {
	s.console.Reconnect()
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}
