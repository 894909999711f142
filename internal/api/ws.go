package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	consoleReadLimit  = 64 * 1024
	consoleWriteWait  = 10 * time.Second
	consoleClosePause = time.Second
)

// handleConsole upgrades to a websocket. Each text frame received is run
// as one command; the reply frame is the response body or "error: ...".
// Commands from one socket run in order.
func (s *Server) handleConsole(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(consoleReadLimit)
	ctx := c.Request.Context()
	logger := s.logger.With().Str("client_ip", c.ClientIP()).Logger()
	logger.Info().Msg("console client connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("console read failed")
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		command := strings.TrimSpace(string(data))
		if command == "" {
			continue
		}

		reply, err := s.console.Execute(ctx, command)
		if err != nil {
			reply = "error: " + err.Error()
		}

		conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			logger.Warn().Err(err).Msg("console write failed")
			return
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(consoleClosePause))
	logger.Info().Msg("console client disconnected")
}
