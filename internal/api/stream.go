// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin or loopback only.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == r.Host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == r.Host
		}
		return false
	},
}

// handleStatusStream pushes a StatusResponse every StreamInterval until the
// client goes away or the server shuts down.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.Config.StreamInterval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(s.opts.Config.WriteTimeout))
		if err := conn.WriteJSON(s.status()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
