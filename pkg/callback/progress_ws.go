package callback

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// progressWriteWait bounds a single frame write.
	progressWriteWait = 10 * time.Second

	// progressPingPeriod keeps idle feeds alive through intermediaries.
	progressPingPeriod = 30 * time.Second
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOriginCheck,
}

// sameOriginCheck rejects cross-site WebSocket upgrades. Requests
// without an Origin header (non-browser clients) pass.
func sameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// handleProgressFeed upgrades the connection and streams
// ProcessingStatus snapshots for one upload until it reaches a
// terminal outcome. An upload with nothing in flight closes
// immediately.
func (h *Handler) handleProgressFeed(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("progress feed upgrade failed",
			"upload_id", uploadID, "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.cfg.Orchestrator.Progress().Watch(uploadID)
	defer cancel()

	// The read side only drains control frames; any read error means
	// the client went away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(progressPingPeriod)
	defer ping.Stop()

	for {
		select {
		case status, open := <-updates:
			conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if !open {
				// Terminal outcome; say goodbye properly.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			if err := conn.WriteJSON(status); err != nil {
				h.logger.Warn("progress feed write failed",
					"upload_id", uploadID, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-clientGone:
			return
		}
	}
}
