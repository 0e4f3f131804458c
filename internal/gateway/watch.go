package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/store"
)

// ServeWatch streams the events of one session to a desktop observer. The
// token is taken from the {token} path value. Unknown or expired sessions get
// a 404 before the upgrade.
func (g *Gateway) ServeWatch(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// register before the upgrade so no event between handshake and first read is missed
	events, ok := g.sessions.Watch(ctx, token)
	if !ok {
		http.Error(w, "scan session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to accept watch connection")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// the desktop never sends, CloseRead discards its frames and cancels when it goes away
	readCtx := conn.CloseRead(ctx)

	g.metrics.WatchersActive.Add(ctx, 1)
	defer g.metrics.WatchersActive.Add(context.WithoutCancel(ctx), -1)

	log.Debug().Str("token", store.RedactToken(token)).Msg("Watcher attached to scan session")

	for {
		select {
		case <-readCtx.Done():
			return
		case event, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}

			writeCtx, cancelWrite := context.WithTimeout(readCtx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				log.Debug().Err(err).Str("token", store.RedactToken(token)).Msg("Failed to write session event")
				return
			}
		}
	}
}
