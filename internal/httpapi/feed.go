package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"retailops/backend/internal/events"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
)

func (a *API) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || a.allowedOrigin == "*" || origin == a.allowedOrigin
		},
	}
}

// handleFeed streams change notifications over a websocket. Browsers cannot
// set headers on the upgrade request, so the token may also arrive as the
// access_token query parameter.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if authorization := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token = strings.TrimSpace(authorization[len("Bearer "):])
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if a.feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("feed unavailable"))
		return
	}

	upgrader := a.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Err(err).Str("actor", actor.Username).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := a.feed.Subscribe(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("feed subscribe failed")
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"), time.Now().Add(feedWriteWait))
		return
	}

	zlog.Debug().Str("actor", actor.Username).Msg("feed subscriber connected")
	go readPump(conn, cancel)
	writePump(ctx, conn, stream)
	zlog.Debug().Str("actor", actor.Username).Msg("feed subscriber disconnected")
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, stream <-chan events.Event) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
