package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream handles GET /v1/recipients/{recipientID}/stream. It upgrades to a
// websocket and relays the recipient's in-app notifications as text frames
// until either side goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "Live stream disabled", "Redis is not configured")
		return
	}
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.notifier.Subscribe(ctx, recipientID)
	if err != nil {
		h.logger.Error("stream subscribe failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "Live stream unavailable", "")
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	logger := h.logger.With(zap.String("recipient_id", recipientID.String()))
	logger.Debug("stream opened")

	// Reader: consumes pongs and client frames; any read error ends the stream.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// gorilla allows one concurrent writer, so payloads and pings are both
	// written from the loop below.
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			payload, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-frames:
			if !ok {
				logger.Debug("stream closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
