package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/bus"
	"github.com/JakeFAU/sourcewatch/internal/poller"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin during development; the API key
	// middleware gates access when auth is enabled.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamSource upgrades the connection and runs the subscribe protocol:
// reject unknown/disabled sources before any setup, then connected ack,
// latest value within the window, then live updates until disconnect.
func (s *Server) streamSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.enabledSource(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("websocket close failed", zap.Error(err))
		}
	}()

	now := s.clock.Now()
	if err := s.writeMessage(conn, bus.Message{
		Type:     bus.TypeConnected,
		SourceID: src.ID,
		TS:       now,
	}); err != nil {
		return
	}

	dp, err := s.store.FindLatest(r.Context(), src.ID, now.Add(-s.window))
	switch {
	case err == nil:
		if err := s.writeMessage(conn, bus.Message{
			Type:      bus.TypeLatest,
			SourceID:  src.ID,
			DataPoint: &dp,
			TS:        s.clock.Now(),
		}); err != nil {
			return
		}
	case errors.Is(err, poller.ErrNotFound):
		// Nothing persisted within the window; the client starts from the
		// next update.
	default:
		s.logger.Error("latest lookup for stream failed",
			zap.String("source_id", src.ID),
			zap.Error(err),
		)
	}

	sub := s.bus.Subscribe(src.ID)
	defer s.bus.Unsubscribe(sub)

	// Reads only serve to detect disconnect; clients send no payloads.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, open := <-sub.C():
			if !open {
				return
			}
			if err := s.writeMessage(conn, msg); err != nil {
				s.logger.Debug("subscriber write failed, dropping connection",
					zap.String("source_id", src.ID),
					zap.Error(err),
				)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg bus.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
