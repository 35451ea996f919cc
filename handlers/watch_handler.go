package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"typerace/middleware"
	"typerace/services"
	"typerace/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Message is the envelope of every frame sent to or received from a
// watcher.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// SnapshotPayload carries the watched documents as stored.
type SnapshotPayload struct {
	Target    services.WatchTarget `json:"target"`
	RoomID    string               `json:"room_id"`
	Round     int                  `json:"round,omitempty"`
	At        time.Time            `json:"at"`
	Documents []json.RawMessage    `json:"documents"`
}

// WatchHandler streams room, participant and result snapshots over a
// websocket. Clients only receive; the one message they may send is a
// ping.
type WatchHandler struct {
	coordinator *services.Coordinator
	upgrader    websocket.Upgrader
	log         *logrus.Entry
}

func NewWatchHandler(coordinator *services.Coordinator, log *logrus.Entry) *WatchHandler {
	return &WatchHandler{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "watch"),
	}
}

func (h *WatchHandler) Watch(c *gin.Context) {
	req := services.WatchRequest{
		Target: services.WatchTarget(c.DefaultQuery("watch", string(services.WatchRoom))),
		RoomID: c.Param("roomId"),
	}
	if raw := c.Query("round"); raw != "" {
		r, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "round must be an integer")
			return
		}
		req.Round = r
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so a bad request still gets a JSON error.
	sub, err := h.coordinator.Watch(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	w := &watcher{
		conn:    conn,
		sub:     sub,
		req:     req,
		replies: make(chan Message, 8),
		log: h.log.WithFields(logrus.Fields{
			"room_id":        req.RoomID,
			"target":         req.Target,
			"participant_id": middleware.ParticipantID(c),
		}),
	}
	w.log.Info("watcher connected")

	go w.writePump(ctx)
	w.readPump()
	cancel()
	w.log.Info("watcher disconnected")
}

type watcher struct {
	conn    *websocket.Conn
	sub     store.Subscription
	req     services.WatchRequest
	replies chan Message
	log     *logrus.Entry
}

// readPump consumes client frames until the connection fails.
func (w *watcher) readPump() {
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := w.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		if msg.Type == "ping" {
			select {
			case w.replies <- Message{Type: "pong"}:
			default:
			}
		}
	}
}

// writePump is the only writer on the connection.
func (w *watcher) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-w.sub.Updates():
			if !ok {
				w.closeWith(websocket.CloseGoingAway, "subscription ended")
				return
			}
			if err := w.write(Message{Type: "snapshot", Payload: w.payload(snap)}); err != nil {
				return
			}
		case msg := <-w.replies:
			if err := w.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			w.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (w *watcher) write(msg Message) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.log.WithError(err).Debug("websocket write failed")
		return err
	}
	return nil
}

func (w *watcher) closeWith(code int, text string) {
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (w *watcher) payload(snap store.Snapshot) SnapshotPayload {
	docs := make([]json.RawMessage, len(snap.Documents))
	for i, d := range snap.Documents {
		docs[i] = d.Data
	}
	return SnapshotPayload{
		Target:    w.req.Target,
		RoomID:    w.req.RoomID,
		Round:     w.req.Round,
		At:        snap.At,
		Documents: docs,
	}
}
