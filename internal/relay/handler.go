package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
)

const maxFrameBytes = 64 * 1024

// Handler upgrades room requests to websockets and pumps their frames
// through the hub.
type Handler struct {
	hub      *Hub
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint for hub.
func NewHandler(hub *Hub, logger telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Routes mounts the room endpoint and a health check.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{room}", h.Handle)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok " + strconv.Itoa(h.hub.Rooms()) + " rooms\n"))
	})
	return mux
}

// Handle serves GET /rooms/{room}?players=N.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	players, err := strconv.Atoi(r.URL.Query().Get("players"))
	if roomID == "" || err != nil {
		http.Error(w, "missing room or players", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("relay upgrade failed for room %s: %v", roomID, err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	m, rm, err := h.hub.join(roomID, players, conn)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, ErrInvalidRoom) {
			code = websocket.CloseUnsupportedData
		}
		message := websocket.FormatCloseMessage(code, err.Error())
		_ = conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}
	defer conn.Close()
	defer h.hub.leave(rm, m)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.DecodeRelay(payload)
		if err != nil {
			h.logger.Printf("relay room %s: discarding malformed frame from %d: %v", roomID, m.handle, err)
			h.hub.cfg.Metrics.Add(metricDropped, 1)
			continue
		}
		if err := h.hub.forward(rm, m, f); err != nil {
			h.logger.Printf("relay room %s: closing %d: %v", roomID, m.handle, err)
			message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
			return
		}
	}
}
