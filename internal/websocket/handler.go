package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"commerce/payments-service/internal/order"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /api/orders/{orderID}/ws and streams status changes
// for that order. Ownership is checked the same way the read API does it, so
// a customer cannot watch someone else's order.
type Handler struct {
	hub      *Hub
	orderSvc *order.Service
	logger   *slog.Logger
}

func NewHandler(hub *Hub, orderSvc *order.Service, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orderSvc: orderSvc, logger: logger}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	customerHeader := r.Header.Get("X-User-ID")
	if customerHeader == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	customerID, err := uuid.Parse(customerHeader)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	o, err := h.orderSvc.Get(r.Context(), customerID, orderID)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "order_id", orderID, "err", err)
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: o.ID,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()

	// Seed the stream with the current status so the client does not have
	// to wait for the next transition.
	if b, err := json.Marshal(StatusUpdate{OrderID: o.ID, Status: string(o.Status)}); err == nil {
		select {
		case client.send <- b:
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
