package service

import (
	"context"
	"time"

	"chatpipe/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSTransport adapts a websocket connection to the Transport interface.
type WSTransport struct {
	conn *websocket.Conn
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) Send(ctx context.Context, event *models.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, t.conn, event)
}

func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

var _ Transport = (*WSTransport)(nil)
