// Package websocket upgrades HTTP requests into graphql-transport-ws connections
// and guards that path with origin checks and connection limits.
package websocket

import (
	"errors"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/pscheid92/subpool/internal/protocol"
)

// ErrSubprotocol is returned when the client did not offer graphql-transport-ws.
// The connection has already been upgraded and closed with 4406.
var ErrSubprotocol = errors.New("subprotocol not acceptable")

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
	closeWriteWait  = time.Second
)

type Upgrader struct {
	upgrader gorillaws.Upgrader
}

func NewUpgrader(checkOrigin func(r *http.Request) bool) *Upgrader {
	return &Upgrader{
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			Subprotocols:    []string{protocol.Subprotocol},
			CheckOrigin:     checkOrigin,
		},
	}
}

// IsUpgradeRequest reports whether r asks for a websocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return gorillaws.IsWebSocketUpgrade(r)
}

// Upgrade completes the handshake. On a handshake failure the upgrader has already
// written an HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*gorillaws.Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	if conn.Subprotocol() != protocol.Subprotocol {
		msg := gorillaws.FormatCloseMessage(protocol.CloseSubprotocolNotAcceptable, "Subprotocol not acceptable")
		_ = conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = conn.Close()
		return nil, ErrSubprotocol
	}
	return conn, nil
}
