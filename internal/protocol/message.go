package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/pscheid92/subpool/internal/domain"
)

// Subprotocol is the WebSocket subprotocol negotiated on upgrade.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	TypeConnectionInit = "connection_init"
	TypeConnectionAck  = "connection_ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeNext           = domain.MessageNext
	TypeError          = domain.MessageError
	TypeComplete       = domain.MessageComplete
)

// Close codes. 4xxx codes follow graphql-transport-ws; 1011 carries the failing error.
const (
	CloseNormal                   = 1000
	CloseGoingAway                = 1001
	CloseInternalError            = 1011
	CloseBadRequest               = 4400
	CloseUnauthorized             = 4401
	CloseForbidden                = 4403
	CloseSubprotocolNotAcceptable = 4406
	CloseInitTimeout              = 4408
	CloseSubscriberExists         = 4409
	CloseTooManyInitRequests      = 4429
	CloseKeepAliveTimeout         = 4504
)

// maxCloseReason is the longest reason a close frame can carry (125 byte payload minus the code).
const maxCloseReason = 123

// Frame is one protocol message on the wire.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame.
type SubscribePayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func (p SubscribePayload) descriptor() domain.Descriptor {
	return domain.Descriptor{Query: p.Query, Variables: p.Variables, OperationName: p.OperationName}
}

func parseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid frame: %s", domain.ErrValidation, err.Error())
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: frame without type", domain.ErrValidation)
	}
	return f, nil
}

func encodeFrame(f Frame) []byte {
	// Frame has no types json.Marshal can fail on.
	b, _ := json.Marshal(f)
	return b
}

// closeError asks the read loop to close the connection with a specific code.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}

func closeWith(code int, reason string) error {
	return &closeError{code: code, reason: reason}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
