package p2p

import (
	"encoding/json"
	"time"
)

// Constants for mesh message types.
const (
	MsgTypeHandshake    byte = 0x01
	MsgTypeHandshakeAck byte = 0x02
	MsgTypePing         byte = 0x03
	MsgTypePong         byte = 0x04
	MsgTypePexRequest   byte = 0x05
	MsgTypePexAddresses byte = 0x06
	MsgTypeAnchor       byte = 0x07
	MsgTypeGetAnchors   byte = 0x08
	MsgTypeAnchors      byte = 0x09
	MsgTypeAttestation  byte = 0x0A
)

// Message is the wire unit exchanged between peers: a newline-delimited JSON
// envelope. RequestID is non-zero for request/response pairs and correlates
// the reply with its originating Request call.
type Message struct {
	Type      byte            `json:"type"`
	RequestID uint64          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges receipt of a ping message.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PexRequestPayload asks a peer for recently seen addresses.
type PexRequestPayload struct {
	Limit int `json:"limit"`
}

// PexAddress captures a gossipable peer endpoint.
type PexAddress struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"nodeID"`
	LastSeen time.Time `json:"lastSeen"`
}

// PexAddressesPayload contains the set of addresses returned for a request.
type PexAddressesPayload struct {
	Addresses []PexAddress `json:"addresses"`
}

// NewMessage marshals payload into a message envelope of the given type.
func NewMessage(msgType byte, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: raw}, nil
}
