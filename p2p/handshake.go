package p2p

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// HandshakePayload is the first frame exchanged on every new connection.
// AdvertisedAddr carries the NAT-aware public endpoint when the node is
// configured with one; otherwise peers fall back to the observed socket
// address combined with ListenPort.
type HandshakePayload struct {
	NodeID         string `json:"nodeID"`
	NetworkName    string `json:"networkName"`
	GenesisHash    string `json:"genesisHash"`
	ListenPort     int    `json:"listenPort"`
	AdvertisedAddr string `json:"advertisedAddr,omitempty"`
	ClientVersion  string `json:"clientVersion,omitempty"`
}

func writeHandshake(conn net.Conn, msgType byte, payload HandshakePayload, timeout time.Duration) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	_, err = conn.Write(append(raw, '\n'))
	return err
}

func readHandshake(conn net.Conn, reader *bufio.Reader, wantType byte, timeout time.Duration) (*HandshakePayload, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil {
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	if msg.Type != wantType {
		return nil, fmt.Errorf("unexpected handshake message type 0x%02x", msg.Type)
	}
	var payload HandshakePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("handshake payload: %w", err)
	}
	if strings.TrimSpace(payload.NodeID) == "" {
		return nil, fmt.Errorf("handshake missing node ID")
	}
	return &payload, nil
}

// advertisedAddrFor derives the dialable endpoint for a remote peer from its
// handshake and the observed connection address.
func advertisedAddrFor(payload *HandshakePayload, conn net.Conn) string {
	if addr := strings.TrimSpace(payload.AdvertisedAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil || payload.ListenPort <= 0 {
		return ""
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", payload.ListenPort))
}
