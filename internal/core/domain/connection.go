package domain

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	PairingPayloadType = "mirrorcast_connection"
	ProtocolVersion    = "1.0.0"
)

// ConnectionInfo is everything a sender needs to reach the receiver for one
// pairing attempt. It is never mutated after BeginPairing returns it.
type ConnectionInfo struct {
	Address         string `json:"ip_address"`
	Port            uint16 `json:"port"`
	SessionToken    string `json:"session_token"`
	IssuedAt        uint64 `json:"timestamp"`
	ProtocolVersion string `json:"version"`
}

// WebSocketURL is the signaling endpoint the sender dials.
func (c ConnectionInfo) WebSocketURL() string {
	host := net.JoinHostPort(c.Address, strconv.Itoa(int(c.Port)))
	return fmt.Sprintf("ws://%s/ws?token=%s", host, url.QueryEscape(c.SessionToken))
}

type pairingPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pairingData struct {
	Address         string `json:"ip_address"`
	Port            int64  `json:"port"`
	SessionToken    string `json:"session_token"`
	IssuedAt        uint64 `json:"timestamp"`
	ProtocolVersion string `json:"version"`
}

// EncodePairingPayload renders the JSON document embedded in the QR code.
func EncodePairingPayload(info ConnectionInfo) (string, error) {
	data, err := json.Marshal(pairingData{
		Address:         info.Address,
		Port:            int64(info.Port),
		SessionToken:    info.SessionToken,
		IssuedAt:        info.IssuedAt,
		ProtocolVersion: info.ProtocolVersion,
	})
	if err != nil {
		return "", fmt.Errorf("marshal connection info: %w", err)
	}

	out, err := json.Marshal(pairingPayload{Type: PairingPayloadType, Data: data})
	if err != nil {
		return "", fmt.Errorf("marshal pairing payload: %w", err)
	}
	return string(out), nil
}

// DecodePairingPayload parses and validates a scanned pairing payload.
func DecodePairingPayload(payload string) (ConnectionInfo, error) {
	var outer pairingPayload
	if err := json.Unmarshal([]byte(payload), &outer); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidPayload, err)
	}
	if outer.Type != PairingPayloadType {
		return ConnectionInfo{}, fmt.Errorf("%w: not a MirrorCast payload (type %q)", ErrInvalidPayload, outer.Type)
	}
	if len(outer.Data) == 0 || string(outer.Data) == "null" {
		return ConnectionInfo{}, fmt.Errorf("%w: missing connection data", ErrInvalidPayload)
	}

	var data pairingData
	if err := json.Unmarshal(outer.Data, &data); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: invalid connection data: %v", ErrInvalidPayload, err)
	}

	switch {
	case strings.TrimSpace(data.Address) == "":
		return ConnectionInfo{}, fmt.Errorf("%w: empty ip_address", ErrInvalidPayload)
	case data.Port < 1 || data.Port > 65535:
		return ConnectionInfo{}, fmt.Errorf("%w: port %d out of range", ErrInvalidPayload, data.Port)
	case data.SessionToken == "":
		return ConnectionInfo{}, fmt.Errorf("%w: empty session_token", ErrInvalidPayload)
	}

	return ConnectionInfo{
		Address:         data.Address,
		Port:            uint16(data.Port),
		SessionToken:    data.SessionToken,
		IssuedAt:        data.IssuedAt,
		ProtocolVersion: data.ProtocolVersion,
	}, nil
}
