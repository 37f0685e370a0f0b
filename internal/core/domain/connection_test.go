package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingPayload_RoundTrip(t *testing.T) {
	info := ConnectionInfo{
		Address:         "192.168.1.100",
		Port:            8080,
		SessionToken:    "test-token-123",
		IssuedAt:        1640995200,
		ProtocolVersion: ProtocolVersion,
	}

	payload, err := EncodePairingPayload(info)
	require.NoError(t, err)

	decoded, err := DecodePairingPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
}

func TestDecodePairingPayload_Valid(t *testing.T) {
	payload := `{
		"type": "mirrorcast_connection",
		"data": {
			"ip_address": "192.168.1.100",
			"port": 8080,
			"session_token": "test-token-123",
			"timestamp": 1640995200,
			"version": "1.0.0"
		}
	}`

	info, err := DecodePairingPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", info.Address)
	assert.Equal(t, uint16(8080), info.Port)
	assert.Equal(t, "test-token-123", info.SessionToken)
	assert.Equal(t, uint64(1640995200), info.IssuedAt)
}

func TestDecodePairingPayload_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"wrong type", `{"type": "other", "data": {}}`},
		{"missing type", `{"data": {"ip_address": "10.0.0.1", "port": 80, "session_token": "t"}}`},
		{"missing data", `{"type": "mirrorcast_connection"}`},
		{"null data", `{"type": "mirrorcast_connection", "data": null}`},
		{"empty ip", `{"type": "mirrorcast_connection", "data": {"ip_address": "", "port": 80, "session_token": "t"}}`},
		{"port zero", `{"type": "mirrorcast_connection", "data": {"ip_address": "10.0.0.1", "port": 0, "session_token": "t"}}`},
		{"port too large", `{"type": "mirrorcast_connection", "data": {"ip_address": "10.0.0.1", "port": 70000, "session_token": "t"}}`},
		{"empty token", `{"type": "mirrorcast_connection", "data": {"ip_address": "10.0.0.1", "port": 80, "session_token": ""}}`},
		{"not json", `mirrorcast`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePairingPayload(tc.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		})
	}
}

func TestConnectionInfo_WebSocketURL(t *testing.T) {
	info := ConnectionInfo{Address: "10.0.0.2", Port: 8081, SessionToken: "a b"}
	assert.Equal(t, "ws://10.0.0.2:8081/ws?token=a+b", info.WebSocketURL())

	v6 := ConnectionInfo{Address: "fe80::1", Port: 8081, SessionToken: "t"}
	assert.Equal(t, "ws://[fe80::1]:8081/ws?token=t", v6.WebSocketURL())
}

func TestErrorsIs(t *testing.T) {
	negErr := &NegotiationError{Op: "set_remote_description", Err: errors.New("bad sdp")}
	assert.True(t, errors.Is(negErr, ErrNegotiationFailed))
	assert.Contains(t, negErr.Error(), "bad sdp")

	frameErr := &MalformedFrameError{Format: FormatYUV420P, Reason: "short buffer"}
	assert.True(t, errors.Is(frameErr, ErrMalformedFrame))
	assert.Equal(t, "malformed YUV420P frame: short buffer", frameErr.Error())
}
