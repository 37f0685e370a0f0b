package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"mirrorcast/internal/core/domain"
	httphandlers "mirrorcast/internal/handlers/http"
	"mirrorcast/internal/infrastructure/discovery"
	"mirrorcast/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleInfo = domain.ConnectionInfo{
	Address:         "192.168.1.20",
	Port:            8081,
	SessionToken:    "tok-abc",
	IssuedAt:        1700000000,
	ProtocolVersion: domain.ProtocolVersion,
}

func samplePayload(t *testing.T) string {
	t.Helper()
	payload, err := domain.EncodePairingPayload(sampleInfo)
	require.NoError(t, err)
	return payload
}

func TestDecodeCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"decode", samplePayload(t)})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"ip_address": "192.168.1.20"`)
	assert.Contains(t, out.String(), "ws://192.168.1.20:8081/ws?token=tok-abc")
}

func TestDecodeCommand_Stdin(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetIn(bytes.NewBufferString(samplePayload(t) + "\n"))
	root.SetArgs([]string{"decode", "-"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "tok-abc")
}

func TestDecodePayload_Invalid(t *testing.T) {
	var out bytes.Buffer
	err := decodePayload(&out, `{"type":"something_else","data":{}}`)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.Empty(t, out.String())
}

func TestRequestPairing(t *testing.T) {
	payload := samplePayload(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/pairing", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(httphandlers.PairingResponse{
			Connection:   sampleInfo,
			Payload:      payload,
			WebSocketURL: sampleInfo.WebSocketURL(),
		})
	}))
	defer srv.Close()

	resp, err := requestPairing(context.Background(), srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, payload, resp.Payload)

	var out bytes.Buffer
	printPairing(&out, resp)
	assert.Contains(t, out.String(), "Signaling: "+sampleInfo.WebSocketURL())
	assert.Contains(t, out.String(), payload)
}

func TestRequestPairing_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := requestPairing(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRequestPairing_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"payload":"not a payload"}`))
	}))
	defer srv.Close()

	_, err := requestPairing(context.Background(), srv.Client(), srv.URL)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":8081")
	require.NoError(t, err)
	assert.Equal(t, uint16(8081), port)

	port, err = listenPort("0.0.0.0:9000")
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), port)

	_, err = listenPort("8081")
	assert.Error(t, err)
	_, err = listenPort(":0")
	assert.Error(t, err)
	_, err = listenPort(":70000")
	assert.Error(t, err)
}

func TestDialableAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", dialableAddress(":8080"))
	assert.Equal(t, "127.0.0.1:8080", dialableAddress("0.0.0.0:8080"))
	assert.Equal(t, "10.0.0.2:8080", dialableAddress("10.0.0.2:8080"))
}

func TestIceServers(t *testing.T) {
	servers := iceServers([]config.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	})
	require.Len(t, servers, 2)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  queue_size: 3\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.QueueSize)
	assert.Equal(t, ":8081", cfg.Signal.Address)
}

func TestPrintReceivers(t *testing.T) {
	var out bytes.Buffer
	printReceivers(&out, nil)
	assert.Equal(t, "No receivers found.\n", out.String())

	out.Reset()
	printReceivers(&out, []discovery.Receiver{{
		Instance:  "mirrorcast-quiet-heron",
		Addresses: []net.IP{net.ParseIP("192.168.1.20")},
		Port:      8081,
		Version:   "1.0.0",
		State:     "idle",
	}})
	assert.Contains(t, out.String(), "INSTANCE")
	assert.Contains(t, out.String(), "192.168.1.20:8081")
}
