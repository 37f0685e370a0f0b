package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/pkg/utils"
)

const (
	unknownDeviceName = "Unknown Device"
	maxDeviceNameLen  = 64
)

// DecodeMessage parses one websocket frame. A message of unknown type is
// returned together with ErrUnknownMessageType so its envelope can still
// be inspected.
func DecodeMessage(data []byte) (domain.SignalingMessage, error) {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.SignalingMessage{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, msg.Type)
	}
	return msg, nil
}

// NewMessage wraps data in an envelope stamped with the current time.
func NewMessage(msgType domain.MessageType, data interface{}) ([]byte, error) {
	msg := domain.SignalingMessage{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// parseDeviceInfo fills in defaults for anything the sender left out.
func parseDeviceInfo(data json.RawMessage, remoteHost string) domain.DeviceIdentity {
	identity := domain.DeviceIdentity{
		Name:       unknownDeviceName,
		Address:    remoteHost,
		Resolution: domain.DefaultDeviceResolution,
	}

	var payload domain.DeviceInfoPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return identity
		}
	}

	name := payload.Name
	if name == "" {
		name = payload.DeviceName
	}
	name = utils.TruncateString(utils.SanitizeString(name), maxDeviceNameLen)
	if name != "" {
		identity.Name = name
	}

	if ip := strings.TrimSpace(payload.IP); ip != "" {
		identity.Address = ip
	}

	raw := payload.Resolution
	if len(raw) == 0 {
		raw = payload.ScreenResolution
	}
	if res, ok := parseResolution(raw); ok {
		identity.Resolution = res
	}
	return identity
}

// parseResolution accepts [w,h], {"width":w,"height":h} and "WxH".
func parseResolution(raw json.RawMessage) (domain.Resolution, bool) {
	if len(raw) == 0 {
		return domain.Resolution{}, false
	}

	var res domain.Resolution
	var pair []int
	var text string
	switch {
	case json.Unmarshal(raw, &pair) == nil:
		if len(pair) != 2 {
			return domain.Resolution{}, false
		}
		res = domain.Resolution{Width: pair[0], Height: pair[1]}
	case json.Unmarshal(raw, &text) == nil:
		w, h, found := strings.Cut(strings.ToLower(text), "x")
		if !found {
			return domain.Resolution{}, false
		}
		width, errW := strconv.Atoi(strings.TrimSpace(w))
		height, errH := strconv.Atoi(strings.TrimSpace(h))
		if errW != nil || errH != nil {
			return domain.Resolution{}, false
		}
		res = domain.Resolution{Width: width, Height: height}
	case json.Unmarshal(raw, &res) == nil:
	default:
		return domain.Resolution{}, false
	}

	if res.Width <= 0 || res.Height <= 0 {
		return domain.Resolution{}, false
	}
	return res, true
}
